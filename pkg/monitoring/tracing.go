package monitoring

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig holds tracing configuration
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	JaegerEndpoint string
	Environment    string
	SamplingRate   float64
}

// TracingManager handles distributed tracing
type TracingManager struct {
	tracer   trace.Tracer
	config   *TracingConfig
	provider *sdktrace.TracerProvider
}

// NewTracingManager creates a new tracing manager exporting to Jaeger
func NewTracingManager(config *TracingConfig) (*TracingManager, error) {
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(config.JaegerEndpoint)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRate))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracingManager{
		tracer:   tp.Tracer(config.ServiceName),
		config:   config,
		provider: tp,
	}, nil
}

// NewNoopTracingManager returns a manager whose spans are never recorded
func NewNoopTracingManager(serviceName string) *TracingManager {
	return &TracingManager{
		tracer: trace.NewNoopTracerProvider().Tracer(serviceName),
		config: &TracingConfig{ServiceName: serviceName},
	}
}

// StartHTTPSpan starts a span for HTTP requests
func (tm *TracingManager) StartHTTPSpan(ctx context.Context, method, path string) (context.Context, trace.Span) {
	spanName := fmt.Sprintf("%s %s", method, path)
	return tm.tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPMethod(method),
			semconv.HTTPRoute(path),
			semconv.HTTPScheme("http"),
		),
	)
}

// StartQueueSpan starts a span covering one queue recomputation
func (tm *TracingManager) StartQueueSpan(ctx context.Context, doctorID, date, trigger string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "queue.recompute",
		trace.WithAttributes(
			attribute.String("clinic.doctor_id", doctorID),
			attribute.String("clinic.date", date),
			attribute.String("clinic.queue.trigger", trigger),
		),
	)
}

// StartBookingSpan starts a span covering one booking attempt
func (tm *TracingManager) StartBookingSpan(ctx context.Context, doctorID, date, timeSlot string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "booking.book_slot",
		trace.WithAttributes(
			attribute.String("clinic.doctor_id", doctorID),
			attribute.String("clinic.date", date),
			attribute.String("clinic.time_slot", timeSlot),
		),
	)
}

// RecordError records an error in the span
func (tm *TracingManager) RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// HTTPMiddleware creates middleware for HTTP request tracing
func (tm *TracingManager) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := tm.ExtractTraceContext(r.Context(), r.Header)

		ctx, span := tm.StartHTTPSpan(ctx, r.Method, r.URL.Path)
		defer span.End()

		span.SetAttributes(
			semconv.HTTPUserAgent(r.UserAgent()),
			semconv.HTTPClientIP(r.RemoteAddr),
		)

		tm.InjectTraceContext(ctx, w.Header())

		wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r.WithContext(ctx))

		span.SetAttributes(semconv.HTTPStatusCode(wrapper.statusCode))
		if wrapper.statusCode >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", wrapper.statusCode))
		}
	})
}

// ExtractTraceContext extracts trace context from HTTP headers
func (tm *TracingManager) ExtractTraceContext(ctx context.Context, headers http.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(headers))
}

// InjectTraceContext injects trace context into HTTP headers
func (tm *TracingManager) InjectTraceContext(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// Shutdown gracefully shuts down the tracing provider
func (tm *TracingManager) Shutdown(ctx context.Context) error {
	if tm.provider == nil {
		return nil
	}
	return tm.provider.Shutdown(ctx)
}

// TraceIDFromContext extracts trace ID from context
func (tm *TracingManager) TraceIDFromContext(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
