package monitoring

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/medrex/clinic-scheduler/pkg/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// MonitoringMiddleware combines metrics, tracing, and logging
type MonitoringMiddleware struct {
	metrics *MetricsCollector
	tracing *TracingManager
	logger  *logger.Logger
}

// NewMonitoringMiddleware creates a new monitoring middleware
func NewMonitoringMiddleware(metrics *MetricsCollector, tracing *TracingManager, log *logger.Logger) *MonitoringMiddleware {
	return &MonitoringMiddleware{
		metrics: metrics,
		tracing: tracing,
		logger:  log,
	}
}

// HTTPMiddleware creates comprehensive HTTP monitoring middleware
func (mm *MonitoringMiddleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := context.WithValue(r.Context(), logger.RequestIDKey, requestID)
		if userID := r.Header.Get("X-User-ID"); userID != "" {
			ctx = context.WithValue(ctx, logger.UserIDKey, userID)
		}

		ctx = mm.tracing.ExtractTraceContext(ctx, r.Header)

		ctx, span := mm.tracing.StartHTTPSpan(ctx, r.Method, r.URL.Path)
		defer span.End()

		if traceID := mm.tracing.TraceIDFromContext(ctx); traceID != "" {
			ctx = context.WithValue(ctx, logger.TraceIDKey, traceID)
		}

		span.SetAttributes(
			attribute.String("http.user_agent", r.UserAgent()),
			attribute.String("request.id", requestID),
		)

		wrapper := &monitoringResponseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		wrapper.Header().Set("X-Request-ID", requestID)
		mm.tracing.InjectTraceContext(ctx, wrapper.Header())

		r = r.WithContext(ctx)
		next.ServeHTTP(wrapper, r)

		duration := time.Since(start)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}
		mm.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(wrapper.statusCode), duration)

		span.SetAttributes(
			attribute.Int("http.status_code", wrapper.statusCode),
			attribute.Int64("http.response_size", wrapper.bytesWritten),
		)
		if wrapper.statusCode >= 500 {
			span.SetStatus(codes.Error, http.StatusText(wrapper.statusCode))
		}

		mm.logger.HTTPRequest(
			ctx,
			r.Method,
			r.URL.Path,
			r.UserAgent(),
			r.RemoteAddr,
			wrapper.statusCode,
			duration.Milliseconds(),
		)
	})
}

// monitoringResponseWriter wraps http.ResponseWriter to capture metrics
type monitoringResponseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (mrw *monitoringResponseWriter) WriteHeader(code int) {
	mrw.statusCode = code
	mrw.ResponseWriter.WriteHeader(code)
}

func (mrw *monitoringResponseWriter) Write(b []byte) (int, error) {
	n, err := mrw.ResponseWriter.Write(b)
	mrw.bytesWritten += int64(n)
	return n, err
}

// Hijack lets the live feed upgrade connections through the middleware
func (mrw *monitoringResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return hijack(mrw.ResponseWriter)
}
