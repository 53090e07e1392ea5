package monitoring

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector handles Prometheus metrics collection for the scheduler.
// Each collector owns its registry so several can coexist in one process.
type MetricsCollector struct {
	serviceName string
	registry    *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	bookingsTotal        *prometheus.CounterVec
	transitionsTotal     *prometheus.CounterVec
	recomputationsTotal  *prometheus.CounterVec
	recomputeAttempts    *prometheus.HistogramVec
	queueWaiting         *prometheus.GaugeVec
	staleQueuesTotal     *prometheus.CounterVec
	eventsPublishedTotal *prometheus.CounterVec
	liveSubscribers      prometheus.Gauge
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(serviceName string) *MetricsCollector {
	constLabels := prometheus.Labels{"service": serviceName}

	m := &MetricsCollector{
		serviceName: serviceName,
		registry:    prometheus.NewRegistry(),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: constLabels,
			},
			[]string{"method", "endpoint", "status_code"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "Duration of HTTP requests in seconds",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: constLabels,
			},
			[]string{"method", "endpoint"},
		),
		bookingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "clinic_bookings_total",
				Help:        "Booking attempts by outcome",
				ConstLabels: constLabels,
			},
			[]string{"outcome"},
		),
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "clinic_status_transitions_total",
				Help:        "Appointment status transitions by target status and outcome",
				ConstLabels: constLabels,
			},
			[]string{"to", "outcome"},
		),
		recomputationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "clinic_queue_recomputations_total",
				Help:        "Queue recomputations by trigger and outcome",
				ConstLabels: constLabels,
			},
			[]string{"trigger", "outcome"},
		),
		recomputeAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "clinic_queue_recompute_attempts",
				Help:        "Attempts needed to commit a queue recomputation",
				Buckets:     []float64{1, 2, 3, 4, 5, 8},
				ConstLabels: constLabels,
			},
			[]string{"trigger"},
		),
		queueWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "clinic_queue_waiting",
				Help:        "Patients waiting per doctor after the last recomputation",
				ConstLabels: constLabels,
			},
			[]string{"doctor_id"},
		),
		staleQueuesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "clinic_queue_stale_total",
				Help:        "Recomputations abandoned after exhausting retries",
				ConstLabels: constLabels,
			},
			[]string{"trigger"},
		),
		eventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "clinic_events_published_total",
				Help:        "Appointment change events published to the feed",
				ConstLabels: constLabels,
			},
			[]string{"type", "status"},
		),
		liveSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name:        "clinic_live_subscribers",
				Help:        "Open live appointment subscriptions",
				ConstLabels: constLabels,
			},
		),
	}

	m.registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.bookingsTotal,
		m.transitionsTotal,
		m.recomputationsTotal,
		m.recomputeAttempts,
		m.queueWaiting,
		m.staleQueuesTotal,
		m.eventsPublishedTotal,
		m.liveSubscribers,
		prometheus.NewGoCollector(),
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *MetricsCollector) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordBooking records a booking attempt: booked, taken, rejected, rate_limited or error
func (m *MetricsCollector) RecordBooking(outcome string) {
	m.bookingsTotal.WithLabelValues(outcome).Inc()
}

// RecordTransition records a status transition attempt
func (m *MetricsCollector) RecordTransition(to string, success bool) {
	outcome := "ok"
	if !success {
		outcome = "rejected"
	}
	m.transitionsTotal.WithLabelValues(to, outcome).Inc()
}

// RecordQueueRecompute records the result of one recomputation
func (m *MetricsCollector) RecordQueueRecompute(doctorID, trigger string, attempts, waiting int, stale bool) {
	outcome := "committed"
	if stale {
		outcome = "stale"
		m.staleQueuesTotal.WithLabelValues(trigger).Inc()
	} else {
		m.queueWaiting.WithLabelValues(doctorID).Set(float64(waiting))
	}
	m.recomputationsTotal.WithLabelValues(trigger, outcome).Inc()
	m.recomputeAttempts.WithLabelValues(trigger).Observe(float64(attempts))
}

// RecordEventPublished records a change feed publish
func (m *MetricsCollector) RecordEventPublished(eventType string, success bool) {
	m.eventsPublishedTotal.WithLabelValues(eventType, strconv.FormatBool(success)).Inc()
}

// SubscriberOpened and SubscriberClosed track live feed connections
func (m *MetricsCollector) SubscriberOpened() { m.liveSubscribers.Inc() }

func (m *MetricsCollector) SubscriberClosed() { m.liveSubscribers.Dec() }

// Handler returns the Prometheus metrics HTTP handler
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// HTTPMiddleware creates middleware for HTTP request metrics.
// Routed requests are labelled by their path template to keep cardinality bounded.
func (m *MetricsCollector) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}

		m.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(wrapper.statusCode), time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return hijack(rw.ResponseWriter)
}

func hijack(w http.ResponseWriter) (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}
