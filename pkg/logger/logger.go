package logger

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

type contextKey string

// Context keys read by WithContext
const (
	RequestIDKey contextKey = "request_id"
	UserIDKey    contextKey = "user_id"
	TraceIDKey   contextKey = "trace_id"
)

// Logger wraps logrus.Logger with additional functionality
type Logger struct {
	*logrus.Logger
}

// New creates a new logger instance
func New(level string) *Logger {
	log := logrus.New()

	// Set log level
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	log.SetLevel(logLevel)

	// Set output format
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})

	// Set output destination
	log.SetOutput(os.Stdout)

	return &Logger{Logger: log}
}

// NewDiscard returns a logger that drops everything; used by tests
func NewDiscard() *Logger {
	l := New("panic")
	l.SetOutput(io.Discard)
	return l
}

// WithComponent creates a new logger entry with component name field
func (l *Logger) WithComponent(component string) *logrus.Entry {
	return l.Logger.WithField("component", component)
}

// WithDoctorDate creates an entry scoped to one doctor's queue for a date
func (l *Logger) WithDoctorDate(doctorID, date string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"doctor_id": doctorID,
		"date":      date,
	})
}

// WithAppointment creates an entry scoped to one appointment
func (l *Logger) WithAppointment(apt string) *logrus.Entry {
	return l.Logger.WithField("appointment_id", apt)
}

// Audit logs audit events with structured format
func (l *Logger) Audit(ctx context.Context, action, resource string, success bool, details map[string]interface{}) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"audit":    true,
		"action":   action,
		"resource": resource,
		"success":  success,
		"details":  details,
	})

	if success {
		entry.Info("Audit event")
	} else {
		entry.Warn("Audit event failed")
	}
}

// QueueRecompute logs the outcome of a queue recomputation
func (l *Logger) QueueRecompute(ctx context.Context, doctorID, date, trigger string, waiting, attempts int, stale bool) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"queue":     true,
		"doctor_id": doctorID,
		"date":      date,
		"trigger":   trigger,
		"waiting":   waiting,
		"attempts":  attempts,
		"stale":     stale,
	})

	if stale {
		entry.Warn("Queue recompute gave up; wait times are stale")
	} else {
		entry.Info("Queue recomputed")
	}
}

// Performance logs performance metrics
func (l *Logger) Performance(operation string, duration int64, details map[string]interface{}) {
	l.Logger.WithFields(logrus.Fields{
		"performance": true,
		"operation":   operation,
		"duration_ms": duration,
		"details":     details,
	}).Info("Performance metric")
}

// WithContext creates a logger with context-aware fields
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithFields(logrus.Fields{})
	if ctx == nil {
		return entry
	}

	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}

	if requestID := ctx.Value(RequestIDKey); requestID != nil {
		entry = entry.WithField("request_id", requestID)
	}

	if userID := ctx.Value(UserIDKey); userID != nil {
		entry = entry.WithField("user_id", userID)
	}

	return entry
}

// HTTPRequest logs HTTP request events
func (l *Logger) HTTPRequest(ctx context.Context, method, path, userAgent, clientIP string, statusCode int, duration int64) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"http_request": true,
		"method":       method,
		"path":         path,
		"user_agent":   userAgent,
		"client_ip":    clientIP,
		"status_code":  statusCode,
		"duration_ms":  duration,
	})

	if statusCode >= 400 {
		entry.Warn("HTTP request completed with error")
	} else {
		entry.Info("HTTP request completed")
	}
}

// DatabaseOperation logs database operation events
func (l *Logger) DatabaseOperation(ctx context.Context, operation, table string, duration int64, rowsAffected int64, success bool) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"database":      true,
		"operation":     operation,
		"table":         table,
		"duration_ms":   duration,
		"rows_affected": rowsAffected,
		"success":       success,
	})

	if success {
		entry.Debug("Database operation completed")
	} else {
		entry.Error("Database operation failed")
	}
}
