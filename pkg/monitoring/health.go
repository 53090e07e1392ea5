package monitoring

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// severity orders statuses so the report carries the worst one
func (s HealthStatus) severity() int {
	switch s {
	case HealthStatusUnhealthy:
		return 2
	case HealthStatusDegraded:
		return 1
	}
	return 0
}

// HealthCheck is the outcome of one dependency probe
type HealthCheck struct {
	Name        string                 `json:"name"`
	Status      HealthStatus           `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Duration    time.Duration          `json:"duration"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// HealthReport is served on the health path; checks are sorted by name
type HealthReport struct {
	Status    HealthStatus   `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Service   string         `json:"service"`
	Version   string         `json:"version"`
	Checks    []HealthCheck  `json:"checks"`
	Summary   map[string]int `json:"summary"`
}

// HealthChecker probes one dependency
type HealthChecker interface {
	Check(ctx context.Context) HealthCheck
}

// CheckFunc adapts a plain function to HealthChecker
type CheckFunc func(ctx context.Context) HealthCheck

// Check calls f
func (f CheckFunc) Check(ctx context.Context) HealthCheck {
	return f(ctx)
}

// HealthManager runs the registered checkers concurrently under one timeout
type HealthManager struct {
	serviceName    string
	serviceVersion string
	checkers       map[string]HealthChecker
	mu             sync.RWMutex
	timeout        time.Duration
}

func NewHealthManager(serviceName, serviceVersion string) *HealthManager {
	return &HealthManager{
		serviceName:    serviceName,
		serviceVersion: serviceVersion,
		checkers:       make(map[string]HealthChecker),
		timeout:        30 * time.Second,
	}
}

// RegisterChecker adds or replaces the checker reported under name
func (hm *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checkers[name] = checker
}

// SetTimeout bounds each check
func (hm *HealthManager) SetTimeout(timeout time.Duration) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.timeout = timeout
}

// CheckHealth runs every checker and reports the worst status
func (hm *HealthManager) CheckHealth(ctx context.Context) *HealthReport {
	hm.mu.RLock()
	checkers := make(map[string]HealthChecker, len(hm.checkers))
	for name, checker := range hm.checkers {
		checkers[name] = checker
	}
	timeout := hm.timeout
	hm.mu.RUnlock()

	results := make(chan HealthCheck, len(checkers))
	var wg sync.WaitGroup
	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker HealthChecker) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			check := checker.Check(checkCtx)
			check.Name = name
			check.LastChecked = start
			check.Duration = time.Since(start)
			results <- check
		}(name, checker)
	}
	wg.Wait()
	close(results)

	report := &HealthReport{
		Status:    HealthStatusHealthy,
		Service:   hm.serviceName,
		Version:   hm.serviceVersion,
		Timestamp: time.Now(),
		Checks:    make([]HealthCheck, 0, len(checkers)),
		Summary:   make(map[string]int),
	}
	for check := range results {
		report.Checks = append(report.Checks, check)
		report.Summary[string(check.Status)]++
		if check.Status.severity() > report.Status.severity() {
			report.Status = check.Status
		}
	}
	sort.Slice(report.Checks, func(i, j int) bool {
		return report.Checks[i].Name < report.Checks[j].Name
	})

	return report
}

// HTTPHandler serves the report; only an unhealthy service answers 503
func (hm *HealthManager) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := hm.CheckHealth(r.Context())

		status := http.StatusOK
		if report.Status == HealthStatusUnhealthy {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(report)
	}
}

// DatabaseHealthChecker pings the appointment store
type DatabaseHealthChecker struct {
	db *sql.DB
}

func NewDatabaseHealthChecker(db *sql.DB) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{db: db}
}

// Check fails when the store is unreachable and degrades when the pool is nearly full
func (dhc *DatabaseHealthChecker) Check(ctx context.Context) HealthCheck {
	if err := dhc.db.PingContext(ctx); err != nil {
		return HealthCheck{
			Status:  HealthStatusUnhealthy,
			Message: fmt.Sprintf("Database connection failed: %v", err),
		}
	}

	stats := dhc.db.Stats()
	check := HealthCheck{
		Status:  HealthStatusHealthy,
		Message: "Database connection healthy",
		Details: map[string]interface{}{
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
			"wait_count":       stats.WaitCount,
		},
	}
	if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
		check.Status = HealthStatusDegraded
		check.Message = "Database connection pool exhausted; bookings will queue"
	}
	return check
}

// RedisHealthChecker checks the change feed broker
type RedisHealthChecker struct {
	client redis.UniversalClient
}

func NewRedisHealthChecker(client redis.UniversalClient) *RedisHealthChecker {
	return &RedisHealthChecker{client: client}
}

// Check degrades on failure: live views go quiet but bookings still commit
func (rhc *RedisHealthChecker) Check(ctx context.Context) HealthCheck {
	if err := rhc.client.Ping(ctx).Err(); err != nil {
		return HealthCheck{
			Status:  HealthStatusDegraded,
			Message: fmt.Sprintf("Redis ping failed: %v", err),
		}
	}

	stats := rhc.client.PoolStats()
	return HealthCheck{
		Status:  HealthStatusHealthy,
		Message: "Redis connection healthy",
		Details: map[string]interface{}{
			"total_conns": stats.TotalConns,
			"idle_conns":  stats.IdleConns,
			"timeouts":    stats.Timeouts,
		},
	}
}
