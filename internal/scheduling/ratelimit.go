package scheduling

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BookingLimiter throttles booking attempts per client so one caller cannot sweep a day's slots
type BookingLimiter struct {
	limiters map[string]*clientLimiter
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewBookingLimiter allows perMinute bookings per client with the given burst
func NewBookingLimiter(perMinute, burst int) *BookingLimiter {
	if burst < 1 {
		burst = 1
	}
	return &BookingLimiter{
		limiters: make(map[string]*clientLimiter),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
		now:      time.Now,
	}
}

// Allow reports whether client may book now
func (bl *BookingLimiter) Allow(client string) bool {
	bl.mu.Lock()
	now := bl.now()
	cl, ok := bl.limiters[client]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(bl.limit, bl.burst)}
		bl.limiters[client] = cl
	}
	cl.lastSeen = now
	bl.mu.Unlock()

	return cl.limiter.AllowN(now, 1)
}

// cleanup forgets clients idle for longer than maxIdle
func (bl *BookingLimiter) cleanup(maxIdle time.Duration) {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	cutoff := bl.now().Add(-maxIdle)
	for client, cl := range bl.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(bl.limiters, client)
		}
	}
}

// StartCleanup prunes idle clients every interval until ctx ends
func (bl *BookingLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				bl.cleanup(interval)
			}
		}
	}()
}

// clientKey identifies the caller: the authenticated user when known, else the remote host
func clientKey(r *http.Request, userID string) string {
	if userID != "" {
		return "user:" + userID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
