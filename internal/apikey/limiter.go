package apikey

import (
	"context"
	"sync"
	"time"
)

// rateWindow is the sliding window all limits are expressed against.
const rateWindow = time.Hour

// Decision is the outcome of one rate-limit check, shaped for the
// X-RateLimit-* response headers.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time // when the oldest counted request leaves the window
}

// Limiter counts requests per subject over a sliding one-hour window.
type Limiter interface {
	Allow(ctx context.Context, subject string, limit int) (Decision, error)
}

// MemoryLimiter keeps per-subject timestamp rings in process memory.
// Suitable for single-node deployments and tests.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{windows: make(map[string][]time.Time)}
}

// Allow records the request unless the subject is over its limit.
func (l *MemoryLimiter) Allow(_ context.Context, subject string, limit int) (Decision, error) {
	now := time.Now()
	cutoff := now.Add(-rateWindow)

	l.mu.Lock()
	defer l.mu.Unlock()

	window := l.windows[subject]
	live := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}

	if len(live) >= limit {
		l.windows[subject] = live
		return Decision{
			Allowed:   false,
			Limit:     limit,
			Remaining: 0,
			Reset:     live[0].Add(rateWindow),
		}, nil
	}

	live = append(live, now)
	l.windows[subject] = live
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - len(live),
		Reset:     live[0].Add(rateWindow),
	}, nil
}
