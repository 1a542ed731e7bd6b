// Package ratelimit implements a fixed-window request limiter keyed by string.
package ratelimit

import (
	"sync"
	"time"
)

// bucket tracks one key's count within its current window.
type bucket struct {
	count         int
	windowResetAt time.Time
}

// Limiter counts requests per key in fixed windows. When a window elapses the
// next request for that key opens a fresh one; stale keys are overwritten
// lazily on their next access rather than swept in the background.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	window  time.Duration
	max     int

	now func() time.Time // injectable for tests
}

// Result reports whether a request may proceed. RetryAfter is only
// meaningful when Allowed is false.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// New creates a Limiter allowing max requests per key per window.
func New(window time.Duration, max int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		window:  window,
		max:     max,
		now:     time.Now,
	}
}

// Allow records a request for key and reports whether it is within the limit.
// A window-boundary burst can admit up to 2x max across two adjacent windows;
// that is the accepted trade-off of window-reset counting.
func (l *Limiter) Allow(key string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok || !now.Before(b.windowResetAt) {
		l.buckets[key] = &bucket{count: 1, windowResetAt: now.Add(l.window)}
		return Result{Allowed: true}
	}

	if b.count < l.max {
		b.count++
		return Result{Allowed: true}
	}

	return Result{Allowed: false, RetryAfter: b.windowResetAt.Sub(now)}
}
