// Package ratelimit provides in-process fixed-window counters used to
// throttle login attempts per source IP and per account.
package ratelimit

import (
	"sync"
	"time"
)

// Result reports the outcome of a Consume call. RetryAfter is only set
// when the request was denied.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

type counter struct {
	count     int
	windowEnd time.Time
}

// Limiter counts events per string key inside a fixed wall-clock window.
// Limit and window are bound at construction so every call site agrees on
// the policy; swapping the backing store does not change callers.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*counter
	limit   int
	window  time.Duration

	now func() time.Time
}

// New creates a limiter allowing limit events per window for each key.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		entries: make(map[string]*counter),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// Consume records one event for key. On first use or after the window
// elapsed the count resets to 1 and the event is allowed. At the limit the
// event is denied and RetryAfter reports the remaining window time.
func (l *Limiter) Consume(key string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cur, ok := l.entries[key]
	if !ok || !cur.windowEnd.After(now) {
		l.entries[key] = &counter{count: 1, windowEnd: now.Add(l.window)}
		return Result{Allowed: true}
	}
	if cur.count < l.limit {
		cur.count++
		return Result{Allowed: true}
	}
	return Result{Allowed: false, RetryAfter: cur.windowEnd.Sub(now)}
}

// Reset clears the counter for key, e.g. after a successful login.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}
