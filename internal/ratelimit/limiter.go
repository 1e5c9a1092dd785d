// Package ratelimit tracks upstream API calls in a rolling window so the
// process stays under the provider's quota.
package ratelimit

import (
	"sync"
	"time"

	"github.com/ppirong/townly-sub003/internal/failure"
	"github.com/ppirong/townly-sub003/internal/metrics"
)

const (
	DefaultLimit  = 50
	DefaultWindow = time.Hour
)

type Limiter struct {
	mu     sync.Mutex
	name   string
	limit  int
	window time.Duration
	events []time.Time
	now    func() time.Time
}

type Option func(*Limiter)

// WithClock replaces time.Now, for tests that need to move time forward.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithName sets the label used for metrics.
func WithName(name string) Option {
	return func(l *Limiter) { l.name = name }
}

func New(limit int, window time.Duration, opts ...Option) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Limiter{
		name:   "upstream",
		limit:  limit,
		window: window,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CanMakeRequest reports whether a call would fit in the current window.
// It does not record anything.
func (l *Limiter) CanMakeRequest() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.countLocked(l.now()) < l.limit
}

// RecordRequest adds a call event at the current time.
func (l *Limiter) RecordRequest() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.pruneLocked(now)
	l.events = append(l.events, now)
}

// TryAcquire records a call if one fits, otherwise returns a QuotaExceeded
// failure that mentions how long until capacity frees up.
func (l *Limiter) TryAcquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.pruneLocked(now)
	if len(l.events) >= l.limit {
		metrics.RateLimitDenied.WithLabelValues(l.name).Inc()
		return failure.Newf(failure.QuotaExceeded, "ratelimit."+l.name,
			"%d calls in %s, retry in %s", len(l.events), l.window, l.waitLocked(now))
	}
	l.events = append(l.events, now)
	return nil
}

// WaitTime returns how long until the oldest in-window call ages out, or
// zero when there is capacity now.
func (l *Limiter) WaitTime() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if l.countLocked(now) < l.limit {
		return 0
	}
	return l.waitLocked(now)
}

// Reset forgets all recorded calls.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

type Stats struct {
	Used        int           `json:"used"`
	Limit       int           `json:"limit"`
	Remaining   int           `json:"remaining"`
	Window      time.Duration `json:"window"`
	WindowStart time.Time     `json:"windowStart"`
	WaitTime    time.Duration `json:"waitTime"`
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	used := l.countLocked(now)
	st := Stats{
		Used:        used,
		Limit:       l.limit,
		Remaining:   max(l.limit-used, 0),
		Window:      l.window,
		WindowStart: now.Add(-l.window),
	}
	if used >= l.limit {
		st.WaitTime = l.waitLocked(now)
	}
	return st
}

func (l *Limiter) countLocked(now time.Time) int {
	cutoff := now.Add(-l.window)
	n := 0
	for _, ev := range l.events {
		if ev.After(cutoff) {
			n++
		}
	}
	return n
}

// waitLocked assumes events are in insertion order, which holds because the
// clock only moves forward in practice. A clock that steps backwards yields a
// conservative wait.
func (l *Limiter) waitLocked(now time.Time) time.Duration {
	cutoff := now.Add(-l.window)
	for _, ev := range l.events {
		if ev.After(cutoff) {
			return ev.Sub(cutoff)
		}
	}
	return 0
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.events) && !l.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.events = append(l.events[:0], l.events[i:]...)
	}
}
