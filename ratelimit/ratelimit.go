// Package ratelimit implements a sliding-window log rate limiter on top of a
// shared store. Every check prunes events older than the window, records
// itself and counts what is left, all in one atomic batch.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentuity/go-cachecoord/logger"
	"github.com/agentuity/go-cachecoord/metrics"
	"github.com/agentuity/go-cachecoord/store"
)

// KeyPrefix is prepended to every identifier before it reaches the store.
const KeyPrefix = "ratelimit:"

// Decision is the outcome of a single check.
type Decision struct {
	Allowed bool
	// Count is the number of events in the window including this one. It is
	// zero when the store could not be reached.
	Count     int64
	Limit     int
	Remaining int
	// RetryAfter is an upper bound on how long a denied caller should wait.
	RetryAfter time.Duration
	// FailedOpen is set when the store failed and the call was let through.
	FailedOpen bool
}

// Limiter is safe for concurrent use.
type Limiter struct {
	store   store.Store
	logger  logger.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithMetrics records decisions on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(l *Limiter) { l.metrics = c }
}

// WithClock replaces time.Now as the source of event timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New returns a Limiter backed by s.
func New(s store.Store, log logger.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store:  s,
		logger: log.WithPrefix("[ratelimit]"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// IsAllowed reports whether identifier may perform another event given at
// most maxEvents per window. It returns true when the store fails.
func (l *Limiter) IsAllowed(ctx context.Context, identifier string, maxEvents int, window time.Duration) bool {
	return l.Check(ctx, identifier, maxEvents, window).Allowed
}

// Check is IsAllowed with the details of the decision. Denied attempts are
// recorded in the window like allowed ones.
func (l *Limiter) Check(ctx context.Context, identifier string, maxEvents int, window time.Duration) Decision {
	now := l.now()
	nowMs := now.UnixMilli()
	count, err := l.store.SlideWindow(ctx, store.WindowOp{
		Key:    KeyPrefix + identifier,
		Min:    float64(nowMs - window.Milliseconds()),
		Score:  float64(nowMs),
		Member: fmt.Sprintf("%d:%s", nowMs, uuid.NewString()),
		TTL:    window,
	})
	if err != nil {
		l.logger.Warn("rate limit check for %s failed, allowing request: %s", identifier, err)
		l.metrics.RateDecision("fail_open")
		l.metrics.StoreError("ratelimit", "slide_window")
		return Decision{Allowed: true, Limit: maxEvents, Remaining: maxEvents, FailedOpen: true}
	}

	d := Decision{
		Allowed: count <= int64(maxEvents),
		Count:   count,
		Limit:   maxEvents,
	}
	if d.Allowed {
		d.Remaining = maxEvents - int(count)
		l.metrics.RateDecision("allowed")
	} else {
		d.RetryAfter = window
		l.logger.Warn("rate limit exceeded for %s: %d events in %s, limit %d", identifier, count, window, maxEvents)
		l.metrics.RateDecision("denied")
	}
	return d
}
