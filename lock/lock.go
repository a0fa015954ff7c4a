// Package lock implements lease-based mutual exclusion on top of a shared store.
//
// A lock record exists only while it is held. Each acquisition stores a fresh
// owner token and only the holder of that token can release or renew it, so a
// holder whose lease ran out can never remove the lock of the next holder.
package lock

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/agentuity/go-cachecoord/logger"
	"github.com/agentuity/go-cachecoord/metrics"
	"github.com/agentuity/go-cachecoord/store"
)

var tracer = otel.Tracer("@agentuity/go-cachecoord/lock")

// KeyPrefix is prepended to every resource name before it reaches the store.
const KeyPrefix = "lock:"

// DefaultReleaseTimeout bounds a release that runs after the caller's context
// has already been cancelled.
const DefaultReleaseTimeout = 2 * time.Second

var (
	// ErrNotAcquired is returned by Do when another holder owns the lock.
	ErrNotAcquired = errors.New("lock: not acquired")
	// ErrLeaseLost is returned when a lease is renewed after it expired or
	// was taken by someone else.
	ErrLeaseLost = errors.New("lock: lease lost")
)

// Lease describes a held lock.
type Lease struct {
	Key        string
	Token      string
	Duration   time.Duration
	AcquiredAt time.Time
}

// Locker acquires and releases leases.
type Locker struct {
	store          store.Store
	logger         logger.Logger
	metrics        *metrics.Collector
	releaseTimeout time.Duration
}

// Option configures a Locker.
type Option func(*Locker)

// WithMetrics records acquire and release results on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(l *Locker) { l.metrics = c }
}

// WithReleaseTimeout overrides DefaultReleaseTimeout.
func WithReleaseTimeout(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.releaseTimeout = d
		}
	}
}

// New returns a Locker backed by s.
func New(s store.Store, log logger.Logger, opts ...Option) *Locker {
	l := &Locker{
		store:          s,
		logger:         log.WithPrefix("[lock]"),
		releaseTimeout: DefaultReleaseTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire tries once to take the lock for key, held for at most lease.
// It returns false when the lock is held elsewhere, the store cannot be
// reached or lease is not positive; the store failure is logged and never
// returned.
func (l *Locker) Acquire(ctx context.Context, key string, lease time.Duration) (*Lease, bool) {
	ctx, span := tracer.Start(ctx, "lock.Acquire")
	defer span.End()
	span.SetAttributes(attribute.String("lock.key", key))

	if lease <= 0 {
		l.logger.Warn("refusing to acquire %s with non-positive lease %s", key, lease)
		l.metrics.LockAcquire("invalid")
		span.SetStatus(codes.Error, "non-positive lease")
		return nil, false
	}
	token := uuid.NewString()
	ok, err := l.store.SetIfAbsent(ctx, KeyPrefix+key, token, lease)
	if err != nil {
		l.logger.Warn("acquire %s failed, treating as not acquired: %s", key, err)
		l.metrics.LockAcquire("error")
		l.metrics.StoreError("lock", "acquire")
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return nil, false
	}
	span.SetAttributes(attribute.Bool("lock.acquired", ok))
	if !ok {
		l.logger.Debug("lock %s is held elsewhere", key)
		l.metrics.LockAcquire("held")
		return nil, false
	}
	l.logger.Debug("acquired %s for %s", key, lease)
	l.metrics.LockAcquire("acquired")
	return &Lease{Key: key, Token: token, Duration: lease, AcquiredAt: time.Now()}, true
}

// Release removes the lock for key if and only if it is still held with token.
// A mismatch or a store failure is logged and reported as false.
func (l *Locker) Release(ctx context.Context, key, token string) bool {
	ctx, span := tracer.Start(ctx, "lock.Release")
	defer span.End()
	span.SetAttributes(attribute.String("lock.key", key))

	ok, err := l.store.CompareAndDelete(ctx, KeyPrefix+key, token)
	if err != nil {
		l.logger.Warn("release %s failed, lease will expire on its own: %s", key, err)
		l.metrics.LockRelease("error")
		l.metrics.StoreError("lock", "release")
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return false
	}
	if !ok {
		l.logger.Warn("release %s ignored: token no longer owns the lock", key)
		l.metrics.LockRelease("mismatch")
		return false
	}
	l.logger.Debug("released %s", key)
	l.metrics.LockRelease("released")
	return true
}

// ReleaseLease is Release for a lease returned by Acquire. The release runs
// even if ctx is already cancelled.
func (l *Locker) ReleaseLease(ctx context.Context, lease *Lease) bool {
	if lease == nil {
		return false
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.releaseTimeout)
	defer cancel()
	return l.Release(rctx, lease.Key, lease.Token)
}

// Do runs fn while holding the lock for key. It returns ErrNotAcquired without
// calling fn when the lock is unavailable. The lock is released however fn
// exits, including a panic or a cancelled ctx.
func (l *Locker) Do(ctx context.Context, key string, lease time.Duration, fn func(ctx context.Context) error) error {
	held, ok := l.Acquire(ctx, key, lease)
	if !ok {
		return ErrNotAcquired
	}
	defer l.ReleaseLease(ctx, held)
	return fn(ctx)
}
