// Package cacheaside populates a cache on demand while keeping concurrent
// callers, in this process or others, from recomputing the same key.
//
// On a miss the caller that wins the distributed lock for the key runs the
// factory and writes the result. Everyone else polls the cache for a bounded
// time and, if the value still has not appeared, runs the factory themselves
// without caching the result.
package cacheaside

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/agentuity/go-cachecoord/cache"
	"github.com/agentuity/go-cachecoord/lock"
	"github.com/agentuity/go-cachecoord/logger"
	"github.com/agentuity/go-cachecoord/metrics"
)

var tracer = otel.Tracer("@agentuity/go-cachecoord/cacheaside")

// ErrFactoryPanic is returned when a factory panics. The panic value is
// kept in the error message.
var ErrFactoryPanic = errors.New("cacheaside: factory panicked")

const (
	DefaultLeaseDuration = 10 * time.Second
	DefaultRetryDelay    = 50 * time.Millisecond
	DefaultMaxRetries    = 20
)

// Factory produces the value for a key on a cache miss.
type Factory[T any] func(ctx context.Context) (T, error)

// CacheAside coordinates population of a cache.
type CacheAside struct {
	cache   cache.Cache
	locker  *lock.Locker
	logger  logger.Logger
	metrics *metrics.Collector

	leaseDuration time.Duration
	retryDelay    time.Duration
	maxRetries    int
	renewInterval time.Duration
	coalesce      bool
	group         singleflight.Group
}

// Option configures a CacheAside.
type Option func(*CacheAside)

// WithLeaseDuration sets how long the population lock is held at most. It
// must comfortably exceed the factory's latency unless lease renewal is on.
func WithLeaseDuration(d time.Duration) Option {
	return func(ca *CacheAside) { ca.leaseDuration = d }
}

// WithRetryDelay sets the delay between cache polls while another caller
// populates the key.
func WithRetryDelay(d time.Duration) Option {
	return func(ca *CacheAside) { ca.retryDelay = d }
}

// WithMaxRetries sets how many polls are made before falling back.
func WithMaxRetries(n int) Option {
	return func(ca *CacheAside) { ca.maxRetries = n }
}

// WithLeaseRenewal extends the population lock every interval while the
// factory runs, so a slow factory does not let a second caller in.
func WithLeaseRenewal(interval time.Duration) Option {
	return func(ca *CacheAside) { ca.renewInterval = interval }
}

// WithLocalCoalescing joins concurrent calls for the same key within this
// process before they reach the distributed lock. The shared population is
// detached from the cancellation of any single caller; each caller still
// stops waiting when its own context ends.
func WithLocalCoalescing() Option {
	return func(ca *CacheAside) { ca.coalesce = true }
}

// WithMetrics records outcomes and factory latency on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(ca *CacheAside) { ca.metrics = c }
}

// New returns a CacheAside reading and writing c and locking through locker.
func New(c cache.Cache, locker *lock.Locker, log logger.Logger, opts ...Option) *CacheAside {
	ca := &CacheAside{
		cache:         c,
		locker:        locker,
		logger:        log.WithPrefix("[cacheaside]"),
		leaseDuration: DefaultLeaseDuration,
		retryDelay:    DefaultRetryDelay,
		maxRetries:    DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(ca)
	}
	return ca
}

// Invalidate removes key from the cache.
func (ca *CacheAside) Invalidate(ctx context.Context, key string) error {
	_, err := ca.cache.Remove(ctx, key)
	return err
}

// Result is the outcome of a Fetch.
type Result[T any] struct {
	Value T
	// Outcome is one of the metrics.Outcome* values.
	Outcome string
	// Cached is set when Value is in the cache after the call, either because
	// it was found there or because this call wrote it.
	Cached bool
}

// GetOrPopulate returns the cached value for key, running factory on a miss
// and caching its result for ttl. A factory error is returned as is and
// leaves the key uncached. Cache and lock failures never surface; they
// degrade to a miss, a not-acquired lock, or a skipped write.
func GetOrPopulate[T any](ctx context.Context, ca *CacheAside, key string, factory Factory[T], ttl time.Duration) (T, error) {
	res, err := Fetch(ctx, ca, key, factory, ttl)
	return res.Value, err
}

// Fetch is GetOrPopulate reporting how the value was obtained.
func Fetch[T any](ctx context.Context, ca *CacheAside, key string, factory Factory[T], ttl time.Duration) (Result[T], error) {
	if !ca.coalesce {
		return getOrPopulate(ctx, ca, key, factory, ttl)
	}
	ch := ca.group.DoChan(key, func() (any, error) {
		return getOrPopulate(context.WithoutCancel(ctx), ca, key, factory, ttl)
	})
	select {
	case <-ctx.Done():
		return Result[T]{Outcome: metrics.OutcomeCancelled}, ctx.Err()
	case res := <-ch:
		if r, ok := res.Val.(Result[T]); ok {
			return r, res.Err
		}
		// another caller coalesced the same key with a different type
		return getOrPopulate(ctx, ca, key, factory, ttl)
	}
}

func getOrPopulate[T any](ctx context.Context, ca *CacheAside, key string, factory Factory[T], ttl time.Duration) (Result[T], error) {
	ctx, span := tracer.Start(ctx, "cacheaside.GetOrPopulate", trace.WithAttributes(attribute.String("cache.key", key)))
	defer span.End()

	if v, ok := lookup[T](ctx, ca, key); ok {
		return done(ca, span, metrics.OutcomeHit, v, true)
	}

	if held, ok := ca.locker.Acquire(ctx, key, ca.leaseDuration); ok {
		return populate(ctx, ca, span, held, factory, ttl)
	}
	return wait(ctx, ca, span, key, factory)
}

func populate[T any](ctx context.Context, ca *CacheAside, span trace.Span, held *lock.Lease, factory Factory[T], ttl time.Duration) (Result[T], error) {
	key := held.Key
	defer ca.locker.ReleaseLease(ctx, held)

	if v, ok := lookup[T](ctx, ca, key); ok {
		return done(ca, span, metrics.OutcomeDoubleCheckHit, v, true)
	}

	var stopHeartbeat func() error
	if ca.renewInterval > 0 {
		stopHeartbeat = ca.heartbeat(ctx, held)
	}

	ca.logger.Info("loading data for key %s", key)
	v, err := invoke(ctx, ca, "locked", factory)
	if stopHeartbeat != nil {
		if lost := stopHeartbeat(); lost != nil {
			ca.logger.Warn("lease for %s was lost while loading, another caller may have loaded it too: %s", key, lost)
			span.AddEvent("lease lost", trace.WithAttributes(attribute.String("error", lost.Error())))
		}
	}
	if err != nil {
		return fail[T](ca, span, metrics.OutcomeFailed, err)
	}
	if err := ctx.Err(); err != nil {
		return fail[T](ca, span, metrics.OutcomeCancelled, err)
	}
	cached := true
	if err := ca.cache.Set(ctx, key, v, ttl); err != nil {
		ca.logger.Warn("failed to cache %s, returning uncached value: %s", key, err)
		cached = false
	}
	return done(ca, span, metrics.OutcomePopulated, v, cached)
}

// heartbeat renews held until the returned func is called. The func waits for
// the renewal goroutine to exit and returns the error that ended it early, if
// the lease was lost.
func (ca *CacheAside) heartbeat(ctx context.Context, held *lock.Lease) func() error {
	hctx, cancel := context.WithCancel(ctx)
	beat := ca.locker.Heartbeat(hctx, held, ca.renewInterval)
	return func() error {
		cancel()
		var lost error
		for err := range beat {
			lost = err
		}
		return lost
	}
}

func wait[T any](ctx context.Context, ca *CacheAside, span trace.Span, key string, factory Factory[T]) (Result[T], error) {
	timer := time.NewTimer(ca.retryDelay)
	defer timer.Stop()
	for attempt := 0; attempt < ca.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return fail[T](ca, span, metrics.OutcomeCancelled, ctx.Err())
		case <-timer.C:
		}
		if v, ok := lookup[T](ctx, ca, key); ok {
			span.SetAttributes(attribute.Int("cache.wait_attempts", attempt+1))
			return done(ca, span, metrics.OutcomeWaitedHit, v, true)
		}
		timer.Reset(ca.retryDelay)
	}

	ca.logger.Warn("cache stampede protection timeout for key %s, loading without lock", key)
	v, err := invoke(ctx, ca, "fallback", factory)
	if err != nil {
		return fail[T](ca, span, metrics.OutcomeFailed, err)
	}
	return done(ca, span, metrics.OutcomeFallback, v, false)
}

func lookup[T any](ctx context.Context, ca *CacheAside, key string) (T, bool) {
	found, v, err := cache.Get[T](ctx, ca.cache, key)
	if err != nil {
		ca.logger.Warn("cache read for %s failed, treating as miss: %s", key, err)
		return v, false
	}
	return v, found
}

func invoke[T any](ctx context.Context, ca *CacheAside, mode string, factory Factory[T]) (v T, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrFactoryPanic, "%v", r)
		}
		ca.metrics.FactoryDuration(mode, time.Since(start), err)
	}()
	return factory(ctx)
}

func done[T any](ca *CacheAside, span trace.Span, outcome string, v T, cached bool) (Result[T], error) {
	span.SetAttributes(attribute.String("cache.outcome", outcome))
	span.SetStatus(codes.Ok, outcome)
	ca.metrics.CacheOutcome(outcome)
	return Result[T]{Value: v, Outcome: outcome, Cached: cached}, nil
}

func fail[T any](ca *CacheAside, span trace.Span, outcome string, err error) (Result[T], error) {
	span.SetAttributes(attribute.String("cache.outcome", outcome))
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
	ca.metrics.CacheOutcome(outcome)
	return Result[T]{Outcome: outcome}, err
}
