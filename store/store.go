// Package store defines the shared key-value store that every coordination
// primitive in this module synchronizes through, together with a Redis
// implementation, an in-process implementation and a circuit-breaking
// decorator.
//
// All operations are single round trips that the backend executes
// atomically. Implementations mark every infrastructure failure with
// [ErrUnavailable] so callers can apply their own degradation policy:
//
//	ok, err := s.SetIfAbsent(ctx, "lock:report", token, 10*time.Second)
//	if errors.Is(err, store.ErrUnavailable) {
//	    // fail closed / fail open
//	}
package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrUnavailable marks errors caused by the store being unreachable, slow or
// otherwise unable to execute a command.
var ErrUnavailable = errors.New("store unavailable")

// ErrWrongType is returned when a key holds a value of a different kind than
// the operation expects.
var ErrWrongType = errors.New("store: operation against a key holding the wrong kind of value")

// WindowOp is one sliding-window step over an ordered set, executed as a
// single transaction: members scored at or below Min are removed, Member is
// added with Score, the cardinality is read, and the set's expiry is reset to
// TTL.
type WindowOp struct {
	Key    string
	Min    float64
	Score  float64
	Member string
	TTL    time.Duration
}

// Store is the shared store contract.
type Store interface {
	// SetIfAbsent stores value under key with ttl only if key does not exist.
	// It returns true if the value was stored.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key only if it currently holds expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	// CompareAndExpire resets the ttl of key only if it currently holds expected.
	CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error)
	// Get returns the value stored under key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Delete removes key, reporting whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// SlideWindow executes op atomically and returns the set cardinality
	// after the prune and add steps.
	SlideWindow(ctx context.Context, op WindowOp) (int64, error)
	// AddToSet adds members to the unordered set at key. A positive ttl
	// resets the set's expiry.
	AddToSet(ctx context.Context, key string, ttl time.Duration, members ...string) error
	// SetMembers returns the members of the unordered set at key.
	SetMembers(ctx context.Context, key string) ([]string, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
	// Close releases resources owned by the store.
	Close() error
}

// IsUnavailable is shorthand for errors.Is(err, ErrUnavailable).
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func unavailable(err error, op string, key string) error {
	return errors.Mark(errors.Wrapf(err, "store: %s %q", op, key), ErrUnavailable)
}

// DefaultOperationTimeout bounds every store round trip.
const DefaultOperationTimeout = 5 * time.Second

type config struct {
	prefix           string
	operationTimeout time.Duration
	shards           int
	sweepInterval    time.Duration
	now              func() time.Time
}

// Option configures a Store implementation.
type Option func(*config)

func applyOptions(opts []Option) config {
	cfg := config{
		operationTimeout: DefaultOperationTimeout,
		shards:           16,
		sweepInterval:    time.Minute,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithPrefix namespaces every key, joined with ":". Defaults to no prefix.
func WithPrefix(prefix string) Option {
	return func(c *config) { c.prefix = prefix }
}

// WithOperationTimeout sets the per-operation timeout of the Redis store.
func WithOperationTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.operationTimeout = d
		}
	}
}

// WithShards sets the number of lock shards of the in-memory store.
func WithShards(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.shards = n
		}
	}
}

// WithSweepInterval sets how often the in-memory store drops expired keys.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) { c.sweepInterval = d }
}

// withClock overrides the in-memory store's clock in tests.
func withClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

func (c config) key(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + ":" + key
}
