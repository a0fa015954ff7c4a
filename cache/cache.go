package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/agentuity/go-cachecoord/store"
)

// Cache is a plain key/value cache with per-entry expiry.
type Cache interface {
	// Get retrieves a value. Serializing backends return an encoded value
	// that only the generic Get helper can decode.
	Get(ctx context.Context, key string) (bool, any, error)
	// Set stores a value with a TTL. If expires <= 0 the configured default
	// TTL is used.
	Set(ctx context.Context, key string, val any, expires time.Duration) error
	// Remove deletes a key and reports whether it existed.
	Remove(ctx context.Context, key string) (bool, error)
	// RemoveByPattern deletes every key matching a glob pattern ('*', '?',
	// '[...]') and returns how many were removed.
	RemoveByPattern(ctx context.Context, pattern string) (int, error)
	// Close shuts down the cache.
	Close() error
}

type value struct {
	object  any
	expires time.Time
}

// encoded is a msgpack payload read from a serializing backend.
type encoded []byte

// Get retrieves a typed value from the cache. In-memory values are type
// asserted; values from serializing backends are decoded with msgpack.
func Get[T any](ctx context.Context, c Cache, key string) (bool, T, error) {
	var zero T
	found, val, err := c.Get(ctx, key)
	if !found || err != nil {
		return false, zero, err
	}
	if data, ok := val.(encoded); ok {
		var result T
		if err := msgpack.Unmarshal(data, &result); err != nil {
			return false, zero, errors.Wrapf(err, "cache: failed to unmarshal value for %s", key)
		}
		return true, result, nil
	}
	if typed, ok := val.(T); ok {
		return true, typed, nil
	}
	return false, zero, errors.Newf("cache: cannot convert value of type %T to %T", val, zero)
}

// DefaultExpires is the TTL used when Set is called without one.
const DefaultExpires = 10 * time.Minute

// DefaultQueryTimeout is the per-operation timeout for the Redis backend.
const DefaultQueryTimeout = 5 * time.Second

type config struct {
	defaultExpires time.Duration
	queryTimeout   time.Duration
	expiryCheck    time.Duration
	prefix         string
}

// Option configures a Cache implementation.
type Option func(*config)

func defaultConfig() config {
	return config{
		defaultExpires: DefaultExpires,
		queryTimeout:   DefaultQueryTimeout,
		expiryCheck:    time.Minute,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithExpires sets the default TTL for cached values.
func WithExpires(d time.Duration) Option {
	return func(c *config) { c.defaultExpires = d }
}

// WithQueryTimeout sets the per-operation timeout for the Redis backend.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithExpiryCheck sets the interval of the in-memory expired entry sweep.
func WithExpiryCheck(d time.Duration) Option {
	return func(c *config) { c.expiryCheck = d }
}

// WithPrefix namespaces keys of the Redis backend.
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

func unavailable(err error, op, key string) error {
	return errors.Mark(errors.Wrapf(err, "cache: %s %s", op, key), store.ErrUnavailable)
}
