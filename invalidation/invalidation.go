// Package invalidation removes groups of cache entries by tag or by pattern.
//
// The tag index lives in the shared store as one set per tag, so every
// instance sees the same index and it survives restarts.
package invalidation

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/agentuity/go-cachecoord/cache"
	"github.com/agentuity/go-cachecoord/logger"
	"github.com/agentuity/go-cachecoord/store"
)

// TagKeyPrefix is prepended to a tag name to form its set key.
const TagKeyPrefix = "tag:"

// DefaultTagTTL bounds how long an untouched tag set is kept. It should
// exceed the TTL of the entries it indexes.
const DefaultTagTTL = 24 * time.Hour

// Index maps tags to cache keys.
type Index struct {
	store  store.Store
	cache  cache.Cache
	logger logger.Logger
	tagTTL time.Duration
	bcast  *Broadcaster
}

// Option configures an Index.
type Option func(*Index)

// WithTagTTL overrides DefaultTagTTL. Zero keeps tag sets forever.
func WithTagTTL(d time.Duration) Option {
	return func(i *Index) { i.tagTTL = d }
}

// WithBroadcaster publishes every invalidation through b so other instances
// drop the same entries from their local layers.
func WithBroadcaster(b *Broadcaster) Option {
	return func(i *Index) { i.bcast = b }
}

// New returns an Index storing tag sets in s and removing entries from c.
func New(s store.Store, c cache.Cache, log logger.Logger, opts ...Option) *Index {
	i := &Index{
		store:  s,
		cache:  c,
		logger: log.WithPrefix("[invalidation]"),
		tagTTL: DefaultTagTTL,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Track records key under every tag. Each write refreshes the tag's TTL.
func (i *Index) Track(ctx context.Context, key string, tags ...string) error {
	for _, tag := range tags {
		if err := i.store.AddToSet(ctx, TagKeyPrefix+tag, i.tagTTL, key); err != nil {
			return errors.Wrapf(err, "failed to tag %s with %s", key, tag)
		}
	}
	return nil
}

// Keys returns the cache keys currently tracked under tag.
func (i *Index) Keys(ctx context.Context, tag string) ([]string, error) {
	return i.store.SetMembers(ctx, TagKeyPrefix+tag)
}

// InvalidateTag removes every entry tracked under tag and then the tag
// itself. It returns the number of keys it removed from the cache. On a
// removal error the tag set is kept so the call can be retried.
func (i *Index) InvalidateTag(ctx context.Context, tag string) (int, error) {
	keys, err := i.Keys(ctx, tag)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read tag %s", tag)
	}
	if len(keys) == 0 {
		i.logger.Warn("no cache entries found for tag %s", tag)
		return 0, nil
	}
	i.logger.Info("invalidating %d cache entries for tag %s", len(keys), tag)

	var removed int
	for _, key := range keys {
		ok, err := i.cache.Remove(ctx, key)
		if err != nil {
			return removed, errors.Wrapf(err, "failed to invalidate %s for tag %s", key, tag)
		}
		if ok {
			removed++
		}
	}
	if i.bcast != nil {
		if err := i.bcast.PublishKeys(ctx, keys...); err != nil {
			i.logger.Warn("failed to broadcast invalidation of tag %s: %s", tag, err)
		}
	}
	if _, err := i.store.Delete(ctx, TagKeyPrefix+tag); err != nil {
		return removed, errors.Wrapf(err, "failed to drop tag %s", tag)
	}
	return removed, nil
}

// InvalidatePattern removes every cache entry whose key matches pattern.
func (i *Index) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	n, err := i.cache.RemoveByPattern(ctx, pattern)
	if err != nil {
		return n, errors.Wrapf(err, "failed to invalidate pattern %s", pattern)
	}
	i.logger.Info("invalidated %d cache entries matching %s", n, pattern)
	if i.bcast != nil {
		if err := i.bcast.PublishPattern(ctx, pattern); err != nil {
			i.logger.Warn("failed to broadcast invalidation of %s: %s", pattern, err)
		}
	}
	return n, nil
}
