package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const scanBatch = 100

type redisCache struct {
	client redis.UniversalClient
	cfg    config
}

var _ Cache = (*redisCache)(nil)

// NewRedis returns a new Cache backed by Redis. Values are msgpack encoded.
// The caller owns the client; Close does not close it.
func NewRedis(client redis.UniversalClient, opts ...Option) Cache {
	return &redisCache{client: client, cfg: applyOptions(opts)}
}

func (c *redisCache) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.queryTimeout)
}

func (c *redisCache) prefixKey(key string) string {
	if c.cfg.prefix == "" {
		return key
	}
	return c.cfg.prefix + ":" + key
}

func (c *redisCache) Get(ctx context.Context, key string) (bool, any, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	data, err := c.client.Get(qctx, c.prefixKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, unavailable(err, "get", key)
	}
	return true, encoded(data), nil
}

func (c *redisCache) Set(ctx context.Context, key string, val any, expires time.Duration) error {
	if expires <= 0 {
		expires = c.cfg.defaultExpires
	}
	data, err := msgpack.Marshal(val)
	if err != nil {
		return errors.Wrapf(err, "cache: failed to marshal value for %s", key)
	}
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	if err := c.client.Set(qctx, c.prefixKey(key), data, expires).Err(); err != nil {
		return unavailable(err, "set", key)
	}
	return nil
}

func (c *redisCache) Remove(ctx context.Context, key string) (bool, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	n, err := c.client.Del(qctx, c.prefixKey(key)).Result()
	if err != nil {
		return false, unavailable(err, "remove", key)
	}
	return n > 0, nil
}

// RemoveByPattern walks the keyspace with SCAN and deletes matches in
// batches. It is not atomic with respect to concurrent writers.
func (c *redisCache) RemoveByPattern(ctx context.Context, pattern string) (int, error) {
	var removed int
	batch := make([]string, 0, scanBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		qctx, cancel := c.queryCtx(ctx)
		defer cancel()
		n, err := c.client.Del(qctx, batch...).Result()
		if err != nil {
			return unavailable(err, "remove pattern", pattern)
		}
		removed += int(n)
		batch = batch[:0]
		return nil
	}

	iter := c.client.Scan(ctx, 0, c.prefixKey(pattern), scanBatch).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := flush(); err != nil {
				return removed, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, unavailable(err, "scan", pattern)
	}
	if err := flush(); err != nil {
		return removed, err
	}
	return removed, nil
}

// Close is a no-op; the caller owns the client.
func (c *redisCache) Close() error {
	return nil
}
