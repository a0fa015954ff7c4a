package cache

import (
	"context"
	"time"
)

type compositeCache struct {
	caches []Cache
}

var _ Cache = (*compositeCache)(nil)

// NewComposite returns a Cache that chains multiple caches together, usually
// an in-memory layer in front of Redis. Get checks caches in order and
// returns the first hit. Set and the removals apply to every layer.
// At least one cache must be provided; panics if empty.
func NewComposite(caches ...Cache) Cache {
	if len(caches) == 0 {
		panic("cache: NewComposite requires at least one cache")
	}
	return &compositeCache{caches: caches}
}

func (c *compositeCache) Get(ctx context.Context, key string) (bool, any, error) {
	for _, cache := range c.caches {
		found, val, err := cache.Get(ctx, key)
		if err != nil {
			return false, nil, err
		}
		if found {
			return true, val, nil
		}
	}
	return false, nil, nil
}

func (c *compositeCache) Set(ctx context.Context, key string, val any, expires time.Duration) error {
	var firstErr error
	for _, cache := range c.caches {
		if err := cache.Set(ctx, key, val, expires); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *compositeCache) Remove(ctx context.Context, key string) (bool, error) {
	anyFound := false
	var firstErr error
	for _, cache := range c.caches {
		found, err := cache.Remove(ctx, key)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		anyFound = anyFound || found
	}
	return anyFound, firstErr
}

// RemoveByPattern returns the largest count removed from any single layer.
func (c *compositeCache) RemoveByPattern(ctx context.Context, pattern string) (int, error) {
	var most int
	var firstErr error
	for _, cache := range c.caches {
		n, err := cache.RemoveByPattern(ctx, pattern)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		most = max(most, n)
	}
	return most, firstErr
}

func (c *compositeCache) Close() error {
	var firstErr error
	for _, cache := range c.caches {
		if err := cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
