package cache

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const inMemoryShards = 16

type memShard struct {
	mu      sync.RWMutex
	entries map[string]value
}

type inMemoryCache struct {
	shards [inMemoryShards]memShard
	cfg    config
	cancel context.CancelFunc
	done   chan struct{}
	closed sync.Once
}

var _ Cache = (*inMemoryCache)(nil)

func (c *inMemoryCache) shard(key string) *memShard {
	return &c.shards[xxhash.Sum64String(key)%inMemoryShards]
}

func (c *inMemoryCache) Get(_ context.Context, key string) (bool, any, error) {
	s := c.shard(key)
	s.mu.RLock()
	v, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil, nil
	}
	if now := time.Now(); v.expires.Before(now) {
		s.mu.Lock()
		if cur, ok := s.entries[key]; ok && cur.expires.Before(now) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return false, nil, nil
	}
	return true, v.object, nil
}

func (c *inMemoryCache) Set(_ context.Context, key string, val any, expires time.Duration) error {
	if expires <= 0 {
		expires = c.cfg.defaultExpires
	}
	s := c.shard(key)
	s.mu.Lock()
	s.entries[key] = value{object: val, expires: time.Now().Add(expires)}
	s.mu.Unlock()
	return nil
}

func (c *inMemoryCache) Remove(_ context.Context, key string) (bool, error) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok, nil
}

func (c *inMemoryCache) RemoveByPattern(_ context.Context, pattern string) (int, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return 0, err
	}
	var removed int
	c.each(func(s *memShard) {
		for key := range s.entries {
			if ok, _ := path.Match(pattern, key); ok {
				delete(s.entries, key)
				removed++
			}
		}
	})
	return removed, nil
}

func (c *inMemoryCache) Close() error {
	c.closed.Do(func() {
		c.cancel()
		<-c.done
	})
	return nil
}

// each calls fn for every shard with its write lock held.
func (c *inMemoryCache) each(fn func(s *memShard)) {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		fn(s)
		s.mu.Unlock()
	}
}

func (c *inMemoryCache) len() int {
	var n int
	c.each(func(s *memShard) { n += len(s.entries) })
	return n
}

func (c *inMemoryCache) sweep(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.each(func(s *memShard) {
				for key, v := range s.entries {
					if v.expires.Before(now) {
						delete(s.entries, key)
					}
				}
			})
		}
	}
}

// NewInMemory returns an in-process Cache sharded by key hash. Values are
// stored as is, without copying. Expired entries are dropped on read and by
// a sweep every WithExpiryCheck interval until Close or until parent is done.
func NewInMemory(parent context.Context, opts ...Option) Cache {
	ctx, cancel := context.WithCancel(parent)
	c := &inMemoryCache{
		cfg:    applyOptions(opts),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]value)
	}
	go c.sweep(ctx)
	return c
}
