package store

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

type itemKind int

const (
	kindString itemKind = iota
	kindSortedSet
	kindSet
)

type item struct {
	kind    itemKind
	str     string
	zset    map[string]float64
	set     map[string]struct{}
	expires time.Time // zero means no expiry
}

func (i *item) expired(now time.Time) bool {
	return !i.expires.IsZero() && !now.Before(i.expires)
}

type shard struct {
	mu    sync.Mutex
	items map[string]*item
}

// Memory is an in-process Store. It gives the same atomicity guarantees as
// the Redis store, but only to callers sharing the same process, which makes
// it suitable for single-instance deployments and tests.
type Memory struct {
	shards []*shard
	cfg    config
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

var _ Store = (*Memory)(nil)

// NewMemory returns an in-memory Store. Expired keys are evicted lazily and by
// a background sweep that runs until Close.
func NewMemory(opts ...Option) *Memory {
	cfg := applyOptions(opts)
	m := &Memory{shards: make([]*shard, cfg.shards), cfg: cfg}
	for i := range m.shards {
		m.shards[i] = &shard{items: make(map[string]*item)}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	if cfg.sweepInterval > 0 {
		m.wg.Add(1)
		go m.sweep(ctx)
	}
	return m
}

func (m *Memory) shardFor(key string) *shard {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

// lookup returns the live item for key, evicting it if it has expired. The
// shard lock must be held.
func (m *Memory) lookup(s *shard, key string, now time.Time) *item {
	it, ok := s.items[key]
	if !ok {
		return nil
	}
	if it.expired(now) {
		delete(s.items, key)
		return nil
	}
	return it
}

func (m *Memory) with(key string, fn func(s *shard, k string, now time.Time)) {
	k := m.cfg.key(key)
	s := m.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s, k, m.cfg.now())
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (m *Memory) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, unavailable(err, "SetIfAbsent", key)
	}
	var stored bool
	m.with(key, func(s *shard, k string, now time.Time) {
		if m.lookup(s, k, now) != nil {
			return
		}
		s.items[k] = &item{kind: kindString, str: value, expires: expiry(now, ttl)}
		stored = true
	})
	return stored, nil
}

func (m *Memory) compareString(key, expected string, fn func(s *shard, k string, it *item, now time.Time)) (bool, error) {
	var matched bool
	m.with(key, func(s *shard, k string, now time.Time) {
		it := m.lookup(s, k, now)
		if it == nil || it.kind != kindString || it.str != expected {
			return
		}
		fn(s, k, it, now)
		matched = true
	})
	return matched, nil
}

func (m *Memory) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, unavailable(err, "CompareAndDelete", key)
	}
	return m.compareString(key, expected, func(s *shard, k string, _ *item, _ time.Time) {
		delete(s.items, k)
	})
}

func (m *Memory) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, unavailable(err, "CompareAndExpire", key)
	}
	return m.compareString(key, expected, func(_ *shard, _ string, it *item, now time.Time) {
		it.expires = expiry(now, ttl)
	})
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, unavailable(err, "Get", key)
	}
	var (
		val   string
		found bool
		err   error
	)
	m.with(key, func(s *shard, k string, now time.Time) {
		it := m.lookup(s, k, now)
		if it == nil {
			return
		}
		if it.kind != kindString {
			err = ErrWrongType
			return
		}
		val, found = it.str, true
	})
	return val, found, err
}

func (m *Memory) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, unavailable(err, "Delete", key)
	}
	var existed bool
	m.with(key, func(s *shard, k string, now time.Time) {
		existed = m.lookup(s, k, now) != nil
		delete(s.items, k)
	})
	return existed, nil
}

func (m *Memory) SlideWindow(ctx context.Context, op WindowOp) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable(err, "SlideWindow", op.Key)
	}
	var (
		card int64
		err  error
	)
	m.with(op.Key, func(s *shard, k string, now time.Time) {
		it := m.lookup(s, k, now)
		if it == nil {
			it = &item{kind: kindSortedSet, zset: make(map[string]float64)}
			s.items[k] = it
		}
		if it.kind != kindSortedSet {
			err = ErrWrongType
			return
		}
		for member, score := range it.zset {
			if score <= op.Min {
				delete(it.zset, member)
			}
		}
		it.zset[op.Member] = op.Score
		card = int64(len(it.zset))
		it.expires = expiry(now, op.TTL)
	})
	return card, err
}

func (m *Memory) AddToSet(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if err := ctx.Err(); err != nil {
		return unavailable(err, "AddToSet", key)
	}
	if len(members) == 0 {
		return nil
	}
	var err error
	m.with(key, func(s *shard, k string, now time.Time) {
		it := m.lookup(s, k, now)
		if it == nil {
			it = &item{kind: kindSet, set: make(map[string]struct{})}
			s.items[k] = it
		}
		if it.kind != kindSet {
			err = ErrWrongType
			return
		}
		for _, member := range members {
			it.set[member] = struct{}{}
		}
		if ttl > 0 {
			it.expires = now.Add(ttl)
		}
	})
	return err
}

func (m *Memory) SetMembers(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err, "SetMembers", key)
	}
	var (
		members []string
		err     error
	)
	m.with(key, func(s *shard, k string, now time.Time) {
		it := m.lookup(s, k, now)
		if it == nil {
			return
		}
		if it.kind != kindSet {
			err = ErrWrongType
			return
		}
		members = make([]string, 0, len(it.set))
		for member := range it.set {
			members = append(members, member)
		}
	})
	return members, err
}

func (m *Memory) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return unavailable(err, "Ping", "")
	}
	return nil
}

// Close stops the background sweep.
func (m *Memory) Close() error {
	m.once.Do(func() {
		m.cancel()
		m.wg.Wait()
	})
	return nil
}

// Len returns the number of live keys.
func (m *Memory) Len() int {
	now := m.cfg.now()
	var n int
	for _, s := range m.shards {
		s.mu.Lock()
		for _, it := range s.items {
			if !it.expired(now) {
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

func (m *Memory) sweep(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := m.cfg.now()
			for _, s := range m.shards {
				s.mu.Lock()
				for k, it := range s.items {
					if it.expired(now) {
						delete(s.items, k)
					}
				}
				s.mu.Unlock()
			}
		}
	}
}
