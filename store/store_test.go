package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type backend struct {
	name    string
	store   Store
	advance func(time.Duration)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func backends(t *testing.T) []backend {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	mem := NewMemory(withClock(clock.Now), WithSweepInterval(0))
	t.Cleanup(func() { mem.Close() })

	mr, client := newTestRedis(t)
	return []backend{
		{name: "memory", store: mem, advance: clock.Advance},
		{name: "redis", store: NewRedis(client, WithPrefix("test")), advance: mr.FastForward},
	}
}

func TestSetIfAbsent(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ok, err := b.store.SetIfAbsent(ctx, "lock:a", "one", time.Second)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = b.store.SetIfAbsent(ctx, "lock:a", "two", time.Second)
			require.NoError(t, err)
			assert.False(t, ok)

			val, found, err := b.store.Get(ctx, "lock:a")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "one", val)

			b.advance(1100 * time.Millisecond)

			ok, err = b.store.SetIfAbsent(ctx, "lock:a", "two", time.Second)
			require.NoError(t, err)
			assert.True(t, ok, "expired key must be settable again")
		})
	}
}

func TestCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			_, err := b.store.SetIfAbsent(ctx, "k", "owner", time.Minute)
			require.NoError(t, err)

			ok, err := b.store.CompareAndDelete(ctx, "k", "intruder")
			require.NoError(t, err)
			assert.False(t, ok)

			_, found, err := b.store.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, found, "mismatched token must not delete")

			ok, err = b.store.CompareAndDelete(ctx, "k", "owner")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = b.store.CompareAndDelete(ctx, "k", "owner")
			require.NoError(t, err)
			assert.False(t, ok, "absent key is not deleted twice")
		})
	}
}

func TestCompareAndExpire(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			_, err := b.store.SetIfAbsent(ctx, "k", "owner", time.Second)
			require.NoError(t, err)

			ok, err := b.store.CompareAndExpire(ctx, "k", "other", 10*time.Second)
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = b.store.CompareAndExpire(ctx, "k", "owner", 10*time.Second)
			require.NoError(t, err)
			assert.True(t, ok)

			b.advance(5 * time.Second)
			_, found, err := b.store.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, found, "renewed key outlives its original ttl")
		})
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ok, err := b.store.Delete(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = b.store.SetIfAbsent(ctx, "k", "v", 0)
			require.NoError(t, err)
			ok, err = b.store.Delete(ctx, "k")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestSlideWindow(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			op := func(score float64, member string) int64 {
				card, err := b.store.SlideWindow(ctx, WindowOp{
					Key:    "ratelimit:x",
					Min:    score - 1000,
					Score:  score,
					Member: member,
					TTL:    time.Second,
				})
				require.NoError(t, err)
				return card
			}

			assert.Equal(t, int64(1), op(10_000, "a"))
			assert.Equal(t, int64(2), op(10_000, "b"), "same score, distinct member")
			assert.Equal(t, int64(3), op(10_500, "c"))
			// 10_000 is below 11_001-1000 so both early members go
			assert.Equal(t, int64(2), op(11_001, "d"))
			// a score exactly on the boundary is pruned too
			assert.Equal(t, int64(2), op(11_500, "e"))
		})
	}
}

func TestSlideWindowExpiry(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			_, err := b.store.SlideWindow(ctx, WindowOp{Key: "w", Min: 0, Score: 1, Member: "m", TTL: time.Second})
			require.NoError(t, err)
			b.advance(2 * time.Second)
			card, err := b.store.SlideWindow(ctx, WindowOp{Key: "w", Min: 0, Score: 2, Member: "n", TTL: time.Second})
			require.NoError(t, err)
			assert.Equal(t, int64(1), card, "idle window expired as a whole")
		})
	}
}

func TestSets(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			require.NoError(t, b.store.AddToSet(ctx, "tag:users", time.Minute, "user:1", "user:2"))
			require.NoError(t, b.store.AddToSet(ctx, "tag:users", time.Minute, "user:2", "user:3"))
			require.NoError(t, b.store.AddToSet(ctx, "tag:users", time.Minute))

			members, err := b.store.SetMembers(ctx, "tag:users")
			require.NoError(t, err)
			sort.Strings(members)
			assert.Equal(t, []string{"user:1", "user:2", "user:3"}, members)

			members, err = b.store.SetMembers(ctx, "tag:none")
			require.NoError(t, err)
			assert.Empty(t, members)

			b.advance(2 * time.Minute)
			members, err = b.store.SetMembers(ctx, "tag:users")
			require.NoError(t, err)
			assert.Empty(t, members)
		})
	}
}

func TestConcurrentSetIfAbsentHasOneWinner(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			var winners atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 32; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					ok, err := b.store.SetIfAbsent(ctx, "contended", strconv.Itoa(i), time.Minute)
					assert.NoError(t, err)
					if ok {
						winners.Add(1)
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, int32(1), winners.Load())
		})
	}
}

func TestRedisPrefix(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedis(client, WithPrefix("app"))
	_, err := s.SetIfAbsent(context.Background(), "lock:x", "v", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("app:lock:x"))
}

func TestRedisUnavailable(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedis(client, WithOperationTimeout(200*time.Millisecond))
	mr.Close()

	_, err := s.SetIfAbsent(context.Background(), "k", "v", time.Second)
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))

	_, err = s.SlideWindow(context.Background(), WindowOp{Key: "k", Score: 1, Member: "m", TTL: time.Second})
	assert.True(t, IsUnavailable(err))
}

func TestMemoryWrongType(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()
	require.NoError(t, m.AddToSet(ctx, "k", 0, "a"))
	_, _, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrWrongType)
	assert.False(t, IsUnavailable(err))
}

func TestMemoryCancelledContext(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.SetIfAbsent(ctx, "k", "v", time.Second)
	assert.True(t, IsUnavailable(err))
}

func TestMemorySweep(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	m := NewMemory(withClock(clock.Now), WithSweepInterval(5*time.Millisecond))
	defer m.Close()
	_, err := m.SetIfAbsent(context.Background(), "k", "v", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())
	clock.Advance(2 * time.Second)
	assert.Eventually(t, func() bool {
		m.shardFor("k").mu.Lock()
		defer m.shardFor("k").mu.Unlock()
		return len(m.shardFor("k").items) == 0
	}, time.Second, 5*time.Millisecond)
}
