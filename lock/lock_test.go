package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentuity/go-cachecoord/logger"
	"github.com/agentuity/go-cachecoord/metrics"
	"github.com/agentuity/go-cachecoord/store"
)

func newMemoryLocker(t *testing.T) (*Locker, *logger.TestLogger, store.Store) {
	t.Helper()
	s := store.NewMemory()
	t.Cleanup(func() { s.Close() })
	log := logger.NewTestLogger()
	return New(s, log), log, s
}

func newRedisLocker(t *testing.T) (*Locker, *miniredis.Miniredis, *logger.TestLogger) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	log := logger.NewTestLogger()
	return New(store.NewRedis(client, store.WithOperationTimeout(100*time.Millisecond)), log), mr, log
}

func TestAcquireIsExclusive(t *testing.T) {
	l, _, _ := newMemoryLocker(t)
	ctx := context.Background()

	first, ok := l.Acquire(ctx, "k", 200*time.Millisecond)
	require.True(t, ok)
	require.NotNil(t, first)
	assert.NotEmpty(t, first.Token)

	second, ok := l.Acquire(ctx, "k", 200*time.Millisecond)
	assert.False(t, ok)
	assert.Nil(t, second)

	time.Sleep(250 * time.Millisecond)

	third, ok := l.Acquire(ctx, "k", 200*time.Millisecond)
	assert.True(t, ok, "lease expired so the key is acquirable again")
	assert.NotEqual(t, first.Token, third.Token)
}

func TestReleaseMakesKeyAcquirable(t *testing.T) {
	l, _, _ := newMemoryLocker(t)
	ctx := context.Background()

	held, ok := l.Acquire(ctx, "k", time.Minute)
	require.True(t, ok)
	assert.True(t, l.Release(ctx, "k", held.Token))

	_, ok = l.Acquire(ctx, "k", time.Minute)
	assert.True(t, ok)
}

func TestExpiredHolderCannotReleaseNextHolder(t *testing.T) {
	l, mr, log := newRedisLocker(t)
	ctx := context.Background()

	a, ok := l.Acquire(ctx, "k", time.Second)
	require.True(t, ok)
	mr.FastForward(2 * time.Second)

	b, ok := l.Acquire(ctx, "k", time.Minute)
	require.True(t, ok)

	assert.False(t, l.Release(ctx, "k", a.Token))
	assert.True(t, log.Contains("WARNING", "token no longer owns the lock"))

	got, err := mr.Get(KeyPrefix + "k")
	require.NoError(t, err)
	assert.Equal(t, b.Token, got, "b still holds the lock")

	_, ok = l.Acquire(ctx, "k", time.Minute)
	assert.False(t, ok)
}

func TestReleaseForeignToken(t *testing.T) {
	l, _, _ := newMemoryLocker(t)
	ctx := context.Background()

	_, ok := l.Acquire(ctx, "k", time.Minute)
	require.True(t, ok)
	assert.False(t, l.Release(ctx, "k", "not-mine"))
	assert.False(t, l.Release(ctx, "absent", "whatever"))

	_, ok = l.Acquire(ctx, "k", time.Minute)
	assert.False(t, ok)
}

func TestAcquireFailsClosedWhenStoreUnavailable(t *testing.T) {
	l, mr, log := newRedisLocker(t)
	mr.Close()

	lease, ok := l.Acquire(context.Background(), "k", time.Second)
	assert.False(t, ok)
	assert.Nil(t, lease)
	assert.True(t, log.Contains("WARNING", "treating as not acquired"))

	assert.False(t, l.Release(context.Background(), "k", "token"))
	assert.True(t, log.Contains("WARNING", "will expire on its own"))
}

func TestAcquireRejectsNonPositiveLease(t *testing.T) {
	l, mr, log := newRedisLocker(t)
	ctx := context.Background()

	for _, lease := range []time.Duration{0, -time.Second} {
		held, ok := l.Acquire(ctx, "forever", lease)
		assert.False(t, ok)
		assert.Nil(t, held)
	}
	assert.False(t, mr.Exists(KeyPrefix+"forever"), "no lock without expiry is written")
	assert.True(t, log.Contains("WARNING", "non-positive lease"))
}

func TestHeartbeatWithoutUsableInterval(t *testing.T) {
	l, log, _ := newMemoryLocker(t)
	lease := &Lease{Key: "k", Token: "t", Duration: 2 * time.Nanosecond}

	errCh := l.Heartbeat(context.Background(), lease, 0)
	_, open := <-errCh
	assert.False(t, open)
	assert.True(t, log.Contains("WARNING", "not renewing k"))
}

func TestConcurrentAcquireHasOneWinner(t *testing.T) {
	l, _, _ := newMemoryLocker(t)
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := l.Acquire(context.Background(), "hot", time.Minute); ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func TestDoReleasesOnEveryExit(t *testing.T) {
	l, _, s := newMemoryLocker(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := l.Do(ctx, "k", time.Minute, func(ctx context.Context) error {
		_, found, err := s.Get(ctx, KeyPrefix+"k")
		require.NoError(t, err)
		assert.True(t, found)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, found, _ := s.Get(ctx, KeyPrefix+"k")
	assert.False(t, found, "released after error")

	assert.Panics(t, func() {
		_ = l.Do(ctx, "k", time.Minute, func(context.Context) error { panic("bad") })
	})
	_, found, _ = s.Get(ctx, KeyPrefix+"k")
	assert.False(t, found, "released after panic")

	cctx, cancel := context.WithCancel(ctx)
	err = l.Do(cctx, "k", time.Minute, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	_, found, _ = s.Get(ctx, KeyPrefix+"k")
	assert.False(t, found, "released after cancellation")
}

func TestDoNotAcquired(t *testing.T) {
	l, _, _ := newMemoryLocker(t)
	ctx := context.Background()
	_, ok := l.Acquire(ctx, "k", time.Minute)
	require.True(t, ok)

	called := false
	err := l.Do(ctx, "k", time.Minute, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.False(t, called)
}

func TestRenew(t *testing.T) {
	l, mr, _ := newRedisLocker(t)
	ctx := context.Background()

	lease, ok := l.Acquire(ctx, "k", 10*time.Second)
	require.True(t, ok)
	mr.FastForward(8 * time.Second)
	require.NoError(t, l.Renew(ctx, lease))
	mr.FastForward(8 * time.Second)
	assert.True(t, mr.Exists(KeyPrefix+"k"))

	mr.FastForward(3 * time.Second)
	assert.ErrorIs(t, l.Renew(ctx, lease), ErrLeaseLost)
}

func TestHeartbeatKeepsLeaseAlive(t *testing.T) {
	l, _, _ := newMemoryLocker(t)
	ctx, cancel := context.WithCancel(context.Background())

	lease, ok := l.Acquire(ctx, "k", 100*time.Millisecond)
	require.True(t, ok)
	errCh := l.Heartbeat(ctx, lease, 25*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	_, ok = l.Acquire(context.Background(), "k", time.Second)
	assert.False(t, ok, "heartbeat kept the lease alive past its duration")

	cancel()
	select {
	case err, open := <-errCh:
		assert.False(t, open, "unexpected error %v", err)
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not stop")
	}
}

func TestHeartbeatReportsLostLease(t *testing.T) {
	l, log, s := newMemoryLocker(t)
	ctx := context.Background()

	lease, ok := l.Acquire(ctx, "k", time.Minute)
	require.True(t, ok)
	_, err := s.Delete(ctx, KeyPrefix+"k")
	require.NoError(t, err)

	errCh := l.Heartbeat(ctx, lease, 10*time.Millisecond)
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrLeaseLost)
	case <-time.After(time.Second):
		t.Fatal("lost lease not reported")
	}
	assert.True(t, log.Contains("WARNING", "heartbeat stopped"))
}

func TestLockMetrics(t *testing.T) {
	s := store.NewMemory()
	defer s.Close()
	reg := prometheus.NewRegistry()
	l := New(s, logger.NewTestLogger(), WithMetrics(metrics.NewCollector(reg)))
	ctx := context.Background()

	lease, _ := l.Acquire(ctx, "k", time.Minute)
	l.Acquire(ctx, "k", time.Minute)
	l.Release(ctx, "k", "wrong")
	l.Release(ctx, "k", lease.Token)

	n, err := testutil.GatherAndCount(reg, "cachecoord_lock_acquire_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "acquired and held series")
	n, err = testutil.GatherAndCount(reg, "cachecoord_lock_release_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "mismatch and released series")
}
