package invalidation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentuity/go-cachecoord/cache"
	"github.com/agentuity/go-cachecoord/logger"
	"github.com/agentuity/go-cachecoord/store"
)

type instance struct {
	local  cache.Cache
	shared cache.Cache
	store  store.Store
	bcast  *Broadcaster
}

func newInstance(t *testing.T, mr *miniredis.Miniredis) *instance {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	local := cache.NewInMemory(context.Background())
	t.Cleanup(func() {
		local.Close()
		client.Close()
	})
	b := NewBroadcaster(client, local, logger.NewTestLogger())
	sub, err := b.Subscribe(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })
	return &instance{
		local:  local,
		shared: cache.NewComposite(local, cache.NewRedis(client)),
		store:  store.NewRedis(client),
		bcast:  b,
	}
}

func cached(t *testing.T, c cache.Cache, key string) bool {
	t.Helper()
	found, _, err := c.Get(context.Background(), key)
	require.NoError(t, err)
	return found
}

func TestBroadcastKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	a, b := newInstance(t, mr), newInstance(t, mr)
	ctx := context.Background()

	for _, inst := range []*instance{a, b} {
		require.NoError(t, inst.local.Set(ctx, "k1", "v", time.Minute))
		require.NoError(t, inst.local.Set(ctx, "k2", "v", time.Minute))
		require.NoError(t, inst.local.Set(ctx, "marker", "v", time.Minute))
	}

	require.NoError(t, a.bcast.PublishKeys(ctx, "k1"))
	assert.Eventually(t, func() bool { return !cached(t, b.local, "k1") }, time.Second, 5*time.Millisecond)
	assert.True(t, cached(t, b.local, "k2"))

	// events are delivered in order, so once the marker from b is applied on a,
	// a has already seen and ignored its own k1 event
	require.NoError(t, b.bcast.PublishKeys(ctx, "marker"))
	assert.Eventually(t, func() bool { return !cached(t, a.local, "marker") }, time.Second, 5*time.Millisecond)
	assert.True(t, cached(t, a.local, "k1"), "own events are not applied")
}

func TestBroadcastPattern(t *testing.T) {
	mr := miniredis.RunT(t)
	a, b := newInstance(t, mr), newInstance(t, mr)
	ctx := context.Background()

	for _, k := range []string{"user:1", "user:2", "order:1"} {
		require.NoError(t, a.shared.Set(ctx, k, k, time.Minute))
		require.NoError(t, b.local.Set(ctx, k, k, time.Minute))
	}

	idx := New(a.store, a.shared, logger.NewTestLogger(), WithBroadcaster(a.bcast))
	n, err := idx.InvalidatePattern(ctx, "user:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Eventually(t, func() bool {
		return !cached(t, b.local, "user:1") && !cached(t, b.local, "user:2")
	}, time.Second, 5*time.Millisecond)
	assert.True(t, cached(t, b.local, "order:1"))
}

func TestInvalidateTagBroadcasts(t *testing.T) {
	mr := miniredis.RunT(t)
	a, b := newInstance(t, mr), newInstance(t, mr)
	ctx := context.Background()

	require.NoError(t, a.shared.Set(ctx, "product:1", "widget", time.Minute))
	require.NoError(t, b.local.Set(ctx, "product:1", "widget", time.Minute))

	idx := New(a.store, a.shared, logger.NewTestLogger(), WithBroadcaster(a.bcast))
	require.NoError(t, idx.Track(ctx, "product:1", "catalog"))
	n, err := idx.InvalidateTag(ctx, "catalog")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.False(t, cached(t, a.shared, "product:1"))
	assert.Eventually(t, func() bool { return !cached(t, b.local, "product:1") }, time.Second, 5*time.Millisecond)
}

func TestBroadcastPublishFailureIsUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	b := NewBroadcaster(client, cache.NewInMemory(context.Background()), logger.NewTestLogger())
	mr.Close()

	err := b.PublishKeys(context.Background(), "k")
	require.Error(t, err)
	assert.True(t, store.IsUnavailable(err))
	assert.NoError(t, b.PublishKeys(context.Background()), "nothing to publish")
}
