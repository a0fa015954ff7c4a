package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type product struct {
	ID    string
	Name  string
	Price float64
}

func TestInMemorySetGet(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory(ctx)
	defer c.Close()

	found, val, err := c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, val)

	assert.NoError(t, c.Set(ctx, "key", "value", time.Minute))
	found, val, err = c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "value", val)

	ok, str, err := Get[string](ctx, c, "key")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "value", str)
}

func TestInMemoryTypedStruct(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory(ctx)
	defer c.Close()

	p := product{ID: "p1", Name: "Widget", Price: 9.5}
	require.NoError(t, c.Set(ctx, "product:p1", p, time.Minute))

	ok, got, err := Get[product](ctx, c, "product:p1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, p, got)

	_, _, err = Get[int](ctx, c, "product:p1")
	assert.Error(t, err)
}

func TestInMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory(ctx)
	defer c.Close()

	assert.NoError(t, c.Set(ctx, "key", "value", 20*time.Millisecond))
	time.Sleep(40 * time.Millisecond)
	found, _, err := c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestInMemoryDefaultExpires(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory(ctx, WithExpires(20*time.Millisecond))
	defer c.Close()

	assert.NoError(t, c.Set(ctx, "key", "value", 0))
	found, _, _ := c.Get(ctx, "key")
	assert.True(t, found)
	time.Sleep(40 * time.Millisecond)
	found, _, _ = c.Get(ctx, "key")
	assert.False(t, found)
}

func TestInMemoryBackgroundSweep(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory(ctx, WithExpiryCheck(5*time.Millisecond))
	defer c.Close()

	assert.NoError(t, c.Set(ctx, "key", "value", time.Millisecond))
	mem := c.(*inMemoryCache)
	assert.Eventually(t, func() bool { return mem.len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestInMemoryRemove(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory(ctx)
	defer c.Close()

	ok, err := c.Remove(ctx, "missing")
	assert.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, c.Set(ctx, "key", "value", time.Minute))
	ok, err = c.Remove(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, ok)
	found, _, _ := c.Get(ctx, "key")
	assert.False(t, found)
}

func TestInMemoryRemoveByPattern(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory(ctx)
	defer c.Close()

	for _, k := range []string{"product:1", "product:2", "product:all", "user:1"} {
		require.NoError(t, c.Set(ctx, k, k, time.Minute))
	}
	n, err := c.RemoveByPattern(ctx, "product:*")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	found, _, _ := c.Get(ctx, "user:1")
	assert.True(t, found)

	_, err = c.RemoveByPattern(ctx, "[")
	assert.Error(t, err)
}

func TestInMemoryCloseIsIdempotent(t *testing.T) {
	c := NewInMemory(context.Background())
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}
