package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentuity/go-cachecoord/resilience"
)

func TestBreakerOpensOnUnavailableStore(t *testing.T) {
	mr, client := newTestRedis(t)
	s := WithCircuitBreaker(NewRedis(client, WithOperationTimeout(100*time.Millisecond)), resilience.CircuitBreakerConfig{
		MaxFailures:      2,
		Timeout:          time.Hour,
		SuccessThreshold: 1,
	})
	ctx := context.Background()

	ok, err := s.SetIfAbsent(ctx, "k", "v", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.Close()
	for i := 0; i < 2; i++ {
		_, _, err = s.Get(ctx, "k")
		assert.True(t, IsUnavailable(err))
	}
	assert.Equal(t, resilience.StateOpen, Breaker(s).State())

	start := time.Now()
	_, err = s.SlideWindow(ctx, WindowOp{Key: "w", Score: 1, Member: "m", TTL: time.Second})
	assert.True(t, IsUnavailable(err))
	assert.ErrorIs(t, err, resilience.ErrCircuitBreakerOpen)
	assert.Less(t, time.Since(start), 50*time.Millisecond, "open circuit fails fast")
}

func TestBreakerIgnoresLogicalErrors(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	s := WithCircuitBreaker(m, resilience.CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Hour})
	ctx := context.Background()

	require.NoError(t, s.AddToSet(ctx, "set", 0, "a"))
	for i := 0; i < 3; i++ {
		_, _, err := s.Get(ctx, "set")
		assert.ErrorIs(t, err, ErrWrongType)
	}
	assert.Equal(t, resilience.StateClosed, Breaker(s).State())

	ok, err := s.CompareAndDelete(ctx, "missing", "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBreakerCallerCancellationDoesNotTrip(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	s := WithCircuitBreaker(m, resilience.CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.SetIfAbsent(ctx, "k", "v", time.Second)
	assert.Error(t, err)
	assert.Equal(t, resilience.StateClosed, Breaker(s).State())
	assert.Nil(t, Breaker(m))
}
