package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errConnRefused = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

func quick(retries int) RetryConfig {
	return RetryConfig{
		MaxRetries:        retries,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func TestRetryRecoversAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), quick(3), func() error {
		attempts++
		if attempts < 3 {
			return errConnRefused
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryReturnsLastErrorWhenBudgetIsSpent(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), quick(2), func() error {
		attempts++
		return errConnRefused
	})
	assert.ErrorIs(t, err, errConnRefused)
	assert.Equal(t, 3, attempts, "first attempt plus two retries")
}

func TestRetryStopsOnOpenCircuit(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Hour})
	calls := 0
	err := Retry(context.Background(), quick(10), func() error {
		return cb.Execute(context.Background(), func(context.Context) error {
			calls++
			return errConnRefused
		})
	})
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.Equal(t, 2, calls, "the open circuit ends the retries")
}

func TestRetryHonoursCustomClassifier(t *testing.T) {
	cfg := quick(5)
	cfg.RetryableErrors = func(err error) bool { return !errors.Is(err, errConnRefused) }
	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return errConnRefused
	})
	assert.ErrorIs(t, err, errConnRefused)
	assert.Equal(t, 1, attempts)
}

func TestRetryContextDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	cfg := RetryConfig{MaxRetries: 5, InitialBackoff: 200 * time.Millisecond, BackoffMultiplier: 2}

	attempts := 0
	err := Retry(ctx, cfg, func() error {
		attempts++
		return errConnRefused
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, attempts)
}

func TestDefaultRetryableErrors(t *testing.T) {
	assert.False(t, DefaultRetryableErrors(nil))
	assert.True(t, DefaultRetryableErrors(errConnRefused))
	assert.False(t, DefaultRetryableErrors(ErrCircuitBreakerOpen))
	assert.False(t, DefaultRetryableErrors(context.Canceled))
	assert.False(t, DefaultRetryableErrors(context.DeadlineExceeded))
}

func TestCalculateBackoff(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 50 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, BackoffMultiplier: 2}
	want := []time.Duration{50, 100, 200, 300, 300}
	for attempt, ms := range want {
		assert.Equal(t, ms*time.Millisecond, calculateBackoff(attempt, cfg), "attempt %d", attempt)
	}

	cfg.Jitter = true
	for range 20 {
		assert.InDelta(t, float64(100*time.Millisecond), float64(calculateBackoff(1, cfg)), float64(10*time.Millisecond))
	}
}
