package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/agentuity/go-cachecoord/resilience"
)

type breakerStore struct {
	next Store
	cb   *resilience.CircuitBreaker
}

var _ Store = (*breakerStore)(nil)

// WithCircuitBreaker wraps next so that once the store has failed
// config.MaxFailures times in a row, calls fail immediately with an error
// marked ErrUnavailable instead of waiting for the operation timeout. Only
// ErrUnavailable failures that were not caused by the caller's own
// cancellation count against the circuit.
func WithCircuitBreaker(next Store, config resilience.CircuitBreakerConfig) Store {
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool {
			return IsUnavailable(err) && !errors.Is(err, context.Canceled)
		}
	}
	return &breakerStore{next: next, cb: resilience.NewCircuitBreaker(config)}
}

// Breaker returns the circuit breaker guarding s, or nil if s is not wrapped.
func Breaker(s Store) *resilience.CircuitBreaker {
	if b, ok := s.(*breakerStore); ok {
		return b.cb
	}
	return nil
}

func (b *breakerStore) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := b.cb.Execute(ctx, fn)
	if errors.Is(err, resilience.ErrCircuitBreakerOpen) {
		return errors.Mark(errors.Wrapf(err, "store: %s", op), ErrUnavailable)
	}
	return err
}

func (b *breakerStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (ok bool, err error) {
	err = b.do(ctx, "SetIfAbsent", func(ctx context.Context) error {
		ok, err = b.next.SetIfAbsent(ctx, key, value, ttl)
		return err
	})
	return ok, err
}

func (b *breakerStore) CompareAndDelete(ctx context.Context, key, expected string) (ok bool, err error) {
	err = b.do(ctx, "CompareAndDelete", func(ctx context.Context) error {
		ok, err = b.next.CompareAndDelete(ctx, key, expected)
		return err
	})
	return ok, err
}

func (b *breakerStore) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (ok bool, err error) {
	err = b.do(ctx, "CompareAndExpire", func(ctx context.Context) error {
		ok, err = b.next.CompareAndExpire(ctx, key, expected, ttl)
		return err
	})
	return ok, err
}

func (b *breakerStore) Get(ctx context.Context, key string) (val string, found bool, err error) {
	err = b.do(ctx, "Get", func(ctx context.Context) error {
		val, found, err = b.next.Get(ctx, key)
		return err
	})
	return val, found, err
}

func (b *breakerStore) Delete(ctx context.Context, key string) (ok bool, err error) {
	err = b.do(ctx, "Delete", func(ctx context.Context) error {
		ok, err = b.next.Delete(ctx, key)
		return err
	})
	return ok, err
}

func (b *breakerStore) SlideWindow(ctx context.Context, op WindowOp) (card int64, err error) {
	err = b.do(ctx, "SlideWindow", func(ctx context.Context) error {
		card, err = b.next.SlideWindow(ctx, op)
		return err
	})
	return card, err
}

func (b *breakerStore) AddToSet(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	return b.do(ctx, "AddToSet", func(ctx context.Context) error {
		return b.next.AddToSet(ctx, key, ttl, members...)
	})
}

func (b *breakerStore) SetMembers(ctx context.Context, key string) (members []string, err error) {
	err = b.do(ctx, "SetMembers", func(ctx context.Context) error {
		members, err = b.next.SetMembers(ctx, key)
		return err
	})
	return members, err
}

func (b *breakerStore) Ping(ctx context.Context) error {
	return b.do(ctx, "Ping", b.next.Ping)
}

func (b *breakerStore) Close() error {
	return b.next.Close()
}
