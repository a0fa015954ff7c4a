package lock

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// Renew extends lease to its full duration, measured from now. It returns
// ErrLeaseLost if the token no longer owns the lock, or the store error.
func (l *Locker) Renew(ctx context.Context, lease *Lease) error {
	ok, err := l.store.CompareAndExpire(ctx, KeyPrefix+lease.Key, lease.Token, lease.Duration)
	if err != nil {
		l.metrics.StoreError("lock", "renew")
		return errors.Wrapf(err, "renew %s", lease.Key)
	}
	if !ok {
		return errors.Wrapf(ErrLeaseLost, "renew %s", lease.Key)
	}
	return nil
}

// Heartbeat renews lease every interval until ctx is done or the lease is
// lost. A lost lease is sent on the returned channel, which is closed when
// the heartbeat stops. Store failures are logged and retried on the next
// tick; the lease still expires on its own if they persist. A non-positive
// interval defaults to a third of the lease; if that is zero too, no renewal
// runs and the channel is returned closed.
func (l *Locker) Heartbeat(ctx context.Context, lease *Lease, interval time.Duration) <-chan error {
	errCh := make(chan error, 1)
	if interval <= 0 {
		interval = lease.Duration / 3
	}
	if interval <= 0 {
		l.logger.Warn("not renewing %s: no usable interval for lease %s", lease.Key, lease.Duration)
		close(errCh)
		return errCh
	}
	go func() {
		defer close(errCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := l.Renew(ctx, lease)
				switch {
				case err == nil:
					l.logger.Trace("renewed %s", lease.Key)
				case errors.Is(err, ErrLeaseLost):
					l.logger.Warn("heartbeat stopped: %s", err)
					errCh <- err
					return
				case ctx.Err() != nil:
					return
				default:
					l.logger.Warn("heartbeat for %s failed: %s", lease.Key, err)
				}
			}
		}
	}()
	return errCh
}
