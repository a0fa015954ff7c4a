// Package warmer pre-populates frequently read cache entries at startup and
// then periodically.
package warmer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/agentuity/go-cachecoord/cacheaside"
	"github.com/agentuity/go-cachecoord/logger"
)

const (
	DefaultInterval    = 30 * time.Minute
	DefaultConcurrency = 8
	DefaultTTL         = 10 * time.Minute
)

// Entry is one value to keep warm.
type Entry struct {
	Key  string
	TTL  time.Duration
	Load cacheaside.Factory[any]
}

// Source lists the entries to warm. It is called once per run so the set can
// change over time.
type Source func(ctx context.Context) ([]Entry, error)

// Warmer populates entries through a CacheAside, so instances warming at the
// same time share the work instead of repeating it.
type Warmer struct {
	ca          *cacheaside.CacheAside
	source      Source
	logger      logger.Logger
	interval    time.Duration
	concurrency int
}

// Option configures a Warmer.
type Option func(*Warmer)

// WithInterval sets the delay between runs.
func WithInterval(d time.Duration) Option {
	return func(w *Warmer) { w.interval = d }
}

// WithConcurrency bounds how many entries load at once.
func WithConcurrency(n int) Option {
	return func(w *Warmer) { w.concurrency = n }
}

func New(ca *cacheaside.CacheAside, source Source, log logger.Logger, opts ...Option) *Warmer {
	w := &Warmer{
		ca:          ca,
		source:      source,
		logger:      log.WithPrefix("[warmer]"),
		interval:    DefaultInterval,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	return w
}

// WarmOnce runs a single pass and returns how many entries are now cached.
// Individual load failures are logged and skipped; only a failing Source is
// returned as an error.
func (w *Warmer) WarmOnce(ctx context.Context) (int, error) {
	w.logger.Info("starting cache warm-up")
	entries, err := w.source(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list entries to warm")
	}

	var warmed atomic.Int32
	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for _, e := range entries {
		ttl := e.TTL
		if ttl <= 0 {
			ttl = DefaultTTL
		}
		g.Go(func() error {
			res, err := cacheaside.Fetch(ctx, w.ca, e.Key, e.Load, ttl)
			if err != nil {
				w.logger.Error("failed to warm %s: %s", e.Key, err)
				return nil
			}
			if !res.Cached {
				w.logger.Warn("loaded %s but could not cache it (%s)", e.Key, res.Outcome)
				return nil
			}
			warmed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	w.logger.Info("cache warm-up completed, cached %d of %d items", warmed.Load(), len(entries))
	return int(warmed.Load()), nil
}

// Run warms immediately and then every interval until ctx is done.
func (w *Warmer) Run(ctx context.Context) {
	w.logger.Info("cache warmer started, interval %s", w.interval)
	w.runLogged(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("cache warmer stopped")
			return
		case <-ticker.C:
			w.runLogged(ctx)
		}
	}
}

func (w *Warmer) runLogged(ctx context.Context) {
	if _, err := w.WarmOnce(ctx); err != nil {
		w.logger.Error("error during cache warm-up: %s", err)
	}
}
