package main

import (
	"context"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentuity/go-cachecoord/cache"
	"github.com/agentuity/go-cachecoord/cacheaside"
	"github.com/agentuity/go-cachecoord/config"
	"github.com/agentuity/go-cachecoord/invalidation"
	"github.com/agentuity/go-cachecoord/lock"
	"github.com/agentuity/go-cachecoord/logger"
	"github.com/agentuity/go-cachecoord/metrics"
	"github.com/agentuity/go-cachecoord/ratelimit"
	"github.com/agentuity/go-cachecoord/store"
	"github.com/agentuity/go-cachecoord/telemetry"
)

// app holds every component built from one configuration.
type app struct {
	cfg      config.Config
	logger   logger.Logger
	registry *prometheus.Registry
	metrics  *metrics.Collector
	raw      *store.Redis
	store    store.Store
	cache    cache.Cache
	locker   *lock.Locker
	limiter  *ratelimit.Limiter
	index    *invalidation.Index
	bcast    *invalidation.Broadcaster
	shutdown telemetry.ShutdownFunc
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	exported, shutdown, err := telemetry.New(ctx, cfg.Telemetry.OTLPURL, os.Getenv("CACHECOORD_OTLP_TOKEN"), cfg.Telemetry.ServiceName, cfg.Level())
	if err != nil {
		return nil, err
	}
	log := logger.NewMultiLogger(cfg.NewLogger(), exported)
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)
	raw, s, err := cfg.Dial(ctx, log, m)
	if err != nil {
		shutdown()
		return nil, err
	}
	log.Debug("connected to %s", cfg.Redis.URL)

	opts := []cache.Option{cache.WithExpires(cfg.Cache.DefaultTTL.D())}
	if cfg.Redis.KeyPrefix != "" {
		opts = append(opts, cache.WithPrefix(cfg.Redis.KeyPrefix))
	}
	a := &app{
		cfg:      cfg,
		logger:   log,
		registry: reg,
		metrics:  m,
		raw:      raw,
		store:    s,
		cache:    cache.NewRedis(raw.Client(), opts...),
		locker:   lock.New(s, log, lock.WithMetrics(m)),
		limiter:  ratelimit.New(s, log, ratelimit.WithMetrics(m)),
		shutdown: shutdown,
	}
	var indexOpts []invalidation.Option
	if cfg.Cache.Local {
		local := cache.NewInMemory(ctx, cache.WithExpires(cfg.Cache.DefaultTTL.D()))
		a.cache = cache.NewComposite(local, a.cache)
		a.bcast = invalidation.NewBroadcaster(raw.Client(), local, log)
		indexOpts = append(indexOpts, invalidation.WithBroadcaster(a.bcast))
	}
	a.index = invalidation.New(s, a.cache, log, indexOpts...)
	return a, nil
}

// cacheAside builds an orchestrator from the lock settings. Extra options
// are applied last.
func (a *app) cacheAside(extra ...cacheaside.Option) *cacheaside.CacheAside {
	opts := []cacheaside.Option{
		cacheaside.WithLeaseDuration(a.cfg.Lock.Lease.D()),
		cacheaside.WithRetryDelay(a.cfg.Lock.RetryDelay.D()),
		cacheaside.WithMaxRetries(a.cfg.Lock.MaxRetries),
		cacheaside.WithMetrics(a.metrics),
	}
	if a.cfg.Lock.RenewInterval > 0 {
		opts = append(opts, cacheaside.WithLeaseRenewal(a.cfg.Lock.RenewInterval.D()))
	}
	return cacheaside.New(a.cache, a.locker, a.logger, append(opts, extra...)...)
}

func (a *app) close() {
	if err := a.cache.Close(); err != nil {
		a.logger.Warn("error closing cache: %s", err)
	}
	if err := a.raw.Close(); err != nil {
		a.logger.Warn("error closing store: %s", err)
	}
	a.shutdown()
}
