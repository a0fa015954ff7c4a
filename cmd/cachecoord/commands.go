package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/agentuity/go-cachecoord/cache"
	"github.com/agentuity/go-cachecoord/cacheaside"
	"github.com/agentuity/go-cachecoord/ratelimit"
	"github.com/agentuity/go-cachecoord/telemetry"
	"github.com/agentuity/go-cachecoord/warmer"
)

func (c *cli) lockCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Acquire or release a distributed lock",
	}

	var lease time.Duration
	acquire := &cobra.Command{
		Use:   "acquire KEY",
		Short: "Acquire KEY and print the owner token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if lease <= 0 {
				lease = c.app.cfg.Lock.Lease.D()
			}
			held, ok := c.app.locker.Acquire(cmd.Context(), args[0], lease)
			if !ok {
				return errors.Newf("lock %s is held by another owner", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), held.Token)
			return nil
		},
	}
	acquire.Flags().DurationVar(&lease, "lease", 0, "lease duration (defaults to lock.lease)")

	release := &cobra.Command{
		Use:   "release KEY TOKEN",
		Short: "Release KEY if TOKEN still owns it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			released := c.app.locker.Release(cmd.Context(), args[0], args[1])
			fmt.Fprintf(cmd.OutOrStdout(), "released: %t\n", released)
			return nil
		},
	}

	cmd.AddCommand(acquire, release)
	return cmd
}

func (c *cli) limitCommand() *cobra.Command {
	var (
		maxEvents int
		window    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "limit IDENTIFIER",
		Short: "Record an event for IDENTIFIER and report the rate limit decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxEvents <= 0 {
				maxEvents = c.app.cfg.RateLimit.MaxEvents
			}
			if window <= 0 {
				window = c.app.cfg.RateLimit.Window.D()
			}
			d := c.app.limiter.Check(cmd.Context(), args[0], maxEvents, window)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "allowed: %t\n", d.Allowed)
			fmt.Fprintf(out, "count: %d/%d\n", d.Count, d.Limit)
			fmt.Fprintf(out, "remaining: %d\n", d.Remaining)
			if !d.Allowed {
				fmt.Fprintf(out, "retry after: %s\n", d.RetryAfter)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&maxEvents, "max", 0, "events allowed per window (defaults to rate_limit.max_events)")
	cmd.Flags().DurationVar(&window, "window", 0, "window length (defaults to rate_limit.window)")
	return cmd
}

func (c *cli) getCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Print the cached value of KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			found, val, err := cache.Get[string](cmd.Context(), c.app.cache, args[0])
			if err != nil {
				return err
			}
			if !found {
				return errors.Newf("%s is not cached", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), val)
			return nil
		},
	}
}

func (c *cli) populateCommand() *cobra.Command {
	var (
		ttl  time.Duration
		tags []string
	)
	cmd := &cobra.Command{
		Use:   "populate KEY VALUE",
		Short: "Cache VALUE under KEY unless a value is already cached, then print the cached value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			key, value := args[0], args[1]
			got, err := cacheaside.GetOrPopulate(ctx, c.app.cacheAside(), key, func(context.Context) (string, error) {
				return value, nil
			}, ttl)
			if err != nil {
				return err
			}
			if len(tags) > 0 {
				if err := c.app.index.Track(ctx, key, tags...); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), got)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "cache TTL (defaults to cache.default_ttl)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag the key for invalidate-tag")
	return cmd
}

func (c *cli) stampedeCommand() *cobra.Command {
	var (
		callers int
		delay   time.Duration
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stampede KEY",
		Short: "Request KEY from many concurrent callers and report how often the loader ran",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			key := args[0]
			var calls atomic.Int32
			factory := func(ctx context.Context) (string, error) {
				n := calls.Add(1)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return "", ctx.Err()
				}
				return fmt.Sprintf("value from load %d", n), nil
			}

			// one orchestrator per caller, as if each were a separate instance
			var (
				wg     sync.WaitGroup
				mu     sync.Mutex
				values = make(map[string]int)
				failed int
			)
			for range callers {
				ca := c.app.cacheAside()
				wg.Add(1)
				go func() {
					defer wg.Done()
					v, err := cacheaside.GetOrPopulate(ctx, ca, key, factory, ttl)
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						failed++
						return
					}
					values[v]++
				}()
			}
			wg.Wait()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "callers: %d\n", callers)
			fmt.Fprintf(out, "factory invocations: %d\n", calls.Load())
			fmt.Fprintf(out, "distinct values: %d\n", len(values))
			if failed > 0 {
				return errors.Newf("%d callers failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&callers, "callers", 20, "number of concurrent callers")
	cmd.Flags().DurationVar(&delay, "delay", 200*time.Millisecond, "simulated loader latency")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "cache TTL (defaults to cache.default_ttl)")
	return cmd
}

func (c *cli) invalidateTagCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate-tag TAG",
		Short: "Remove every cache entry tagged with TAG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := c.app.index.InvalidateTag(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "invalidated: %d\n", n)
			return nil
		},
	}
}

func (c *cli) invalidatePatternCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate-pattern PATTERN",
		Short: "Remove every cache entry whose key matches a glob PATTERN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := c.app.index.InvalidatePattern(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "invalidated: %d\n", n)
			return nil
		},
	}
}

func (c *cli) removeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove KEY",
		Short: "Remove KEY from the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.app.cacheAside().Invalidate(cmd.Context(), args[0])
		},
	}
}

// fileSource reads a YAML mapping of cache keys to string values on every
// warm-up pass.
func fileSource(path string, ttl time.Duration) warmer.Source {
	return func(ctx context.Context) ([]warmer.Entry, error) {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", path)
		}
		var values map[string]string
		if err := yaml.Unmarshal(buf, &values); err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s", path)
		}
		entries := make([]warmer.Entry, 0, len(values))
		for key, value := range values {
			entries = append(entries, warmer.Entry{
				Key: key,
				TTL: ttl,
				Load: func(context.Context) (any, error) {
					return value, nil
				},
			})
		}
		return entries, nil
	}
}

func (c *cli) warmCommand() *cobra.Command {
	var (
		ttl   time.Duration
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "warm FILE",
		Short: "Populate the cache from a YAML file of key: value pairs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := c.app.cfg
			w := warmer.New(c.app.cacheAside(), fileSource(args[0], ttl), c.app.logger,
				warmer.WithInterval(cfg.Warmer.Interval.D()),
				warmer.WithConcurrency(cfg.Warmer.Concurrency),
			)
			if watch {
				w.Run(cmd.Context())
				return nil
			}
			n, err := w.WarmOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cached: %d\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "cache TTL (defaults to cache.default_ttl)")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep warming every warmer.interval until interrupted")
	return cmd
}

func (c *cli) serveCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve /metrics and a rate limited /check endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := c.app.cfg
			policy := ratelimit.DefaultPolicy()
			policy.MaxEvents = cfg.RateLimit.MaxEvents
			policy.Window = cfg.RateLimit.Window.D()

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(c.app.registry, promhttp.HandlerOpts{}))
			tracer := otel.Tracer(tracerName)
			check := ratelimit.Middleware(c.app.limiter, policy)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				fmt.Fprintln(w, "ok")
			}))
			mux.HandleFunc("/check", func(w http.ResponseWriter, r *http.Request) {
				ctx, log, span := telemetry.StartSpan(r.Context(), c.app.logger, tracer, "GET /check", trace.WithSpanKind(trace.SpanKindServer))
				defer span.End()
				log.Debug("check from %s", r.RemoteAddr)
				check.ServeHTTP(w, r.WithContext(ctx))
			})
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				if err := c.app.store.Ping(r.Context()); err != nil {
					http.Error(w, err.Error(), http.StatusServiceUnavailable)
					return
				}
				w.WriteHeader(http.StatusOK)
			})

			if c.app.bcast != nil {
				sub, err := c.app.bcast.Subscribe(ctx)
				if err != nil {
					return err
				}
				defer sub.Close()
			}

			server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			errs := make(chan error, 1)
			go func() {
				c.app.logger.Info("listening on %s", addr)
				errs <- server.ListenAndServe()
			}()
			select {
			case err := <-errs:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}
