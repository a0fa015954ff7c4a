// Package config loads settings from a YAML file, CACHECOORD_* environment
// variables and command flags, in increasing order of precedence.
package config

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"

	"github.com/agentuity/go-cachecoord/logger"
	"github.com/agentuity/go-cachecoord/metrics"
	"github.com/agentuity/go-cachecoord/resilience"
	"github.com/agentuity/go-cachecoord/store"
)

// Duration is a time.Duration that also accepts days and weeks ("1d12h").
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return str2duration.String(time.Duration(d)) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return errors.Wrapf(err, "line %d", node.Line)
	}
	*d = v
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func parseDuration(s string) (Duration, error) {
	v, err := str2duration.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid duration %q", s)
	}
	return Duration(v), nil
}

type RedisConfig struct {
	URL              string   `yaml:"url"`
	KeyPrefix        string   `yaml:"key_prefix"`
	OperationTimeout Duration `yaml:"operation_timeout"`
}

type LockConfig struct {
	Lease         Duration `yaml:"lease"`
	RetryDelay    Duration `yaml:"retry_delay"`
	MaxRetries    int      `yaml:"max_retries"`
	RenewInterval Duration `yaml:"renew_interval"`
}

type RateLimitConfig struct {
	MaxEvents int      `yaml:"max_events"`
	Window    Duration `yaml:"window"`
}

type CacheConfig struct {
	DefaultTTL Duration `yaml:"default_ttl"`
	// Local adds a per-process in-memory layer in front of Redis, kept
	// consistent across instances through pub/sub.
	Local      bool     `yaml:"local"`
}

type BreakerConfig struct {
	Enabled     bool     `yaml:"enabled"`
	MaxFailures int      `yaml:"max_failures"`
	Timeout     Duration `yaml:"timeout"`
}

type WarmerConfig struct {
	Interval    Duration `yaml:"interval"`
	Concurrency int      `yaml:"concurrency"`
}

type TelemetryConfig struct {
	OTLPURL     string `yaml:"otlp_url"`
	ServiceName string `yaml:"service_name"`
}

// Config is the complete configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"`
	Redis     RedisConfig     `yaml:"redis"`
	Lock      LockConfig      `yaml:"lock"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Warmer    WarmerConfig    `yaml:"warmer"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "console",
		Redis: RedisConfig{
			URL:              "redis://localhost:6379/0",
			OperationTimeout: Duration(store.DefaultOperationTimeout),
		},
		Lock: LockConfig{
			Lease:      Duration(10 * time.Second),
			RetryDelay: Duration(50 * time.Millisecond),
			MaxRetries: 20,
		},
		RateLimit: RateLimitConfig{MaxEvents: 100, Window: Duration(time.Minute)},
		Cache:     CacheConfig{DefaultTTL: Duration(10 * time.Minute)},
		Breaker:   BreakerConfig{Enabled: true, MaxFailures: 5, Timeout: Duration(30 * time.Second)},
		Warmer:    WarmerConfig{Interval: Duration(30 * time.Minute), Concurrency: 8},
		Telemetry: TelemetryConfig{ServiceName: "cachecoord"},
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Redis.URL == "":
		return errors.New("redis.url is required")
	case c.Redis.OperationTimeout <= 0:
		return errors.New("redis.operation_timeout must be positive")
	case c.Lock.Lease <= 0:
		return errors.New("lock.lease must be positive")
	case c.Lock.RetryDelay <= 0:
		return errors.New("lock.retry_delay must be positive")
	case c.Lock.MaxRetries < 0:
		return errors.New("lock.max_retries must not be negative")
	case c.Lock.RenewInterval < 0:
		return errors.New("lock.renew_interval must not be negative")
	case c.Lock.RenewInterval > 0 && c.Lock.RenewInterval >= c.Lock.Lease:
		return errors.New("lock.renew_interval must be shorter than lock.lease")
	case c.RateLimit.MaxEvents <= 0:
		return errors.New("rate_limit.max_events must be positive")
	case c.RateLimit.Window <= 0:
		return errors.New("rate_limit.window must be positive")
	case c.Cache.DefaultTTL <= 0:
		return errors.New("cache.default_ttl must be positive")
	case c.Breaker.Enabled && (c.Breaker.MaxFailures <= 0 || c.Breaker.Timeout <= 0):
		return errors.New("breaker.max_failures and breaker.timeout must be positive")
	case c.Warmer.Interval <= 0:
		return errors.New("warmer.interval must be positive")
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return errors.Newf("log_format must be console or json, got %q", c.LogFormat)
	}
	return nil
}

// Level returns the configured log level.
func (c Config) Level() logger.LogLevel {
	return logger.ParseLevel(c.LogLevel, logger.LevelInfo)
}

// NewLogger returns a console or JSON logger at the configured level.
func (c Config) NewLogger() logger.Logger {
	if c.LogFormat == "json" {
		return logger.NewJSONLogger(c.Level())
	}
	return logger.NewConsoleLogger(c.Level())
}

// BreakerSettings converts the breaker section for the store decorator.
// Transitions are logged and exported on m, which may be nil.
func (c Config) BreakerSettings(log logger.Logger, m *metrics.Collector) resilience.CircuitBreakerConfig {
	cfg := resilience.DefaultCircuitBreakerConfig()
	cfg.MaxFailures = c.Breaker.MaxFailures
	cfg.Timeout = c.Breaker.Timeout.D()
	cfg.OnStateChange = func(from, to resilience.CircuitBreakerState) {
		if to == resilience.StateClosed {
			log.Info("store circuit breaker closed, redis reachable again")
		} else {
			log.Warn("store circuit breaker %s -> %s", from, to)
		}
		m.BreakerState(to.String())
	}
	return cfg
}

// Dial connects to Redis and returns the raw store, which owns its client,
// and the store to use for coordination, wrapped in a circuit breaker when
// enabled.
func (c Config) Dial(ctx context.Context, log logger.Logger, m *metrics.Collector) (*store.Redis, store.Store, error) {
	raw, err := store.Dial(ctx, c.Redis.URL, resilience.DefaultRetryConfig(),
		store.WithPrefix(c.Redis.KeyPrefix),
		store.WithOperationTimeout(c.Redis.OperationTimeout.D()),
	)
	if err != nil {
		return nil, nil, err
	}
	if !c.Breaker.Enabled {
		return raw, raw, nil
	}
	m.BreakerState(resilience.StateClosed.String())
	return raw, store.WithCircuitBreaker(raw, c.BreakerSettings(log.WithPrefix("[store]"), m)), nil
}

// Parse decodes YAML over the defaults.
func Parse(buf []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return cfg, errors.Wrap(err, "failed to parse config")
	}
	return cfg, nil
}

// Load reads the YAML file at path, if any, and applies the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "failed to read config %s", path)
		}
		if cfg, err = Parse(buf); err != nil {
			return cfg, err
		}
	}
	if err := cfg.apply(nil); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// FromCommand is Load with the command's flags taking precedence. The file
// is named by --config or CACHECOORD_CONFIG.
func FromCommand(cmd *cobra.Command) (Config, error) {
	cfg := Default()
	if path := FlagOrEnv(cmd, "config", "CACHECOORD_CONFIG", ""); path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "failed to read config %s", path)
		}
		if cfg, err = Parse(buf); err != nil {
			return cfg, err
		}
	}
	if err := cfg.apply(cmd); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// FlagOrEnv returns the value of a string flag if set, else the environment
// variable if present, else defaultValue.
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	if cmd != nil {
		if flagValue, _ := cmd.Flags().GetString(flagName); flagValue != "" {
			return flagValue
		}
	}
	if val, ok := os.LookupEnv(envName); ok {
		return val
	}
	return defaultValue
}

type binding struct {
	flag string
	env  string
	set  func(c *Config, v string) error
}

func str(field func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func dur(field func(c *Config) *Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := parseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func num(field func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "invalid number %q", v)
		}
		*field(c) = n
		return nil
	}
}

var bindings = []binding{
	{"log-level", logger.EnvLogLevel, str(func(c *Config) *string { return &c.LogLevel })},
	{"log-format", "CACHECOORD_LOG_FORMAT", str(func(c *Config) *string { return &c.LogFormat })},
	{"redis-url", "CACHECOORD_REDIS_URL", str(func(c *Config) *string { return &c.Redis.URL })},
	{"key-prefix", "CACHECOORD_KEY_PREFIX", str(func(c *Config) *string { return &c.Redis.KeyPrefix })},
	{"operation-timeout", "CACHECOORD_OPERATION_TIMEOUT", dur(func(c *Config) *Duration { return &c.Redis.OperationTimeout })},
	{"lock-lease", "CACHECOORD_LOCK_LEASE", dur(func(c *Config) *Duration { return &c.Lock.Lease })},
	{"lock-retry-delay", "CACHECOORD_LOCK_RETRY_DELAY", dur(func(c *Config) *Duration { return &c.Lock.RetryDelay })},
	{"lock-max-retries", "CACHECOORD_LOCK_MAX_RETRIES", num(func(c *Config) *int { return &c.Lock.MaxRetries })},
	{"lock-renew-interval", "CACHECOORD_LOCK_RENEW_INTERVAL", dur(func(c *Config) *Duration { return &c.Lock.RenewInterval })},
	{"rate-limit", "CACHECOORD_RATE_LIMIT", num(func(c *Config) *int { return &c.RateLimit.MaxEvents })},
	{"rate-window", "CACHECOORD_RATE_WINDOW", dur(func(c *Config) *Duration { return &c.RateLimit.Window })},
	{"cache-ttl", "CACHECOORD_CACHE_TTL", dur(func(c *Config) *Duration { return &c.Cache.DefaultTTL })},
	{"otlp-url", "CACHECOORD_OTLP_URL", str(func(c *Config) *string { return &c.Telemetry.OTLPURL })},
}

func (c *Config) apply(cmd *cobra.Command) error {
	for _, b := range bindings {
		v := FlagOrEnv(cmd, b.flag, b.env, "")
		if v == "" {
			continue
		}
		if err := b.set(c, v); err != nil {
			return errors.Wrapf(err, "%s", b.env)
		}
	}
	for env, field := range map[string]*bool{
		"CACHECOORD_BREAKER_ENABLED": &c.Breaker.Enabled,
		"CACHECOORD_CACHE_LOCAL":     &c.Cache.Local,
	} {
		v, ok := os.LookupEnv(env)
		if !ok {
			continue
		}
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, env)
		}
		*field = enabled
	}
	return nil
}

// RegisterFlags adds the flags read by FromCommand to cmd's persistent flags.
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "path to a YAML config file")
	for _, b := range bindings {
		flags.String(b.flag, "", "overrides "+b.env)
	}
}
