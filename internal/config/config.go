// Package config loads and validates the runtime configuration of the proxy.
//
// Scalar settings come from environment variables or from a config.yaml in
// the working directory; environment variables take precedence. A .env file,
// when present, is loaded into the environment first.
//
// The route table and the price list are separate YAML documents referenced
// by ROUTES_FILE and PRICING_FILE. When a path is empty the built-in default
// document is used.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel is one of: debug, info, warn, error. Default: info.
	LogLevel string

	// RoutesFile and PricingFile point at YAML documents. Empty selects the
	// built-in defaults.
	RoutesFile  string
	PricingFile string

	Redis     RedisConfig
	Cache     CacheConfig
	Cost      CostConfig
	Events    EventsConfig
	RateLimit RateLimitConfig

	CircuitBreaker CircuitBreakerConfig

	// ClickHouseDSN enables the ClickHouse request-log sink. Empty logs
	// requests through slog.
	ClickHouseDSN string

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any.
	CORSOrigins []string
}

// RedisConfig holds the connection URL shared by the Redis cache and the
// rate limiter.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the backend:
	//   "memory": in-process sharded LRU. Not shared across replicas.
	//   "redis": Redis-backed (requires REDIS_URL).
	//   "none": caching disabled; every request goes upstream.
	// Default: "memory".
	Mode string

	// TTL is the lifetime of a cached response. Default: 1h.
	TTL time.Duration

	// MaxEntries and MaxBytes bound the memory backend.
	MaxEntries int64
	MaxBytes   int64

	// SweepInterval is how often expired memory entries are purged.
	SweepInterval time.Duration

	// ExcludeExact lists model names that are never cached.
	ExcludeExact []string

	// ExcludePatterns lists regular expressions matched against model
	// names. Matching models are never cached.
	ExcludePatterns []string
}

// CostConfig selects where cost records are kept.
type CostConfig struct {
	// Store is "sqlite" (default) or "memory".
	Store string

	// DBPath is the SQLite database file. Default: costproxy.db.
	DBPath string
}

// EventsConfig sizes the lifecycle event bus.
type EventsConfig struct {
	// Buffer is the per-subscriber ring capacity. Default: 1024.
	Buffer int
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the global requests-per-minute ceiling. 0 disables it.
	// Requires Redis.
	RPMLimit int
}

// CircuitBreakerConfig controls the per-route breakers of the fallback
// executor.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of failures that trips the breaker.
	// Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which failures are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before a single
	// trial attempt is let through. Default: 30s.
	HalfOpenTimeout time.Duration
}

// Load reads the configuration and validates it.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read config.yaml: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := fromViper(v)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ROUTES_FILE", "")
	v.SetDefault("PRICING_FILE", "")

	v.SetDefault("REDIS_URL", "")

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CACHE_MAX_ENTRIES", 10_000)
	v.SetDefault("CACHE_MAX_BYTES", 256<<20)
	v.SetDefault("CACHE_SWEEP_INTERVAL", "30s")
	v.SetDefault("CACHE_EXCLUDE_EXACT", []string{})
	v.SetDefault("CACHE_EXCLUDE_PATTERNS", []string{})

	v.SetDefault("COST_STORE", "sqlite")
	v.SetDefault("COST_DB_PATH", "costproxy.db")

	v.SetDefault("EVENT_BUFFER", 1024)

	v.SetDefault("RPM_LIMIT", 0)

	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	v.SetDefault("CLICKHOUSE_DSN", "")
	v.SetDefault("CORS_ORIGINS", []string{"*"})
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Port:        v.GetInt("PORT"),
		LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),
		RoutesFile:  v.GetString("ROUTES_FILE"),
		PricingFile: v.GetString("PRICING_FILE"),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			MaxEntries:      v.GetInt64("CACHE_MAX_ENTRIES"),
			MaxBytes:        v.GetInt64("CACHE_MAX_BYTES"),
			SweepInterval:   v.GetDuration("CACHE_SWEEP_INTERVAL"),
			ExcludeExact:    stringList(v, "CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: stringList(v, "CACHE_EXCLUDE_PATTERNS"),
		},

		Cost: CostConfig{
			Store:  strings.ToLower(v.GetString("COST_STORE")),
			DBPath: v.GetString("COST_DB_PATH"),
		},

		Events: EventsConfig{Buffer: v.GetInt("EVENT_BUFFER")},

		RateLimit: RateLimitConfig{RPMLimit: v.GetInt("RPM_LIMIT")},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),
		CORSOrigins:   stringList(v, "CORS_ORIGINS"),
	}
}

// stringList accepts both YAML lists and comma- or space-separated env
// values.
func stringList(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// validate checks the constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be between 1 and 65535, got %d", c.Port)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	switch c.Cache.Mode {
	case "memory", "redis", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: memory, redis, none",
			c.Cache.Mode,
		)
	}
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("config: CACHE_TTL must be a positive duration")
	}
	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("config: CACHE_MAX_ENTRIES must be ≥ 1, got %d", c.Cache.MaxEntries)
	}
	if c.Cache.MaxBytes < 1 {
		return fmt.Errorf("config: CACHE_MAX_BYTES must be ≥ 1, got %d", c.Cache.MaxBytes)
	}
	if c.Cache.SweepInterval <= 0 {
		return fmt.Errorf("config: CACHE_SWEEP_INTERVAL must be a positive duration")
	}

	switch c.Cost.Store {
	case "sqlite":
		if c.Cost.DBPath == "" {
			return fmt.Errorf("config: COST_DB_PATH is required when COST_STORE=sqlite")
		}
	case "memory":
	default:
		return fmt.Errorf("config: invalid COST_STORE %q; must be one of: sqlite, memory", c.Cost.Store)
	}

	if c.Events.Buffer < 1 {
		return fmt.Errorf("config: EVENT_BUFFER must be ≥ 1, got %d", c.Events.Buffer)
	}

	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.RPMLimit)
	}
	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: RPM_LIMIT requires REDIS_URL")
	}

	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}
	if c.CircuitBreaker.HalfOpenTimeout <= 0 {
		return fmt.Errorf("config: CB_HALF_OPEN_TIMEOUT must be a positive duration")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
// Variables already set in the environment win.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
