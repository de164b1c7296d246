// Package config loads and validates environment variables at startup.
// Fail-fast: if a required variable is missing or malformed, the process exits.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Counter backends.
const (
	CounterBackendMemory = "memory"
	CounterBackendRedis  = "redis"
)

// Config holds all runtime configuration for the watcher service.
// Tunables that administrators edit at runtime live in the settings snapshot
// instead; the values here only change on restart.
type Config struct {
	Port        string `env:"WATCHER_PORT" envDefault:"8082"`
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	DBMaxConns          int32         `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns          int32         `env:"DB_MIN_CONNS" envDefault:"1"`
	DBMaxConnLifetime   time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"30m"`
	DBHealthCheckPeriod time.Duration `env:"DB_HEALTH_CHECK_PERIOD" envDefault:"1m"`
	DBPingTimeout       time.Duration `env:"DB_PING_TIMEOUT" envDefault:"5s"`

	CounterBackend     string `env:"COUNTER_BACKEND" envDefault:"memory"`
	EventChannelPrefix string `env:"EVENT_CHANNEL_PREFIX" envDefault:"watcher"`

	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	LogDevelopment bool   `env:"LOG_DEVELOPMENT" envDefault:"false"`

	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	MaxAttempts       int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	RequestsPerSecond float64       `env:"REQUESTS_PER_SECOND" envDefault:"0"`
	SellerFreshness   time.Duration `env:"SELLER_FRESHNESS" envDefault:"24h"`

	NotifyConcurrency int           `env:"NOTIFY_CONCURRENCY" envDefault:"4"`
	RetryAfterMax     time.Duration `env:"RETRY_AFTER_MAX" envDefault:"30s"`

	CleanupCron          string `env:"CLEANUP_CRON" envDefault:"0 1 * * *"`
	AgingIntervalMinutes int    `env:"AGING_INTERVAL_MINUTES" envDefault:"60"`
	SweepBatchSize       int    `env:"SWEEP_BATCH_SIZE" envDefault:"500"`
	StatusPreview        int    `env:"STATUS_PREVIEW" envDefault:"10"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Settings overrides, applied on top of every settings reload.
	ScraperDomain   string `env:"SCRAPER_DOMAIN"`
	TelegramToken   string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID  string `env:"TELEGRAM_CHAT_ID"`
	DiscordWebhook  string `env:"DISCORD_WEBHOOK_URL"`
	GenericWebhook  string `env:"WEBHOOK_URL"`
	TelegramAPIBase string `env:"TELEGRAM_API_BASE" envDefault:"https://api.telegram.org"`
}

// Load reads an optional .env file plus the environment and returns a
// validated Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=%s", StoreDriverPostgres)
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.StoreDriver)
	}

	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be a positive integer, got %d", c.DBMaxConns)
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS (%d), got %d", c.DBMaxConns, c.DBMinConns)
	}

	switch c.CounterBackend {
	case CounterBackendMemory:
	case CounterBackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when COUNTER_BACKEND=%s", CounterBackendRedis)
		}
	default:
		return fmt.Errorf("COUNTER_BACKEND must be %q or %q, got %q", CounterBackendMemory, CounterBackendRedis, c.CounterBackend)
	}

	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be a positive integer, got %d", c.MaxAttempts)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("REQUESTS_PER_SECOND must not be negative, got %v", c.RequestsPerSecond)
	}
	if c.NotifyConcurrency < 1 {
		return fmt.Errorf("NOTIFY_CONCURRENCY must be a positive integer, got %d", c.NotifyConcurrency)
	}
	if c.AgingIntervalMinutes < 1 {
		return fmt.Errorf("AGING_INTERVAL_MINUTES must be a positive integer, got %d", c.AgingIntervalMinutes)
	}
	if c.SweepBatchSize < 1 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be a positive integer, got %d", c.SweepBatchSize)
	}
	if _, err := cron.ParseStandard(c.CleanupCron); err != nil {
		return fmt.Errorf("CLEANUP_CRON %q: %w", c.CleanupCron, err)
	}
	return nil
}
