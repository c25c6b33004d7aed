// Package config loads and validates all runtime configuration for the
// gateway from environment variables, optionally seeded from a local .env
// file.
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
	AppEnv   string // APP_ENV
	LogLevel string // LOG_LEVEL: debug|info|warn|error

	DatabaseURL string // DATABASE_URL — libsql DSN for the mutable Audit Store
	RedisURL    string // REDIS_URL — rate limiter + models cache

	ClickHouse ClickHouseConfig

	DefaultProvider string // DEFAULT_PROVIDER

	OpenAI OpenAIConfig

	DefaultRPMLimit   int           // DEFAULT_RPM_LIMIT
	ModelsCacheTTL    time.Duration // MODELS_CACHE_TTL_SECONDS
	WebhookTimeout    time.Duration // WEBHOOK_TIMEOUT_SECONDS
	WorkerMetricsPort int           // WORKER_METRICS_PORT

	CeleryBrokerURL string // CELERY_BROKER_URL — reused as this gateway's job/webhook queue broker
	CeleryResultURL string // CELERY_RESULT_BACKEND

	DashboardLogin    string // DASHBOARD_LOGIN — out of scope (no HTML dashboard), kept for env-surface parity
	DashboardPassword string // DASHBOARD_PASSWORD

	Port int // HTTP listen port
}

// OpenAIConfig configures the OpenAI-compatible provider client.
type OpenAIConfig struct {
	BaseURL        string        // OPENAI_BASE_URL
	APIKey         string        // OPENAI_API_KEY
	TimeoutSeconds time.Duration // OPENAI_TIMEOUT_SECONDS
	Retries        int           // OPENAI_RETRIES
	HTTPReferer    string        // OPENAI_HTTP_REFERER
	Title          string        // OPENAI_TITLE
}

// ClickHouseConfig configures the append-only Audit Store half.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// Load reads configuration from environment variables, optionally seeded
// from a .env file in the working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8080)
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_URL", "file:gateway.db")
	v.SetDefault("REDIS_URL", "redis://localhost:6379")
	v.SetDefault("DEFAULT_PROVIDER", "mock")
	v.SetDefault("OPENAI_TIMEOUT_SECONDS", 30)
	v.SetDefault("OPENAI_RETRIES", 2)
	v.SetDefault("DEFAULT_RPM_LIMIT", 60)
	v.SetDefault("MODELS_CACHE_TTL_SECONDS", 300)
	v.SetDefault("WEBHOOK_TIMEOUT_SECONDS", 10)
	v.SetDefault("WORKER_METRICS_PORT", 9090)
	v.SetDefault("CLICKHOUSE_ADDR", "localhost:9000")
	v.SetDefault("CLICKHOUSE_DATABASE", "default")

	cfg := &Config{
		AppEnv:      v.GetString("APP_ENV"),
		LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),
		DatabaseURL: v.GetString("DATABASE_URL"),
		RedisURL:    v.GetString("REDIS_URL"),

		ClickHouse: ClickHouseConfig{
			Addr:     v.GetString("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
		},

		DefaultProvider: v.GetString("DEFAULT_PROVIDER"),

		OpenAI: OpenAIConfig{
			BaseURL:        v.GetString("OPENAI_BASE_URL"),
			APIKey:         v.GetString("OPENAI_API_KEY"),
			TimeoutSeconds: time.Duration(v.GetInt("OPENAI_TIMEOUT_SECONDS")) * time.Second,
			Retries:        v.GetInt("OPENAI_RETRIES"),
			HTTPReferer:    v.GetString("OPENAI_HTTP_REFERER"),
			Title:          v.GetString("OPENAI_TITLE"),
		},

		DefaultRPMLimit:   v.GetInt("DEFAULT_RPM_LIMIT"),
		ModelsCacheTTL:    time.Duration(v.GetInt("MODELS_CACHE_TTL_SECONDS")) * time.Second,
		WebhookTimeout:    time.Duration(v.GetInt("WEBHOOK_TIMEOUT_SECONDS")) * time.Second,
		WorkerMetricsPort: v.GetInt("WORKER_METRICS_PORT"),

		CeleryBrokerURL: v.GetString("CELERY_BROKER_URL"),
		CeleryResultURL: v.GetString("CELERY_RESULT_BACKEND"),

		DashboardLogin:    v.GetString("DASHBOARD_LOGIN"),
		DashboardPassword: v.GetString("DASHBOARD_PASSWORD"),

		Port: v.GetInt("PORT"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.DefaultProvider == "" {
		return fmt.Errorf("config: DEFAULT_PROVIDER is required")
	}
	return nil
}

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
