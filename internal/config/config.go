// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file; a .env file, when present, is loaded
// into the process environment first.
//
// The control plane lives in the document store — providers, keys, pools,
// policies, budgets and alerts are all documents, not env vars. Only the
// infrastructure bindings (listen port, store paths, ClickHouse, Redis, SMTP,
// classifier endpoints) are configured here.
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

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Store holds the document-store binding.
	Store StoreConfig

	// ClickHouse holds the optional usage analytics sink. When the DSN is
	// empty, usage records are written to the document store instead.
	ClickHouse ClickHouseConfig

	// Redis holds the optional shared rate-limiter state. When the URL is
	// empty, rate limiting is process-local.
	Redis RedisConfig

	// SMTP holds the outbound mail settings used by the alert dispatcher.
	SMTP SMTPConfig

	// Classify holds the remote classifier endpoints backing the
	// prompt-injection and topics policies.
	Classify ClassifyConfig

	// Budget holds the budget-cache binding.
	Budget BudgetConfig

	// ResponseWithSpend attaches remaining/spent budget fields to successful
	// responses. Default: true.
	ResponseWithSpend bool

	// ProviderTimeout is the default per-provider HTTP timeout, used when a
	// provider document does not carry its own. Default: 30s.
	ProviderTimeout time.Duration

	// CORSOrigins is the list of allowed CORS origins. Default: ["*"].
	CORSOrigins []string
}

// StoreConfig binds the SQLite document store.
type StoreConfig struct {
	// Path is the SQLite database file. Default: "trussed.db".
	Path string
}

// ClickHouseConfig binds the usage analytics sink.
type ClickHouseConfig struct {
	// DSN is a clickhouse:// URL. Leave empty to disable the sink.
	DSN string
	// Table is the usage table name. Default: "usage".
	Table string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL, e.g. redis://localhost:6379.
	URL string
}

// SMTPConfig holds outbound mail settings.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	User     string
	Password string
	Timeout  time.Duration
	// SendGrid base64-encodes the credentials the way the SendGrid relay
	// expects.
	SendGrid bool
	// RetryAfter delays a failed mail before the next attempt. Default: 60s.
	RetryAfter time.Duration
	// RetryMax caps delivery attempts per mail. Default: 3.
	RetryMax int
	// Domain is interpolated into mail templates for absolute links.
	Domain string
}

// ClassifyConfig binds the remote scoring endpoints. The gateway treats the
// classifiers as services: when an URL is empty the corresponding policy
// control reports itself not ready.
type ClassifyConfig struct {
	// InjectionURL scores text as SAFE/INJECTION.
	InjectionURL string
	// TopicsURL scores text against a label list (zero-shot).
	TopicsURL string
	// Timeout is the per-call HTTP timeout. Default: 5s.
	Timeout time.Duration
}

// BudgetConfig binds the on-disk budget cache.
type BudgetConfig struct {
	// CachePath is the budget-cache SQLite file. Default: "budgetcache.db".
	CachePath string
	// CacheTTL is how long a cache entry is considered fresh. Default: 10s.
	CacheTTL time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_PATH", "trussed.db")
	v.SetDefault("CLICKHOUSE_TABLE", "usage")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_TIMEOUT", "5s")
	v.SetDefault("SMTP_RETRY_AFTER", "60s")
	v.SetDefault("SMTP_RETRY_MAX", 3)
	v.SetDefault("CLASSIFY_TIMEOUT", "5s")
	v.SetDefault("BUDGET_CACHE_PATH", "budgetcache.db")
	v.SetDefault("BUDGET_CACHE_TTL", "10s")
	v.SetDefault("RESPONSE_WITH_SPEND", true)
	v.SetDefault("PROVIDER_TIMEOUT", "30s")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Store: StoreConfig{Path: v.GetString("STORE_PATH")},

		ClickHouse: ClickHouseConfig{
			DSN:   v.GetString("CLICKHOUSE_DSN"),
			Table: v.GetString("CLICKHOUSE_TABLE"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		SMTP: SMTPConfig{
			Host:       v.GetString("SMTP_HOST"),
			Port:       v.GetInt("SMTP_PORT"),
			From:       v.GetString("SMTP_FROM"),
			User:       v.GetString("SMTP_USER"),
			Password:   v.GetString("SMTP_PASSWORD"),
			Timeout:    v.GetDuration("SMTP_TIMEOUT"),
			SendGrid:   v.GetBool("SMTP_SENDGRID"),
			RetryAfter: v.GetDuration("SMTP_RETRY_AFTER"),
			RetryMax:   v.GetInt("SMTP_RETRY_MAX"),
			Domain:     v.GetString("DOMAIN"),
		},

		Classify: ClassifyConfig{
			InjectionURL: v.GetString("CLASSIFY_INJECTION_URL"),
			TopicsURL:    v.GetString("CLASSIFY_TOPICS_URL"),
			Timeout:      v.GetDuration("CLASSIFY_TIMEOUT"),
		},

		Budget: BudgetConfig{
			CachePath: v.GetString("BUDGET_CACHE_PATH"),
			CacheTTL:  v.GetDuration("BUDGET_CACHE_TTL"),
		},

		ResponseWithSpend: v.GetBool("RESPONSE_WITH_SPEND"),
		ProviderTimeout:   v.GetDuration("PROVIDER_TIMEOUT"),
		CORSOrigins:       v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as
// defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Store.Path == "" {
		return fmt.Errorf("config: STORE_PATH must not be empty")
	}
	if c.Budget.CachePath == "" {
		return fmt.Errorf("config: BUDGET_CACHE_PATH must not be empty")
	}
	if c.Budget.CacheTTL <= 0 {
		return fmt.Errorf("config: BUDGET_CACHE_TTL must be a positive duration")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("config: PROVIDER_TIMEOUT must be a positive duration")
	}
	if c.SMTP.RetryMax < 1 {
		return fmt.Errorf("config: SMTP_RETRY_MAX must be ≥ 1, got %d", c.SMTP.RetryMax)
	}

	return nil
}

// MailEnabled reports whether the mail dispatcher should run.
func (c *Config) MailEnabled() bool {
	return c.SMTP.Host != "" && c.SMTP.From != ""
}

// loadDotEnv populates process env vars from a .env file when present.
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
