package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Martian-dev/trace-crm/internal/sync"
)

// EnvPrefix prefixes every environment override, e.g. TRACE_DATABASE_DSN
const EnvPrefix = "TRACE"

// Config holds all configuration for the application
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Google    OAuthConfig     `mapstructure:"google"`
	Microsoft MicrosoftConfig `mapstructure:"microsoft"`
	Sync      SyncConfig      `mapstructure:"sync"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig selects the store backend: sqlite (modernc), sqlite3 (mattn) or postgres
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type AuthConfig struct {
	JWKSURL string `mapstructure:"jwks_url"`
	Issuer  string `mapstructure:"issuer"`
}

// NATSConfig enables outbox publishing when URL is set
type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Stream string `mapstructure:"stream"`
}

type OAuthConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url"`
}

type MicrosoftConfig struct {
	OAuthConfig `mapstructure:",squash"`
	Tenant      string `mapstructure:"tenant"`
}

// SyncConfig tunes sync runs
type SyncConfig struct {
	FirstSyncWindow    time.Duration `mapstructure:"first_sync_window"`
	MaxPages           int           `mapstructure:"max_pages"`
	PageSize           int           `mapstructure:"page_size"`
	TokenRefreshMargin time.Duration `mapstructure:"token_refresh_margin"`
	LeaseTTL           time.Duration `mapstructure:"lease_ttl"`
	PollInterval       time.Duration `mapstructure:"poll_interval"` // 0 disables the poller
	PollConcurrency    int           `mapstructure:"poll_concurrency"`
	RequestsPerSecond  float64       `mapstructure:"requests_per_second"`
	BreakerTimeout     time.Duration `mapstructure:"breaker_timeout"`
}

// Fetcher returns the fetcher settings
func (s SyncConfig) Fetcher() sync.FetcherConfig {
	return sync.FetcherConfig{
		FirstSyncWindow:   s.FirstSyncWindow,
		MaxPages:          s.MaxPages,
		PageSize:          s.PageSize,
		RequestsPerSecond: s.RequestsPerSecond,
		BreakerTimeout:    s.BreakerTimeout,
	}
}

// SetDefaults registers every key so that env overrides are picked up
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "data/trace.db")
	v.SetDefault("auth.jwks_url", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.stream", "CRM_EVENTS")
	v.SetDefault("google.client_id", "")
	v.SetDefault("google.client_secret", "")
	v.SetDefault("google.redirect_url", "")
	v.SetDefault("microsoft.client_id", "")
	v.SetDefault("microsoft.client_secret", "")
	v.SetDefault("microsoft.redirect_url", "")
	v.SetDefault("microsoft.tenant", "common")
	v.SetDefault("sync.first_sync_window", "720h")
	v.SetDefault("sync.max_pages", 10)
	v.SetDefault("sync.page_size", 100)
	v.SetDefault("sync.token_refresh_margin", "60s")
	v.SetDefault("sync.lease_ttl", "10m")
	v.SetDefault("sync.poll_interval", "0s")
	v.SetDefault("sync.poll_concurrency", 4)
	v.SetDefault("sync.requests_per_second", 5.0)
	v.SetDefault("sync.breaker_timeout", "60s")
}

// Load reads configuration from v: defaults, then the config file if one was
// read, then TRACE_* environment variables
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite", "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite, sqlite3 or postgres, got %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}

	s := c.Sync
	if s.FirstSyncWindow <= 0 {
		errs = append(errs, errors.New("sync.first_sync_window must be positive"))
	}
	if s.MaxPages <= 0 {
		errs = append(errs, errors.New("sync.max_pages must be positive"))
	}
	if s.PageSize <= 0 || s.PageSize > 500 {
		errs = append(errs, errors.New("sync.page_size must be between 1 and 500"))
	}
	if s.TokenRefreshMargin < 0 {
		errs = append(errs, errors.New("sync.token_refresh_margin must not be negative"))
	}
	if s.LeaseTTL < 3*time.Second {
		errs = append(errs, errors.New("sync.lease_ttl must be at least 3s"))
	}
	if s.PollInterval < 0 {
		errs = append(errs, errors.New("sync.poll_interval must not be negative"))
	}
	if s.PollInterval > 0 && s.PollConcurrency <= 0 {
		errs = append(errs, errors.New("sync.poll_concurrency must be positive when polling"))
	}
	if s.RequestsPerSecond <= 0 {
		errs = append(errs, errors.New("sync.requests_per_second must be positive"))
	}

	return errors.Join(errs...)
}
