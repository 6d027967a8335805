// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	API       APIConfig       `mapstructure:"api"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	DB        DBConfig        `mapstructure:"db"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Events    EventsConfig    `mapstructure:"events"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// APIConfig configures the upstream police API client.
type APIConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// RateLimitConfig sizes the global token bucket shared by all workers.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// RetryConfig configures upstream retry behavior.
type RetryConfig struct {
	MaxAttemptsRateLimited int `mapstructure:"max_attempts_rate_limited"`
	MaxAttemptsTransient   int `mapstructure:"max_attempts_transient"`
	BackoffInitialMs       int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs           int `mapstructure:"backoff_max_ms"`
}

// IngestConfig governs run scope and parallelism.
type IngestConfig struct {
	Forces            []string `mapstructure:"forces"`
	Concurrency       int      `mapstructure:"concurrency"`
	StaleClaimMinutes int      `mapstructure:"stale_claim_minutes"`
	HorizonMonths     int      `mapstructure:"horizon_months"`
}

// DBConfig controls access to the relational database. Provider "memory"
// runs without Postgres, for local smoke runs and tests.
type DBConfig struct {
	Provider     string `mapstructure:"provider"`
	DSN          string `mapstructure:"dsn"`
	RecordsTable string `mapstructure:"records_table"`
	MaxConns     int    `mapstructure:"max_conns"`
}

// ArchiveConfig selects where raw payloads are retained.
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// EventsConfig holds metadata for publish-subscribe notifications.
type EventsConfig struct {
	Provider     string `mapstructure:"provider"`
	ProjectID    string `mapstructure:"project_id"`
	RunTopic     string `mapstructure:"run_topic"`
	FailureTopic string `mapstructure:"failure_topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STOPSEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("api.base_url", "https://data.police.uk/api")
	v.SetDefault("api.timeout_seconds", 30)
	v.SetDefault("api.user_agent", "stopsearch-ingest/0.1")
	v.SetDefault("ratelimit.rps", 10.0)
	v.SetDefault("ratelimit.burst", 10)
	v.SetDefault("retry.max_attempts_rate_limited", 5)
	v.SetDefault("retry.max_attempts_transient", 3)
	v.SetDefault("retry.backoff_initial_ms", 250)
	v.SetDefault("retry.backoff_max_ms", 30000)
	v.SetDefault("ingest.concurrency", 4)
	v.SetDefault("ingest.stale_claim_minutes", 60)
	v.SetDefault("ingest.horizon_months", 36)
	v.SetDefault("db.provider", "postgres")
	v.SetDefault("db.records_table", "stop_searches")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("events.provider", "none")
	v.SetDefault("events.run_topic", "stopsearch-runs")
	v.SetDefault("events.failure_topic", "stopsearch-failures")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.API.TimeoutSeconds <= 0 {
		return fmt.Errorf("api.timeout_seconds must be > 0")
	}
	if c.RateLimit.RPS <= 0 {
		return fmt.Errorf("ratelimit.rps must be > 0")
	}
	if c.Ingest.Concurrency <= 0 {
		return fmt.Errorf("ingest.concurrency must be > 0")
	}
	if c.Ingest.StaleClaimMinutes <= 0 {
		return fmt.Errorf("ingest.stale_claim_minutes must be > 0")
	}
	switch c.DB.Provider {
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.provider is postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("db.provider must be postgres or memory, got %q", c.DB.Provider)
	}
	switch c.Archive.Provider {
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set when archive.provider is gcs")
		}
	case "local":
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.local_dir must be set when archive.provider is local")
		}
	case "none":
	default:
		return fmt.Errorf("archive.provider must be gcs, local, or none, got %q", c.Archive.Provider)
	}
	switch c.Events.Provider {
	case "pubsub":
		if c.Events.ProjectID == "" {
			return fmt.Errorf("events.project_id must be set when events.provider is pubsub")
		}
	case "memory", "none":
	default:
		return fmt.Errorf("events.provider must be pubsub, memory, or none, got %q", c.Events.Provider)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// APITimeout converts the configured client timeout into a duration.
func (c Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

// StaleClaimAge converts the stale-claim threshold into a duration.
func (c Config) StaleClaimAge() time.Duration {
	return time.Duration(c.Ingest.StaleClaimMinutes) * time.Minute
}

// BackoffInitial converts the initial backoff into a duration.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.Retry.BackoffInitialMs) * time.Millisecond
}

// BackoffMax converts the backoff ceiling into a duration.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.Retry.BackoffMaxMs) * time.Millisecond
}
