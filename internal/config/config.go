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
	Workers   WorkersConfig   `mapstructure:"workers"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	DB        DBConfig        `mapstructure:"db"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// WorkersConfig governs the worker fan-out over the queue.
type WorkersConfig struct {
	Count int `mapstructure:"count"`
}

// PoolConfig bounds the browser session pool.
type PoolConfig struct {
	MaxSessions        int `mapstructure:"max_sessions"`
	SessionMaxJobs     int `mapstructure:"session_max_jobs"`
	SessionMaxAgeSec   int `mapstructure:"session_max_age_seconds"`
	AcquireTimeoutSec  int `mapstructure:"acquire_timeout_seconds"`
	RecycleIntervalSec int `mapstructure:"recycle_interval_seconds"`
}

// ExecutorConfig controls per-attempt execution.
type ExecutorConfig struct {
	JobTimeoutSec  int    `mapstructure:"job_timeout_seconds"`
	ArtifactPrefix string `mapstructure:"artifact_prefix"`
}

// RetryConfig governs the retry supervisor.
type RetryConfig struct {
	BaseBackoffMs      int `mapstructure:"base_backoff_ms"`
	MaxBackoffMs       int `mapstructure:"max_backoff_ms"`
	MaxAttemptsDefault int `mapstructure:"max_attempts_default"`
	QuarantineAfter    int `mapstructure:"quarantine_after"`
}

// BrowserConfig selects and tunes the session factory.
type BrowserConfig struct {
	Provider         string `mapstructure:"provider"`
	UserAgent        string `mapstructure:"user_agent"`
	NavigationWaitMs int    `mapstructure:"navigation_wait_ms"`
}

// DBConfig controls the result store backend.
type DBConfig struct {
	Provider        string `mapstructure:"provider"`
	DSN             string `mapstructure:"dsn"`
	MaxConns        int    `mapstructure:"max_conns"`
	MinConns        int    `mapstructure:"min_conns"`
	ConnLifetimeSec int    `mapstructure:"conn_lifetime_seconds"`
}

// ArtifactsConfig controls where captures are written.
type ArtifactsConfig struct {
	Provider  string `mapstructure:"provider"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// PubSubConfig holds metadata for terminal job event notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BROWSERMILL")
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
	v.SetDefault("workers.count", 4)
	v.SetDefault("pool.max_sessions", 4)
	v.SetDefault("pool.session_max_jobs", 50)
	v.SetDefault("pool.session_max_age_seconds", 1800)
	v.SetDefault("pool.acquire_timeout_seconds", 30)
	v.SetDefault("pool.recycle_interval_seconds", 60)
	v.SetDefault("executor.job_timeout_seconds", 120)
	v.SetDefault("executor.artifact_prefix", "captures")
	v.SetDefault("retry.base_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.max_attempts_default", 3)
	v.SetDefault("retry.quarantine_after", 3)
	v.SetDefault("browser.provider", "chromedp")
	v.SetDefault("browser.user_agent", "browsermill-bot/0.1")
	v.SetDefault("browser.navigation_wait_ms", 500)
	v.SetDefault("db.provider", "memory")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_seconds", 1800)
	v.SetDefault("artifacts.provider", "memory")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be > 0")
	}
	if c.Pool.MaxSessions <= 0 {
		return fmt.Errorf("pool.max_sessions must be > 0")
	}
	if c.Executor.JobTimeoutSec <= 0 {
		return fmt.Errorf("executor.job_timeout_seconds must be > 0")
	}
	if c.Retry.BaseBackoffMs <= 0 || c.Retry.MaxBackoffMs < c.Retry.BaseBackoffMs {
		return fmt.Errorf("retry.base_backoff_ms must be > 0 and <= retry.max_backoff_ms")
	}
	if c.Retry.MaxAttemptsDefault <= 0 {
		return fmt.Errorf("retry.max_attempts_default must be > 0")
	}
	switch c.Browser.Provider {
	case "chromedp", "noop":
	default:
		return fmt.Errorf("browser.provider must be chromedp or noop, got %q", c.Browser.Provider)
	}
	switch c.DB.Provider {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.provider is postgres")
		}
	default:
		return fmt.Errorf("db.provider must be memory or postgres, got %q", c.DB.Provider)
	}
	switch c.Artifacts.Provider {
	case "memory":
	case "local":
		if c.Artifacts.BaseDir == "" {
			return fmt.Errorf("artifacts.base_dir must be set when artifacts.provider is local")
		}
	case "gcs":
		if c.Artifacts.GCSBucket == "" {
			return fmt.Errorf("artifacts.gcs_bucket must be set when artifacts.provider is gcs")
		}
	default:
		return fmt.Errorf("artifacts.provider must be memory, local, or gcs, got %q", c.Artifacts.Provider)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	return nil
}

// JobTimeout returns the per-attempt execution budget.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Executor.JobTimeoutSec) * time.Second
}

// AcquireTimeout returns how long a worker waits for a session.
func (c Config) AcquireTimeout() time.Duration {
	return time.Duration(c.Pool.AcquireTimeoutSec) * time.Second
}

// BaseBackoff returns the first retry delay.
func (c Config) BaseBackoff() time.Duration {
	return time.Duration(c.Retry.BaseBackoffMs) * time.Millisecond
}

// MaxBackoff returns the retry delay cap.
func (c Config) MaxBackoff() time.Duration {
	return time.Duration(c.Retry.MaxBackoffMs) * time.Millisecond
}
