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
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	Workers WorkersConfig `mapstructure:"workers"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Sweeper SweeperConfig `mapstructure:"sweeper"`
	Storage StorageConfig `mapstructure:"storage"`
	Tokens  TokensConfig  `mapstructure:"tokens"`
	Runner  RunnerConfig  `mapstructure:"runner"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// JobsConfig governs job lifecycle and admission rules.
type JobsConfig struct {
	TTLSeconds   int      `mapstructure:"ttl_seconds"`
	AllowedHosts []string `mapstructure:"allowed_hosts"`
	LogReadLimit int      `mapstructure:"log_read_limit"`
}

// WorkersConfig sizes the execution pool.
type WorkersConfig struct {
	Max int `mapstructure:"max"`
}

// QueueConfig bounds job admission.
type QueueConfig struct {
	Limit int `mapstructure:"limit"`
}

// SweeperConfig controls expired-job reclamation.
type SweeperConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
}

// StorageConfig sets where job workspaces and archives live.
type StorageConfig struct {
	Dir string `mapstructure:"dir"`
}

// TokensConfig selects and configures the durable download token store.
type TokensConfig struct {
	Store       string `mapstructure:"store"`
	Secret      string `mapstructure:"secret"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// RunnerConfig tunes the mirror pipeline.
type RunnerConfig struct {
	UserAgent             string `mapstructure:"user_agent"`
	ResolveTimeoutSeconds int    `mapstructure:"resolve_timeout_seconds"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
	MaxDepth              int    `mapstructure:"max_depth"`
	Parallelism           int    `mapstructure:"parallelism"`
	MinArchiveBytes       int64  `mapstructure:"min_archive_bytes"`
}

// NotifyConfig holds completion notification settings.
type NotifyConfig struct {
	Provider  string `mapstructure:"provider"`
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
	v.SetEnvPrefix("RIPPERD")
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
	v.SetDefault("server.timeout_seconds", 30)
	v.SetDefault("jobs.ttl_seconds", 3600)
	v.SetDefault("jobs.log_read_limit", 500)
	v.SetDefault("workers.max", 2)
	v.SetDefault("queue.limit", 4)
	v.SetDefault("sweeper.interval_seconds", 15)
	v.SetDefault("storage.dir", "./data/jobs")
	v.SetDefault("tokens.store", "sqlite")
	// Empty defaults keep env-only keys visible to Unmarshal.
	v.SetDefault("tokens.secret", "")
	v.SetDefault("tokens.sqlite_path", "./data/tokens.db")
	v.SetDefault("tokens.postgres_dsn", "")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("jobs.allowed_hosts", []string{})
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic_name", "")
	v.SetDefault("runner.user_agent", "")
	v.SetDefault("runner.resolve_timeout_seconds", 45)
	v.SetDefault("runner.request_timeout_seconds", 30)
	v.SetDefault("runner.max_depth", 5)
	v.SetDefault("runner.parallelism", 4)
	v.SetDefault("runner.min_archive_bytes", 100*1024)
	v.SetDefault("notify.provider", "none")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Workers.Max <= 0 {
		return fmt.Errorf("workers.max must be > 0")
	}
	if c.Queue.Limit <= 0 {
		return fmt.Errorf("queue.limit must be > 0")
	}
	if c.Jobs.TTLSeconds <= 0 {
		return fmt.Errorf("jobs.ttl_seconds must be > 0")
	}
	if c.Storage.Dir == "" {
		return fmt.Errorf("storage.dir must be set")
	}
	if c.Tokens.Secret == "" {
		return fmt.Errorf("tokens.secret must be set")
	}
	switch c.Tokens.Store {
	case "sqlite":
		if c.Tokens.SQLitePath == "" {
			return fmt.Errorf("tokens.sqlite_path must be set for the sqlite store")
		}
	case "postgres":
		if c.Tokens.PostgresDSN == "" {
			return fmt.Errorf("tokens.postgres_dsn must be set for the postgres store")
		}
	case "memory":
	default:
		return fmt.Errorf("tokens.store must be one of sqlite, postgres, memory")
	}
	switch c.Notify.Provider {
	case "none":
	case "pubsub":
		if c.Notify.ProjectID == "" || c.Notify.TopicName == "" {
			return fmt.Errorf("notify.project_id and notify.topic_name must be set for pubsub")
		}
	default:
		return fmt.Errorf("notify.provider must be one of none, pubsub")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// JobTTL returns the lifecycle TTL as a duration.
func (c Config) JobTTL() time.Duration {
	return time.Duration(c.Jobs.TTLSeconds) * time.Second
}

// SweepInterval returns the sweeper cadence as a duration.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Sweeper.IntervalSeconds) * time.Second
}

// ServerTimeout returns the per-request timeout as a duration.
func (c Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}
