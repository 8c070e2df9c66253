// Package config loads schedrun configuration from TOML files and
// SCHEDRUN_* environment variables using viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete process configuration
type Config struct {
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Log       LogConfig       `mapstructure:"log"`
}

// RedisConfig addresses the Redis instance shared by the queue and the concurrency counter
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseConfig selects the relational store holding execution records
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // "sqlite" or "postgres"
	DSN    string `mapstructure:"dsn"`
}

// QueueConfig bounds the worker pool as a whole
type QueueConfig struct {
	Concurrency        int           `mapstructure:"concurrency"`           // global worker ceiling
	StartRatePerMinute int           `mapstructure:"start_rate_per_minute"` // job starts per rolling minute
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

// AdmissionConfig bounds a single user
type AdmissionConfig struct {
	UserMaxConcurrent int           `mapstructure:"user_max_concurrent"`
	CounterTTL        time.Duration `mapstructure:"counter_ttl"`
	DeferDelay        time.Duration `mapstructure:"defer_delay"`
}

// SnapshotConfig selects where frozen workflow snapshots are stored
type SnapshotConfig struct {
	Backend  string `mapstructure:"backend"` // "memory" or "s3"
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"` // optional S3-compatible endpoint
}

// LogConfig configures zap output
type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "schedrun.db")

	v.SetDefault("queue.concurrency", 10)
	v.SetDefault("queue.start_rate_per_minute", 100)
	v.SetDefault("queue.shutdown_timeout", 30*time.Second)

	v.SetDefault("admission.user_max_concurrent", 3)
	v.SetDefault("admission.counter_ttl", 2*time.Hour) // well past the longest workflow run
	v.SetDefault("admission.defer_delay", 10*time.Second)

	v.SetDefault("snapshot.backend", "memory")
	v.SetDefault("snapshot.prefix", "schedules")

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}

// New returns a viper instance with defaults, env binding and any config
// files found. An explicit path takes precedence over the search locations.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("SCHEDRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		return v, nil
	}

	// Precedence (lowest to highest): system < project < env vars
	for _, candidate := range []string{"/etc/schedrun/config.toml", "schedrun.toml"} {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		v.SetConfigFile(candidate)
		v.SetConfigType("toml")
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to merge config file %s: %w", candidate, err)
		}
	}
	return v, nil
}

// Load reads the configuration
func Load(path string) (*Config, error) {
	v, err := New(path)
	if err != nil {
		return nil, err
	}
	return LoadWithViper(v)
}

// LoadWithViper unmarshals and validates configuration from a prepared viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with
func (c *Config) Validate() error {
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be positive, got %d", c.Queue.Concurrency)
	}
	if c.Queue.StartRatePerMinute <= 0 {
		return fmt.Errorf("queue.start_rate_per_minute must be positive, got %d", c.Queue.StartRatePerMinute)
	}
	if c.Admission.UserMaxConcurrent <= 0 {
		return fmt.Errorf("admission.user_max_concurrent must be positive, got %d", c.Admission.UserMaxConcurrent)
	}
	if c.Admission.CounterTTL <= 0 || c.Admission.DeferDelay <= 0 {
		return fmt.Errorf("admission.counter_ttl and admission.defer_delay must be positive")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database.driver %q (want sqlite or postgres)", c.Database.Driver)
	}
	switch c.Snapshot.Backend {
	case "memory":
	case "s3":
		if c.Snapshot.Bucket == "" {
			return fmt.Errorf("snapshot.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unsupported snapshot.backend %q (want memory or s3)", c.Snapshot.Backend)
	}
	return nil
}
