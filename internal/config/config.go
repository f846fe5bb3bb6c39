// Package config provides configuration management for Flowgate.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like DATABASE_URL, LOG_LEVEL)
// 3. Default values
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Workflows  WorkflowsConfig  `mapstructure:"workflows"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	River      RiverConfig      `mapstructure:"river"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
}

// DatabaseConfig contains PostgreSQL connection settings. One pool is
// shared by the journal, snapshot and relation stores and by River.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// EngineConfig contains transition validator settings.
type EngineConfig struct {
	// LockTimeout bounds per-entity lock acquisition before BUSY.
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// WorkflowsConfig locates the workflow definition file.
type WorkflowsConfig struct {
	Path string `mapstructure:"path"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	GeneralPoolSize    int `mapstructure:"general_pool_size"`
	ProjectionPoolSize int `mapstructure:"projection_pool_size"`
}

// RiverConfig contains River Queue settings.
type RiverConfig struct {
	MaxWorkers                  int           `mapstructure:"max_workers"`
	CompletedJobRetentionPeriod time.Duration `mapstructure:"completed_job_retention_period"`
}

// ReconcilerConfig contains drift reconciliation settings.
type ReconcilerConfig struct {
	// Interval between periodic drift sweeps over all kinds.
	Interval time.Duration `mapstructure:"interval"`

	// Repair controls whether detected drift is repaired from the journal
	// or only reported.
	Repair bool `mapstructure:"repair"`
}

// Load reads configuration from file and environment variables.
// Standard environment variables without prefix: nested config maps as
// database.max_conns -> DATABASE_MAX_CONNS.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/flowgate")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file is optional, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	if c.Workflows.Path == "" {
		return fmt.Errorf("workflows.path must not be empty")
	}
	if c.Engine.LockTimeout <= 0 {
		return fmt.Errorf("engine.lock_timeout must be positive")
	}
	if c.Reconciler.Interval < time.Second {
		return fmt.Errorf("reconciler.interval must be at least 1s")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Database
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "flowgate")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "flowgate")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 50)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.auto_migrate", false)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Engine
	v.SetDefault("engine.lock_timeout", "3s")

	// Workflows
	v.SetDefault("workflows.path", "workflows.yaml")

	// Worker Pool
	v.SetDefault("worker.general_pool_size", 50)
	v.SetDefault("worker.projection_pool_size", 20)

	// River
	v.SetDefault("river.max_workers", 10)
	v.SetDefault("river.completed_job_retention_period", "24h")

	// Reconciler
	v.SetDefault("reconciler.interval", "5m")
	v.SetDefault("reconciler.repair", true)
}
