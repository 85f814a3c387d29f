// Package config loads and validates the DittoCache configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DITTOCACHE_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete DittoCache configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains daemon-wide settings
	Server ServerConfig `mapstructure:"server"`

	// Cache configures the cache core
	Cache CacheConfig `mapstructure:"cache"`

	// Index configures the persistent entry index
	Index IndexConfig `mapstructure:"index"`

	// GC configures background garbage collection
	GC GCConfig `mapstructure:"gc"`

	// Metrics configures Prometheus metrics collection
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Source configures the optional warm-up source
	Source SourceConfig `mapstructure:"source"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig contains daemon-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`
}

// CacheConfig configures the cache core.
type CacheConfig struct {
	// Root is the directory cache files live under, named by their
	// key's encoded hash
	Root string `mapstructure:"root" validate:"required"`
}

// IndexConfig configures the persistent entry index.
type IndexConfig struct {
	// Enabled turns the index on. Without it, entries do not survive a
	// restart.
	Enabled bool `mapstructure:"enabled"`

	// Path is the directory of the index database
	// Required when Enabled is true
	Path string `mapstructure:"path"`
}

// GCConfig configures background garbage collection.
type GCConfig struct {
	// Enabled turns the background collector on
	Enabled bool `mapstructure:"enabled"`

	// Interval is how often to sweep
	Interval time.Duration `mapstructure:"interval" validate:"gte=0"`

	// MinIdle is how long an entry must go unaccessed before it becomes
	// a collection candidate
	MinIdle time.Duration `mapstructure:"min_idle" validate:"gte=0"`
}

// MetricsConfig configures Prometheus metrics collection.
type MetricsConfig struct {
	// Enabled turns metrics collection and the /metrics HTTP endpoint on
	Enabled bool `mapstructure:"enabled"`

	// Port is the TCP port of the metrics HTTP server
	Port int `mapstructure:"port" validate:"gte=0,lte=65535"`
}

// SourceConfig specifies the warm-up source configuration.
//
// The Type field determines which source implementation is used.
// Only the corresponding type-specific configuration section is used.
type SourceConfig struct {
	// Type specifies which source to use
	// Valid values: none, s3
	Type string `mapstructure:"type" validate:"required,oneof=none s3"`

	// S3 contains S3-specific configuration
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file
// settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the DITTOCACHE_ prefix and underscores
	// Example: DITTOCACHE_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DITTOCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is acceptable - use defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittocache")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "dittocache")
}
