package config

import (
	"strings"
	"time"
)

// Default values applied to any configuration field left unset.
const (
	DefaultLogLevel        = "INFO"
	DefaultLogOutput       = "stdout"
	DefaultShutdownTimeout = 30 * time.Second
	DefaultGCInterval      = time.Hour
	DefaultGCMinIdle       = 24 * time.Hour
	DefaultMetricsPort     = 9090
	DefaultSourceType      = "none"
)

// ApplyDefaults fills in defaults for any missing values and normalizes
// fields (log level to uppercase).
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)

	if cfg.Logging.Output == "" {
		cfg.Logging.Output = DefaultLogOutput
	}

	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.GC.Interval == 0 {
		cfg.GC.Interval = DefaultGCInterval
	}
	if cfg.GC.MinIdle == 0 {
		cfg.GC.MinIdle = DefaultGCMinIdle
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = DefaultMetricsPort
	}

	if cfg.Source.Type == "" {
		cfg.Source.Type = DefaultSourceType
	}
}
