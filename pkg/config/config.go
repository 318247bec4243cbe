// Package config provides environment-based configuration for searchnode.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the node manager.
type Config struct {
	// InstallRoot is the search-engine installation directory. Nodes live
	// under <InstallRoot>/nodes/<name>.
	InstallRoot string

	// RuntimeHome is the runtime (JVM) home exported to start scripts.
	RuntimeHome string

	// ServiceUser is the unprivileged account nodes run as.
	ServiceUser string

	// DocumentPath is the JSONC file backing the key/value document store.
	DocumentPath string

	// DatabaseDSN selects the PostgreSQL document store when set.
	DatabaseDSN string

	// Server configuration
	APIPort int
	APIHost string

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration

	// StatsWebhook is notified when indices statistics go stale. Empty
	// means notifications are only logged.
	StatsWebhook string

	LogLevel slog.Level

	// Process controller configuration
	Process ProcessConfig
}

// ProcessConfig holds the bounds used by start/stop polling.
type ProcessConfig struct {
	StartTimeout time.Duration
	PollInterval time.Duration
	StopGrace    time.Duration
	StopWait     time.Duration
	ProbeTimeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := LoadWithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required configuration values are set.
func (c *Config) Validate() error {
	if c.InstallRoot == "" {
		return fmt.Errorf("SEARCHNODE_INSTALL_ROOT is required")
	}
	if c.DatabaseDSN == "" && c.DocumentPath == "" {
		return fmt.Errorf("either DATABASE_URL or SEARCHNODE_DOCUMENT_PATH is required")
	}
	if c.Process.StartTimeout <= 0 {
		return fmt.Errorf("SEARCHNODE_START_TIMEOUT must be positive, got %v", c.Process.StartTimeout)
	}
	if c.Process.PollInterval <= 0 || c.Process.PollInterval > c.Process.StartTimeout {
		return fmt.Errorf("SEARCHNODE_POLL_INTERVAL must be positive and below the start timeout, got %v", c.Process.PollInterval)
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("API_PORT must be a valid port, got %d", c.APIPort)
	}
	return nil
}

// LoadWithDefaults loads configuration with defaults for development.
// It does not validate required fields, useful for testing.
func LoadWithDefaults() *Config {
	installRoot := getEnv("SEARCHNODE_INSTALL_ROOT", "/opt/searchengine")
	return &Config{
		InstallRoot:     installRoot,
		RuntimeHome:     getEnv("SEARCHNODE_RUNTIME_HOME", os.Getenv("JAVA_HOME")),
		ServiceUser:     getEnv("SEARCHNODE_SERVICE_USER", "searchengine"),
		DocumentPath:    getEnv("SEARCHNODE_DOCUMENT_PATH", installRoot+"/searchnode.jsonc"),
		DatabaseDSN:     getEnv("DATABASE_URL", ""),
		APIPort:         getIntEnv("API_PORT", 8080),
		APIHost:         getEnv("API_HOST", "127.0.0.1"),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		StatsWebhook:    getEnv("SEARCHNODE_STATS_WEBHOOK", ""),
		LogLevel:        getLevelEnv("LOG_LEVEL", slog.LevelInfo),
		Process: ProcessConfig{
			StartTimeout: getDurationEnv("SEARCHNODE_START_TIMEOUT", 90*time.Second),
			PollInterval: getDurationEnv("SEARCHNODE_POLL_INTERVAL", time.Second),
			StopGrace:    getDurationEnv("SEARCHNODE_STOP_GRACE", 10*time.Second),
			StopWait:     getDurationEnv("SEARCHNODE_STOP_WAIT", 30*time.Second),
			ProbeTimeout: getDurationEnv("SEARCHNODE_PROBE_TIMEOUT", 2*time.Second),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getLevelEnv(key string, defaultValue slog.Level) slog.Level {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return defaultValue
	}
	return level
}
