package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SEARCHNODE_INSTALL_ROOT", "/srv/engine")
	t.Setenv("SEARCHNODE_DOCUMENT_PATH", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("API_PORT", "9090")
	t.Setenv("SEARCHNODE_START_TIMEOUT", "2m")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/srv/engine", cfg.InstallRoot)
	assert.Equal(t, "/srv/engine/searchnode.jsonc", cfg.DocumentPath)
	assert.Equal(t, 9090, cfg.APIPort)
	assert.Equal(t, 2*time.Minute, cfg.Process.StartTimeout)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestMalformedValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("API_PORT", "eighty")
	t.Setenv("SEARCHNODE_STOP_WAIT", "soon")
	t.Setenv("LOG_LEVEL", "chatty")

	cfg := LoadWithDefaults()
	assert.Equal(t, 8080, cfg.APIPort)
	assert.Equal(t, 30*time.Second, cfg.Process.StopWait)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"no install root", func(c *Config) { c.InstallRoot = "" }, "SEARCHNODE_INSTALL_ROOT"},
		{"no store", func(c *Config) { c.DocumentPath = ""; c.DatabaseDSN = "" }, "DATABASE_URL"},
		{"zero start timeout", func(c *Config) { c.Process.StartTimeout = 0 }, "SEARCHNODE_START_TIMEOUT"},
		{"poll above timeout", func(c *Config) { c.Process.PollInterval = 2 * c.Process.StartTimeout }, "SEARCHNODE_POLL_INTERVAL"},
		{"bad port", func(c *Config) { c.APIPort = 70000 }, "API_PORT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadWithDefaults()
			cfg.InstallRoot = "/srv/engine"
			cfg.DocumentPath = "/srv/engine/searchnode.jsonc"
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
