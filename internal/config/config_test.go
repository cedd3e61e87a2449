package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardlabs/steward/pkg/risk"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Providers = []ProviderConfig{{Name: "anthropic", APIKey: "key", Priority: 0}}
	cfg.Gateway.SharedSecret = "secret"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)
	assert.Equal(t, 24*time.Hour, cfg.Store.CacheTTL)
	assert.Equal(t, "supervised", cfg.Agent.DefaultAutonomy)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no providers", func(c *Config) { c.Providers = nil }, "at least one provider"},
		{"unknown provider", func(c *Config) { c.Providers[0].Name = "grok" }, "unknown provider"},
		{"missing api key", func(c *Config) { c.Providers[0].APIKey = "" }, "api_key is required"},
		{"missing secret", func(c *Config) { c.Gateway.SharedSecret = "" }, "shared_secret"},
		{"bad autonomy", func(c *Config) { c.Agent.DefaultAutonomy = "yolo" }, "default_autonomy"},
		{"bad risk level", func(c *Config) { c.RiskTable = map[string]string{"x": "scary"} }, "risk_table"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			}
		})
	}
}

func TestRiskLevels(t *testing.T) {
	cfg := validConfig()
	cfg.RiskTable = map[string]string{
		"read_file": "read_only",
		"deploy":    "critical",
	}

	levels, err := cfg.RiskLevels()
	require.NoError(t, err)
	assert.Equal(t, risk.ReadOnly, levels["read_file"])
	assert.Equal(t, risk.Critical, levels["deploy"])
}

func TestLoaderMissingFileUsesDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "nope.json"))

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NotEmpty(t, cfg.Store.DBPath)
	assert.NotEmpty(t, cfg.Tools.BlacklistPath)
}

func TestLoaderReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "steward.json")

	raw := map[string]interface{}{
		"data_dir": dir,
		"gateway":  map[string]interface{}{"addr": "127.0.0.1:9999", "shared_secret": "s3"},
		"agent":    map[string]interface{}{"model": "test-model"},
		"risk_table": map[string]string{
			"read_file": "read_only",
		},
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.Gateway.Addr)
	assert.Equal(t, "s3", cfg.Gateway.SharedSecret)
	assert.Equal(t, "test-model", cfg.Agent.Model)
	assert.Equal(t, filepath.Join(dir, "steward.db"), cfg.Store.DBPath)
	// Defaults survive partial files.
	assert.Equal(t, 10, cfg.Agent.MaxIterations)
}
