// Package config defines the daemon's configuration file format and
// its loader.
package config

import (
	"fmt"
	"time"

	"github.com/stewardlabs/steward/internal/logger"
	"github.com/stewardlabs/steward/pkg/risk"
)

// ProviderConfig configures one model provider profile.
type ProviderConfig struct {
	Name     string `json:"name" mapstructure:"name"` // "anthropic" or "openai"
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// AgentConfig tunes the conversational loop.
type AgentConfig struct {
	Model           string `json:"model" mapstructure:"model"`
	SystemPrompt    string `json:"system_prompt" mapstructure:"system_prompt"`
	MaxTokens       int    `json:"max_tokens" mapstructure:"max_tokens"`
	MaxIterations   int    `json:"max_iterations" mapstructure:"max_iterations"`
	PreviewLimit    int    `json:"preview_limit" mapstructure:"preview_limit"`
	DefaultAutonomy string `json:"default_autonomy" mapstructure:"default_autonomy"`
}

// RetryConfig tunes tool execution retries.
type RetryConfig struct {
	MaxRetries int           `json:"max_retries" mapstructure:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay" mapstructure:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay" mapstructure:"max_delay"`
	RetryOn    []string      `json:"retry_on" mapstructure:"retry_on"`
}

// StoreConfig locates the database and tunes the session cache.
type StoreConfig struct {
	DBPath          string        `json:"db_path" mapstructure:"db_path"`
	CacheTTL        time.Duration `json:"cache_ttl" mapstructure:"cache_ttl"`
	JanitorSchedule string        `json:"janitor_schedule" mapstructure:"janitor_schedule"`
}

// GatewayConfig configures the HTTP surface.
type GatewayConfig struct {
	Addr         string `json:"addr" mapstructure:"addr"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// ToolsConfig tunes tool execution.
type ToolsConfig struct {
	Timeout       time.Duration `json:"timeout" mapstructure:"timeout"`
	BlacklistPath string        `json:"blacklist_path" mapstructure:"blacklist_path"`
	WorkspaceRoot string        `json:"workspace_root" mapstructure:"workspace_root"`
	EnableExec    bool          `json:"enable_exec" mapstructure:"enable_exec"`
}

// Config is the full daemon configuration.
type Config struct {
	DataDir   string            `json:"data_dir" mapstructure:"data_dir"`
	Logging   logger.Config     `json:"logging" mapstructure:"logging"`
	Gateway   GatewayConfig     `json:"gateway" mapstructure:"gateway"`
	Providers []ProviderConfig  `json:"providers" mapstructure:"providers"`
	Agent     AgentConfig       `json:"agent" mapstructure:"agent"`
	Retry     RetryConfig       `json:"retry" mapstructure:"retry"`
	Store     StoreConfig       `json:"store" mapstructure:"store"`
	Tools     ToolsConfig       `json:"tools" mapstructure:"tools"`
	RiskTable map[string]string `json:"risk_table" mapstructure:"risk_table"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Logging: logger.Config{
			Level:     "info",
			Console:   true,
			Redaction: true,
		},
		Gateway: GatewayConfig{
			Addr: "127.0.0.1:8170",
		},
		Agent: AgentConfig{
			Model:           "claude-sonnet-4-20250514",
			MaxTokens:       4096,
			MaxIterations:   10,
			PreviewLimit:    500,
			DefaultAutonomy: "supervised",
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  time.Second,
			MaxDelay:   30 * time.Second,
		},
		Store: StoreConfig{
			CacheTTL:        24 * time.Hour,
			JanitorSchedule: "@hourly",
		},
		Tools: ToolsConfig{
			Timeout: 2 * time.Minute,
		},
		RiskTable: map[string]string{},
	}
}

// Validate checks the parts that cannot be defaulted.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	for i, p := range c.Providers {
		if p.Name != "anthropic" && p.Name != "openai" {
			return fmt.Errorf("provider %d: unknown provider %q", i, p.Name)
		}
		if p.APIKey == "" {
			return fmt.Errorf("provider %d (%s): api_key is required", i, p.Name)
		}
	}
	if c.Gateway.SharedSecret == "" {
		return fmt.Errorf("gateway.shared_secret is required")
	}
	if _, err := risk.ParseAutonomy(c.Agent.DefaultAutonomy); err != nil {
		return fmt.Errorf("agent.default_autonomy: %w", err)
	}
	for tool, level := range c.RiskTable {
		if _, err := risk.ParseLevel(level); err != nil {
			return fmt.Errorf("risk_table[%s]: %w", tool, err)
		}
	}
	return nil
}

// RiskLevels converts the configured risk table to typed levels.
func (c *Config) RiskLevels() (map[string]risk.Level, error) {
	out := make(map[string]risk.Level, len(c.RiskTable))
	for tool, name := range c.RiskTable {
		level, err := risk.ParseLevel(name)
		if err != nil {
			return nil, fmt.Errorf("risk_table[%s]: %w", tool, err)
		}
		out[tool] = level
	}
	return out, nil
}
