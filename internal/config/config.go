// Package config defines all configuration for the autopilot. Config is
// loaded from a JSON file with sensitive fields overridable via NEARAP_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"near-autopilot/internal/policy"
)

// ErrInvalid tags every validation failure; errors.Is(err, ErrInvalid)
// distinguishes bad config from unreadable config.
var ErrInvalid = errors.New("invalid config")

// Config is the top-level configuration. Maps directly to the JSON file
// structure.
type Config struct {
	AgentID          string           `mapstructure:"agentId"`
	Market           MarketConfig     `mapstructure:"market"`
	Policy           policy.Overrides `mapstructure:"policy"`
	State            StateConfig      `mapstructure:"state"`
	NearPriceUsd     float64          `mapstructure:"nearPriceUsd"`
	SubmitSigningKey string           `mapstructure:"submitSigningKey"`
	SubmitSignerID   string           `mapstructure:"submitSignerId"`
	Artifact         ArtifactConfig   `mapstructure:"artifact"`
	Logging          LoggingConfig    `mapstructure:"logging"`
	Dashboard        DashboardConfig  `mapstructure:"dashboard"`
	TickIntervalMs   int              `mapstructure:"tickIntervalMs"`
}

// MarketConfig holds the marketplace endpoint and auth.
type MarketConfig struct {
	BaseURL    string      `mapstructure:"baseUrl"`
	APIKey     string      `mapstructure:"apiKey"`
	AuthHeader string      `mapstructure:"authHeader"`
	TimeoutMs  int         `mapstructure:"timeoutMs"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig tunes the market client's linear-backoff retry.
type RetryConfig struct {
	Attempts  int `mapstructure:"attempts"`
	BackoffMs int `mapstructure:"backoffMs"`
}

// StateConfig selects the persistent store driver.
type StateConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// ArtifactConfig points at the upstream deliverable producer. An empty
// BaseURL means no HTTP provider; one must be injected by the caller.
type ArtifactConfig struct {
	BaseURL   string `mapstructure:"baseUrl"`
	TimeoutMs int    `mapstructure:"timeoutMs"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the read-only web dashboard.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a JSON file with env var overrides. Sensitive
// fields use env vars: NEARAP_API_KEY, NEARAP_SIGNING_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("NEARAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("NEARAP_API_KEY"); key != "" {
		cfg.Market.APIKey = key
	}
	if key := os.Getenv("NEARAP_SIGNING_KEY"); key != "" {
		cfg.SubmitSigningKey = key
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges. Policy overrides
// are resolved separately via policy.Resolve.
func (c *Config) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("%w: agentId is required", ErrInvalid)
	}
	if c.Market.BaseURL == "" {
		return fmt.Errorf("%w: market.baseUrl is required", ErrInvalid)
	}
	if c.Market.TimeoutMs < 0 {
		return fmt.Errorf("%w: market.timeoutMs must be >= 0", ErrInvalid)
	}
	if c.Market.Retry.Attempts < 0 || c.Market.Retry.BackoffMs < 0 {
		return fmt.Errorf("%w: market.retry values must be >= 0", ErrInvalid)
	}
	switch c.State.Driver {
	case "", "file", "sqlite":
	default:
		return fmt.Errorf("%w: state.driver must be \"file\" or \"sqlite\"", ErrInvalid)
	}
	if c.State.Path == "" {
		return fmt.Errorf("%w: state.path is required", ErrInvalid)
	}
	if c.NearPriceUsd < 0 {
		return fmt.Errorf("%w: nearPriceUsd must be >= 0", ErrInvalid)
	}
	if c.SubmitSigningKey != "" && c.SubmitSignerID == "" {
		return fmt.Errorf("%w: submitSignerId is required when submitSigningKey is set", ErrInvalid)
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("%w: dashboard.port must be a valid TCP port", ErrInvalid)
	}
	if c.TickIntervalMs < 0 {
		return fmt.Errorf("%w: tickIntervalMs must be >= 0", ErrInvalid)
	}
	if _, err := policy.Resolve(c.Policy); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// StateDriver returns the configured driver, defaulting to "file".
func (c *Config) StateDriver() string {
	if c.State.Driver == "" {
		return "file"
	}
	return c.State.Driver
}
