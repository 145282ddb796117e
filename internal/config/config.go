package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models bountyline.yml.
type Config struct {
	Currency struct {
		Default string `yaml:"default"`
	} `yaml:"currency"`
	CodeHost struct {
		RepoRef string `yaml:"repo_ref"`
	} `yaml:"code_host"`
	Breakers map[string]BreakerSettings `yaml:"breakers"`
	Health   struct {
		IntervalSeconds int `yaml:"interval_seconds"`
		TimeoutSeconds  int `yaml:"timeout_seconds"`
	} `yaml:"health"`
	Reconcile struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"reconcile"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
}

type BreakerSettings struct {
	FailureThreshold       uint32 `yaml:"failure_threshold"`
	RecoveryTimeoutSeconds int    `yaml:"recovery_timeout_seconds"`
	HalfOpenMaxCalls       uint32 `yaml:"half_open_max_calls"`
}

func (b BreakerSettings) RecoveryTimeout() time.Duration {
	return time.Duration(b.RecoveryTimeoutSeconds) * time.Second
}

// Default returns the seed configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Currency.Default = "XLM"
	cfg.Breakers = map[string]BreakerSettings{
		"ledger":   {FailureThreshold: 5, RecoveryTimeoutSeconds: 60, HalfOpenMaxCalls: 3},
		"codehost": {FailureThreshold: 5, RecoveryTimeoutSeconds: 60, HalfOpenMaxCalls: 3},
		"ai":       {FailureThreshold: 5, RecoveryTimeoutSeconds: 60, HalfOpenMaxCalls: 3},
	}
	cfg.Health.IntervalSeconds = 300
	cfg.Health.TimeoutSeconds = 10
	cfg.Reconcile.IntervalSeconds = 300
	return cfg
}

// Path returns the config path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".bountyline", "bountyline.yml")
}

// Load reads and validates config from workspace, falling back to defaults
// when no file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Currency.Default {
	case "XLM", "USDC":
	default:
		return fmt.Errorf("config.currency.default must be XLM or USDC, got %q", c.Currency.Default)
	}
	for name, b := range c.Breakers {
		if b.FailureThreshold == 0 {
			return fmt.Errorf("config.breakers.%s.failure_threshold must be positive", name)
		}
		if b.RecoveryTimeoutSeconds <= 0 {
			return fmt.Errorf("config.breakers.%s.recovery_timeout_seconds must be positive", name)
		}
		if b.HalfOpenMaxCalls == 0 {
			return fmt.Errorf("config.breakers.%s.half_open_max_calls must be positive", name)
		}
	}
	if c.Health.IntervalSeconds <= 0 {
		return fmt.Errorf("config.health.interval_seconds must be positive")
	}
	if c.Health.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.health.timeout_seconds must be positive")
	}
	if c.Reconcile.IntervalSeconds <= 0 {
		return fmt.Errorf("config.reconcile.interval_seconds must be positive")
	}
	return nil
}
