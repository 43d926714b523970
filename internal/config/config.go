package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models sambi.yml.
type Config struct {
	Fees struct {
		// ApplicationFee is charged per submission, in minor units. Zero
		// disables the fee step entirely.
		ApplicationFee int64 `yaml:"application_fee"`
		// PlatformPercent is withheld from the escrow release (0..100).
		PlatformPercent int `yaml:"platform_percent"`
	} `yaml:"fees"`
	Gateway struct {
		Mode           string `yaml:"mode"` // simulated or live
		BaseURL        string `yaml:"base_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		// ReconcileSeconds is how often pending ledger rows are swept for
		// expiry. Pending rows older than TimeoutSeconds are marked failed.
		ReconcileSeconds int `yaml:"reconcile_seconds"`
	} `yaml:"gateway"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

const (
	GatewaySimulated = "simulated"
	GatewayLive      = "live"
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Fees.ApplicationFee < 0 {
		return fmt.Errorf("config.fees.application_fee must not be negative")
	}
	if c.Fees.PlatformPercent < 0 || c.Fees.PlatformPercent > 100 {
		return fmt.Errorf("config.fees.platform_percent must be between 0 and 100")
	}
	switch c.Gateway.Mode {
	case GatewaySimulated:
	case GatewayLive:
		if c.Gateway.BaseURL == "" {
			return fmt.Errorf("config.gateway.base_url is required in live mode")
		}
	default:
		return fmt.Errorf("config.gateway.mode must be 'simulated' or 'live'")
	}
	if c.Gateway.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.gateway.timeout_seconds must be positive")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// GatewayTimeout returns the callback deadline as a duration.
func (c *Config) GatewayTimeout() time.Duration {
	return time.Duration(c.Gateway.TimeoutSeconds) * time.Second
}

// ReconcileInterval returns how often the reconciler sweeps pending rows.
func (c *Config) ReconcileInterval() time.Duration {
	if c.Gateway.ReconcileSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Gateway.ReconcileSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "sambi.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the workspace has no sambi.yml.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `fees:
  application_fee: 0
  platform_percent: 10

gateway:
  mode: simulated
  base_url: ""
  timeout_seconds: 900
  reconcile_seconds: 30

webhooks: []
`
