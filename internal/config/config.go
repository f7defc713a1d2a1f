package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"escrowline/internal/domain"
)

// Config models escrowline.yml.
type Config struct {
	Escrow struct {
		Currency string `yaml:"currency"`
	} `yaml:"escrow"`
	// Arbitrators lists identities allowed to resolve disputes. A weak list
	// here weakens dispute resolution for the whole deployment; the engine
	// itself never checks eligibility.
	Arbitrators []string        `yaml:"arbitrators"`
	Webhooks    []WebhookConfig `yaml:"webhooks"`
	Auth        struct {
		AllowLegacyActorHeader bool `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it or run with defaults via 'el serve --init-config'", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Escrow.Currency == "" {
		return fmt.Errorf("config.escrow.currency is required")
	}
	for i, id := range c.Arbitrators {
		if id == "" {
			return fmt.Errorf("config.arbitrators[%d] is empty", i)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// ArbitratorIdentities converts the configured list for the authorizer.
func (c *Config) ArbitratorIdentities() []domain.Identity {
	res := make([]domain.Identity, 0, len(c.Arbitrators))
	for _, id := range c.Arbitrators {
		res = append(res, domain.Identity(id))
	}
	return res
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "escrowline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `escrow:
  # Display currency for CLI output; amounts are stored in minor units.
  currency: USD

# Identities permitted to resolve disputes. Tokens carrying the arbitrator
# role claim are also accepted.
arbitrators: []

webhooks: []

auth:
  allow_legacy_actor_header: false
`
