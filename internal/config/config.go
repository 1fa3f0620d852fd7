package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models dockyard.yml.
type Config struct {
	Hub struct {
		ID  string `yaml:"id"`
		URL string `yaml:"url"`
	} `yaml:"hub"`
	Terminals []TerminalConfig `yaml:"terminals"`
	Polling   struct {
		FallbackIntervalMinutes int `yaml:"fallback_interval_minutes"`
		DefaultIntervalMinutes  int `yaml:"default_interval_minutes"`
	} `yaml:"polling"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// TerminalConfig seeds the terminal registry at startup. Terminals can also
// register themselves at runtime through the API.
type TerminalConfig struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	Endpoint string `yaml:"endpoint"`
	Secret   string `yaml:"secret"`
}

// WebhookConfig configures outbound event delivery.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with 'dy init'", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Hub.ID == "" {
		return fmt.Errorf("config.hub.id is required")
	}
	seen := map[string]bool{}
	for _, t := range c.Terminals {
		if t.Name == "" {
			return fmt.Errorf("config.terminals contains a terminal with empty name")
		}
		if t.Endpoint == "" {
			return fmt.Errorf("terminal %s has empty endpoint", t.Name)
		}
		key := t.Name + "/" + t.Version
		if seen[key] {
			return fmt.Errorf("terminal %s declared twice", key)
		}
		seen[key] = true
	}
	if c.Polling.FallbackIntervalMinutes < 0 {
		return fmt.Errorf("config.polling.fallback_interval_minutes must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// FallbackInterval returns the retry interval (minutes) used after a
// terminal that last answered successfully stops answering.
func (c *Config) FallbackInterval() int {
	if c.Polling.FallbackIntervalMinutes > 0 {
		return c.Polling.FallbackIntervalMinutes
	}
	return 10
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dockyard.yml")
}

// Default returns the default Config struct for a hub id.
func Default(hubID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, hubID)), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(hubID string) string {
	return fmt.Sprintf(defaultTemplate, hubID)
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

const defaultTemplate = `hub:
  id: %s
  url: http://localhost:8080

terminals: []

polling:
  fallback_interval_minutes: 10
  default_interval_minutes: 5

webhooks: []
`
