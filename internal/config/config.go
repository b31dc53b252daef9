package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models stagegate.yml: the org's ladder definition plus the runtime
// knobs for jobs and the idempotency guard.
type Config struct {
	Org struct {
		Slug string `yaml:"slug"`
		Name string `yaml:"name"`
	} `yaml:"org"`
	Ladder struct {
		Stages []StageConfig `yaml:"stages"`
	} `yaml:"ladder"`
	Jobs struct {
		TimeoutSeconds int `yaml:"timeout_seconds"`
	} `yaml:"jobs"`
	Idempotency struct {
		TTLHours int `yaml:"ttl_hours"`
	} `yaml:"idempotency"`
}

type StageConfig struct {
	Name               string `yaml:"name"`
	OrderIndex         int    `yaml:"order_index"`
	RiskLevel          string `yaml:"risk_level"`
	RequiresApproval   bool   `yaml:"requires_approval"`
	ApprovalType       string `yaml:"approval_type,omitempty"`
	UseCaseRefRequired bool   `yaml:"use_case_ref_required,omitempty"`
}

// JobTimeout returns the configured per-job execution ceiling.
func (c *Config) JobTimeout() time.Duration {
	if c.Jobs.TimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Jobs.TimeoutSeconds) * time.Second
}

// IdempotencyTTL returns how long a recorded response replays before a
// retry executes fresh.
func (c *Config) IdempotencyTTL() time.Duration {
	if c.Idempotency.TTLHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Idempotency.TTLHours) * time.Hour
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with sg org config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
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
	if c.Org.Slug == "" {
		return fmt.Errorf("config.org.slug is required")
	}
	if len(c.Ladder.Stages) == 0 {
		return fmt.Errorf("config.ladder.stages is required; an unguarded single environment must be configured explicitly")
	}
	names := make(map[string]bool, len(c.Ladder.Stages))
	orders := make(map[int]bool, len(c.Ladder.Stages))
	for _, s := range c.Ladder.Stages {
		if s.Name == "" {
			return fmt.Errorf("config.ladder.stages contains empty stage name")
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate stage name %s", s.Name)
		}
		names[s.Name] = true
		if orders[s.OrderIndex] {
			return fmt.Errorf("duplicate stage order_index %d", s.OrderIndex)
		}
		orders[s.OrderIndex] = true
		if s.RequiresApproval && s.ApprovalType == "" {
			return fmt.Errorf("stage %s requires approval but declares no approval_type", s.Name)
		}
		switch s.RiskLevel {
		case "low", "medium", "high", "critical":
		default:
			return fmt.Errorf("stage %s has unknown risk_level %q", s.Name, s.RiskLevel)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stagegate.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgSlug string) string {
	return fmt.Sprintf(defaultTemplate, orgSlug)
}

// Default returns the default Config struct for an org.
func Default(orgSlug string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, orgSlug))).Decode(&cfg)
	return &cfg
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

const defaultTemplate = `org:
  slug: %s
  name: Default Org

ladder:
  stages:
    - name: dev
      order_index: 0
      risk_level: low

    - name: staging
      order_index: 1
      risk_level: medium
      requires_approval: true
      approval_type: peer

    - name: prod
      order_index: 2
      risk_level: high
      requires_approval: true
      approval_type: security
      use_case_ref_required: true

jobs:
  timeout_seconds: 300

idempotency:
  ttl_hours: 24
`
