package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"riskline/internal/domain"
)

const (
	TieBreakStepLast   = "step_completion_last"
	TieBreakEntityLast = "entity_update_last"
)

// Config models riskline.yml.
type Config struct {
	Actor struct {
		Default string `yaml:"default"`
	} `yaml:"actor"`
	Justification struct {
		// Statuses maps a kind to the statuses that need a reason when entered.
		Statuses map[string][]string `yaml:"statuses"`
	} `yaml:"justification"`
	Steps struct {
		LockCompleted *bool `yaml:"lock_completed"`
	} `yaml:"steps"`
	Waterfall struct {
		TieBreak string `yaml:"tie_break"`
	} `yaml:"waterfall"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Actor.Default) == "" {
		return fmt.Errorf("config.actor.default is required")
	}
	for kindName, statuses := range c.Justification.Statuses {
		kind, err := domain.ParseKind(kindName)
		if err != nil {
			return fmt.Errorf("config.justification.statuses: %w", err)
		}
		for _, s := range statuses {
			if !kind.HasStatus(s) {
				return fmt.Errorf("config.justification.statuses.%s: unknown status %s", kind, s)
			}
		}
	}
	switch c.Waterfall.TieBreak {
	case "", TieBreakStepLast, TieBreakEntityLast:
	default:
		return fmt.Errorf("config.waterfall.tie_break must be %s or %s", TieBreakStepLast, TieBreakEntityLast)
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q invalid", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format %q invalid", c.Log.Format)
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

// RequiresStatusReason reports whether entering status on kind needs a reason.
// Kinds absent from the config fall back to their built-in sensitive statuses.
func (c *Config) RequiresStatusReason(kind domain.Kind, status string) bool {
	if c != nil {
		if statuses, ok := c.Justification.Statuses[string(kind)]; ok {
			return slices.Contains(statuses, status)
		}
	}
	return slices.Contains(kind.JustifiedStatuses(), status)
}

// LockCompletedSteps defaults to true.
func (c *Config) LockCompletedSteps() bool {
	if c == nil || c.Steps.LockCompleted == nil {
		return true
	}
	return *c.Steps.LockCompleted
}

func (c *Config) TieBreak() string {
	if c == nil || c.Waterfall.TieBreak == "" {
		return TieBreakStepLast
	}
	return c.Waterfall.TieBreak
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "riskline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections
// keep their defaults.
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

const defaultTemplate = `actor:
  default: local-user

justification:
  statuses:
    risk: [accepted, closed, realized]
    issue: [resolved, closed]
    opportunity: [defer, reject, realized]

steps:
  lock_completed: true

waterfall:
  tie_break: step_completion_last

server:
  addr: 127.0.0.1:8080
  base_path: /v1

log:
  level: info
  format: text
`
