package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models planloom.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id"`
	} `yaml:"project"`
	Limits struct {
		MaxParallelAgents int    `yaml:"max_parallel_agents"`
		SubagentPolicy    string `yaml:"subagent_policy"`
	} `yaml:"limits"`
	Stakes struct {
		DefaultLoops map[string]int `yaml:"default_loops"`
	} `yaml:"stakes"`
	Reward struct {
		Target  int            `yaml:"target"`
		Weights map[string]int `yaml:"weights"`
	} `yaml:"reward"`
	Truth struct {
		Mode             string   `yaml:"mode"`
		Checks           []string `yaml:"checks"`
		RequiredCommands []string `yaml:"required_commands"`
	} `yaml:"truth"`
	Runner struct {
		Command        []string `yaml:"command"`
		MaxWalltimeSec int      `yaml:"max_walltime_sec"`
	} `yaml:"runner"`
	Server struct {
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

// Settings carries process-boundary overrides (environment, flags) translated
// once at startup and passed explicitly into each subsystem.
type Settings struct {
	// MaxParallelAgents overrides the project concurrency cap when positive.
	MaxParallelAgents int
	// SubagentPolicy overrides the project policy when nonempty.
	SubagentPolicy string
	// NoSubagents forces the policy off regardless of other settings.
	NoSubagents bool
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Limits.MaxParallelAgents < 0 {
		return fmt.Errorf("config.limits.max_parallel_agents must not be negative")
	}
	if c.Reward.Target < 0 || c.Reward.Target > 100 {
		return fmt.Errorf("config.reward.target must be within 0..100")
	}
	for name, w := range c.Reward.Weights {
		if w < 0 {
			return fmt.Errorf("reward weight %s must not be negative", name)
		}
	}
	switch c.Truth.Mode {
	case "", "strict", "off":
	default:
		return fmt.Errorf("config.truth.mode must be strict or off")
	}
	for stakes, loops := range c.Stakes.DefaultLoops {
		if loops <= 0 {
			return fmt.Errorf("stakes %s default loop budget must be positive", stakes)
		}
	}
	return nil
}

// Path returns the config file path for a project root.
func Path(root string) string {
	if root == "" {
		root = "."
	}
	return filepath.Join(root, "planloom.yml")
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
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

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(root string) (*Config, error) {
	data, err := os.ReadFile(Path(root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Load reads config from a project root, falling back to defaults seeded with
// the project plan's id when planloom.yml is absent.
func Load(root, fallbackProjectID string) (*Config, error) {
	cfg, err := LoadOptional(root)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(fallbackProjectID), nil
	}
	return cfg, nil
}

const defaultTemplate = `project:
  id: %s

limits:
  max_parallel_agents: 3
  subagent_policy: parallel

stakes:
  default_loops:
    low: 2
    normal: 3
    high: 5
    critical: 7

reward:
  target: 80
  weights:
    acceptance: 20
    outputs: 20
    verification_plan: 10
    evidence: 10
    hygiene: 10
    tracker_dashboard: 10
    lessons: 5
    execution_logs: 10
    github_parity: 5

truth:
  mode: strict
  checks:
    - exists_nonempty
    - freshness
    - required_command_logged
    - verification_consistency
  required_commands: []

runner:
  command: [codex, exec]
  max_walltime_sec: 0

server:
  base_path: /v0
`
