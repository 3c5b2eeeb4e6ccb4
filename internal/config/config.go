package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Database      Database      `yaml:"database"`
	Providers     Providers     `yaml:"providers"`
	Analysis      Analysis      `yaml:"analysis"`
	Notifications Notifications `yaml:"notifications"`
	Intake        Intake        `yaml:"intake"`
	Server        Server        `yaml:"server"`
	Logging       Logging       `yaml:"logging"`
}

type Database struct {
	Path string `yaml:"path"`
}

// Providers configures the AI backends and how one is chosen per analysis.
type Providers struct {
	// Selection is "ordered" (first available in Order) or "cheapest".
	Selection string       `yaml:"selection"`
	Order     []string     `yaml:"order"`
	MaxTokens int          `yaml:"max_tokens"`
	Ollama    OllamaConfig `yaml:"ollama"`
	OpenAI    OpenAIConfig `yaml:"openai"`
}

type OllamaConfig struct {
	URL   string `yaml:"url"`
	Model string `yaml:"model"`
}

type OpenAIConfig struct {
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
	// CostPer1KTokens feeds the "cheapest" selection policy.
	CostPer1KTokens float64 `yaml:"cost_per_1k_tokens"`
}

// Analysis configures the orchestrator, its worker pool and decision policies.
type Analysis struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
	// SaturationPolicy is "block" or "caller_runs".
	SaturationPolicy string `yaml:"saturation_policy"`
	Retry            Retry  `yaml:"retry"`
	// ParseFallback is "lenient" or "strict".
	ParseFallback      string  `yaml:"parse_fallback"`
	FallbackConfidence float64 `yaml:"fallback_confidence"`
	// LowConfidencePolicy is "escalate" or "block".
	LowConfidencePolicy string  `yaml:"low_confidence_policy"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

type Retry struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseInterval   time.Duration `yaml:"base_interval"`
	Multiplier     float64       `yaml:"multiplier"`
	MaxInterval    time.Duration `yaml:"max_interval"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

type Notifications struct {
	WebhookURL     string        `yaml:"webhook_url"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
	RelayInterval  time.Duration `yaml:"relay_interval"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BatchSize      int           `yaml:"batch_size"`
}

// Intake configures the authoring helpers that create drafts.
type Intake struct {
	Feeds        []Feed        `yaml:"feeds"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// Feed is a team RSS/Atom feed whose entries become weekly report drafts.
type Feed struct {
	URL   string `yaml:"url"`
	Name  string `yaml:"name"`
	Owner string `yaml:"owner"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for reviewflow.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "reviewflow")
}

// DataDir returns the XDG data directory for reviewflow.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "reviewflow")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/reviewflow/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'reviewflow init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// Default returns the configuration used when no file overrides anything.
func Default() *Config {
	return &Config{
		Providers: Providers{
			Selection: "ordered",
			Order:     []string{"ollama", "openai"},
			MaxTokens: 768,
			Ollama: OllamaConfig{
				URL:   "http://localhost:11434",
				Model: "qwen2.5:7b",
			},
			OpenAI: OpenAIConfig{
				BaseURL:         "https://api.openai.com/v1",
				Model:           "gpt-4o-mini",
				APIKeyEnv:       "OPENAI_API_KEY",
				CostPer1KTokens: 0.0006,
			},
		},
		Analysis: Analysis{
			Workers:          4,
			QueueSize:        64,
			SaturationPolicy: "block",
			Retry: Retry{
				MaxAttempts:    3,
				BaseInterval:   2 * time.Second,
				Multiplier:     2.0,
				MaxInterval:    30 * time.Second,
				AttemptTimeout: 90 * time.Second,
			},
			ParseFallback:       "lenient",
			FallbackConfidence:  0.3,
			LowConfidencePolicy: "escalate",
			ConfidenceThreshold: 0.6,
		},
		Notifications: Notifications{
			WebhookTimeout: 5 * time.Second,
			RelayInterval:  15 * time.Second,
			MaxAttempts:    5,
			BatchSize:      50,
		},
		Intake:  Intake{FetchTimeout: 15 * time.Second},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "INFO"},
	}
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects policy values the pipeline does not understand.
func (c *Config) Validate() error {
	switch c.Providers.Selection {
	case "ordered", "cheapest":
	default:
		return fmt.Errorf("providers.selection: unknown policy %q", c.Providers.Selection)
	}
	switch c.Analysis.SaturationPolicy {
	case "block", "caller_runs":
	default:
		return fmt.Errorf("analysis.saturation_policy: unknown policy %q", c.Analysis.SaturationPolicy)
	}
	switch c.Analysis.ParseFallback {
	case "lenient", "strict":
	default:
		return fmt.Errorf("analysis.parse_fallback: unknown policy %q", c.Analysis.ParseFallback)
	}
	switch c.Analysis.LowConfidencePolicy {
	case "escalate", "block":
	default:
		return fmt.Errorf("analysis.low_confidence_policy: unknown policy %q", c.Analysis.LowConfidencePolicy)
	}
	if t := c.Analysis.ConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("analysis.confidence_threshold must be within [0, 1], got %v", t)
	}
	if c.Analysis.Retry.MaxAttempts < 1 {
		return fmt.Errorf("analysis.retry.max_attempts must be at least 1")
	}
	if c.Analysis.Workers < 1 {
		return fmt.Errorf("analysis.workers must be at least 1")
	}
	return nil
}

// GetDatabasePath returns the effective database path from config or XDG default.
func (c *Config) GetDatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(DataDir(), "reviewflow.db")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
