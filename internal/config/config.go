// Package config handles Loopgate configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Loop budget defaults. MaxIterations has no natural value and is
// expected to be tuned per deployment.
const (
	DefaultMaxIterations        = 10
	DefaultMaxContextTokens     = 20_000
	DefaultMaxBatchResultTokens = 40_000
	DefaultBatchSize            = 4
	DefaultInterBatchDelay      = 500 * time.Millisecond
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/loopgate/config.yaml, /etc/loopgate/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "loopgate", "config.yaml"))
	}

	paths = append(paths, "/etc/loopgate/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Loopgate configuration.
type Config struct {
	Listen    ListenConfig     `yaml:"listen"`
	Providers []ProviderConfig `yaml:"providers"`
	Models    ModelsConfig     `yaml:"models"`
	Loop      LoopConfig       `yaml:"loop"`
	Workspace WorkspaceConfig  `yaml:"workspace"`
	ShellExec ShellExecConfig  `yaml:"shell_exec"`
	MQTT      MQTTConfig       `yaml:"mqtt"`
	DataDir   string           `yaml:"data_dir"`
	LogLevel  string           `yaml:"log_level"`
	LogFormat string           `yaml:"log_format"` // text, json, color
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ProviderConfig describes one model backend.
type ProviderConfig struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"` // openai, ollama, anthropic
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// TimeoutSec bounds a single HTTP exchange with the backend,
	// streamed or not. Zero leaves calls bounded only by the request
	// context.
	TimeoutSec int `yaml:"timeout_sec"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`
}

// LoopConfig holds the feedback loop budget.
type LoopConfig struct {
	MaxIterations        int           `yaml:"max_iterations"`
	MaxContextTokens     int           `yaml:"max_context_tokens"`
	MaxBatchResultTokens int           `yaml:"max_batch_result_tokens"`
	BatchSize            int           `yaml:"batch_size"`
	InterBatchDelay      time.Duration `yaml:"inter_batch_delay"`
	SystemPrompt         string        `yaml:"system_prompt"`
	// TokenCounter fills in usage when a backend omits it: "tiktoken"
	// (BPE counts, fetches encodings on first use) or "chars".
	TokenCounter string `yaml:"token_counter"`
}

// WorkspaceConfig defines the sandbox for file tools.
type WorkspaceConfig struct {
	// Path is the root directory for file operations.
	// If empty, file tools are disabled.
	Path string `yaml:"path"`
}

// ShellExecConfig defines shell execution capabilities.
type ShellExecConfig struct {
	// Enabled allows shell command execution. Disabled by default.
	Enabled           bool     `yaml:"enabled"`
	WorkingDir        string   `yaml:"working_dir"`
	DeniedPatterns    []string `yaml:"denied_patterns"`
	DefaultTimeoutSec int      `yaml:"default_timeout_sec"`
}

// MQTTConfig configures loop event export to an MQTT broker.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientName  string `yaml:"client_name"`
	// StatusIntervalSec is how often the retained status document is
	// refreshed.
	StatusIntervalSec int `yaml:"status_interval_sec"`
	// EventKinds limits which loop events are forwarded. Empty means
	// all of them.
	EventKinds []string `yaml:"event_kinds"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file and fills in defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration that talks to a local Ollama.
func Default() *Config {
	cfg := &Config{
		Providers: []ProviderConfig{
			{Name: "ollama", Kind: "ollama", BaseURL: "http://localhost:11434"},
		},
		Models: ModelsConfig{
			Default: "qwen3:4b",
			Available: []ModelConfig{
				{Name: "qwen3:4b", Provider: "ollama"},
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Loop.MaxIterations <= 0 {
		c.Loop.MaxIterations = DefaultMaxIterations
	}
	if c.Loop.MaxContextTokens <= 0 {
		c.Loop.MaxContextTokens = DefaultMaxContextTokens
	}
	if c.Loop.MaxBatchResultTokens <= 0 {
		c.Loop.MaxBatchResultTokens = DefaultMaxBatchResultTokens
	}
	if c.Loop.BatchSize <= 0 {
		c.Loop.BatchSize = DefaultBatchSize
	}
	// A negative delay disables pacing and is kept as is.
	if c.Loop.InterBatchDelay == 0 {
		c.Loop.InterBatchDelay = DefaultInterBatchDelay
	}
	if c.Loop.TokenCounter == "" {
		c.Loop.TokenCounter = "tiktoken"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "loopgate"
	}
	if c.MQTT.ClientName == "" {
		c.MQTT.ClientName = "loopgate"
	}
	if c.MQTT.StatusIntervalSec <= 0 {
		c.MQTT.StatusIntervalSec = 60
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
}

// Validate checks cross-field constraints that defaults cannot fix.
func (c *Config) Validate() error {
	var errs []error

	names := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: name is required", i))
			continue
		}
		if names[p.Name] {
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name))
		}
		names[p.Name] = true
		switch p.Kind {
		case "openai", "ollama", "anthropic":
		default:
			errs = append(errs, fmt.Errorf("provider %q: unknown kind %q (valid: openai, ollama, anthropic)", p.Name, p.Kind))
		}
	}
	if len(c.Providers) == 0 {
		errs = append(errs, errors.New("at least one provider is required"))
	}

	for _, m := range c.Models.Available {
		if !names[m.Provider] {
			errs = append(errs, fmt.Errorf("model %q: unknown provider %q", m.Name, m.Provider))
		}
	}

	switch c.Loop.TokenCounter {
	case "tiktoken", "chars":
	default:
		errs = append(errs, fmt.Errorf("unknown loop.token_counter %q (valid: tiktoken, chars)", c.Loop.TokenCounter))
	}

	switch c.LogFormat {
	case "text", "json", "color":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json, color)", c.LogFormat))
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ModelByName returns the configured model entry, if any.
func (c *Config) ModelByName(name string) (ModelConfig, bool) {
	for _, m := range c.Models.Available {
		if m.Name == name {
			return m, true
		}
	}
	return ModelConfig{}, false
}
