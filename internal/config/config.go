// Package config handles loading and validating runbox configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for runbox.
type Config struct {
	Workspace string          `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Workspace root. Default: ~/.runbox/workspace. Override: RUNBOX_WORKSPACE env var.
	Policy    string          `json:"policy,omitempty" yaml:"policy,omitempty"`       // Policy file path. Default: <workspace>/policy.yaml. Override: RUNBOX_POLICY env var.
	Session   SessionConfig   `json:"session" yaml:"session"`
	Sandbox   SandboxConfig   `json:"sandbox" yaml:"sandbox"`
	Providers ProvidersConfig `json:"providers" yaml:"providers"`
	Metrics   *MetricsConfig  `json:"metrics,omitempty" yaml:"metrics,omitempty"` // nil = exposition disabled
	Log       LogConfig       `json:"log" yaml:"log"`
}

// SessionConfig bounds the retry loop.
type SessionConfig struct {
	MaxAttempts int  `json:"max_attempts" yaml:"max_attempts"` // Total plan attempts per session. 0 = 4.
	NoCache     bool `json:"no_cache" yaml:"no_cache"`         // Skip artifact cache lookup and commit.
	NoInstall   bool `json:"no_install" yaml:"no_install"`     // Drop install-intent operations from plans.
}

// SandboxConfig sets fallback resource limits for operations whose policy
// rule leaves a limit unset.
type SandboxConfig struct {
	MaxMemoryMB         int  `json:"max_memory_mb" yaml:"max_memory_mb"`                 // Default: 2048.
	MaxCPUSeconds       int  `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`             // Default: 300.
	MaxExecutionSeconds int  `json:"max_execution_seconds" yaml:"max_execution_seconds"` // Wall clock. Default: 300.
	NetworkAllowed      bool `json:"network_allowed" yaml:"network_allowed"`             // Base stance; policy rules still decide per command.
}

type ProvidersConfig struct {
	Default   string          `json:"default" yaml:"default"`                       // "anthropic", "openai", "ollama". Empty = "anthropic".
	Fallback  []string        `json:"fallback,omitempty" yaml:"fallback,omitempty"` // Fallback providers tried in order when default fails.
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
	OpenAI    OpenAIConfig    `json:"openai" yaml:"openai"`
	Ollama    OllamaConfig    `json:"ollama" yaml:"ollama"`
}

type AnthropicConfig struct {
	APIKey string `json:"api_key" yaml:"api_key"`
	Model  string `json:"model" yaml:"model"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://api.openai.com.
}

// OllamaConfig points at a local OpenAI-compatible endpoint; no key needed.
type OllamaConfig struct {
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to http://localhost:11434.
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"` // Default: ":9090".
	Path    string `json:"path" yaml:"path"` // Default: "/metrics".
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // "debug", "info", "warn", "error". Default: "info".
	Format string `json:"format" yaml:"format"` // "text" or "json". Default: "text".
}

// DefaultConfigPath returns the default config file path (~/.runbox/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/runbox.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".runbox", "config.yaml")
}

// Default returns a usable configuration without any config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Provider API keys can be set in the config file or
// overridden by environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnv applies environment variable overrides. Env vars take precedence
// over config file values.
func (c *Config) applyEnv() {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		c.Providers.Anthropic.APIKey = envKey
	}
	if envKey := os.Getenv("OPENAI_API_KEY"); envKey != "" {
		c.Providers.OpenAI.APIKey = envKey
	}
	if envWS := os.Getenv("RUNBOX_WORKSPACE"); envWS != "" {
		c.Workspace = envWS
	}
	if envPolicy := os.Getenv("RUNBOX_POLICY"); envPolicy != "" {
		c.Policy = envPolicy
	}
	if envProvider := os.Getenv("RUNBOX_PROVIDER"); envProvider != "" {
		c.Providers.Default = envProvider
	}
}

func (c *Config) applyDefaults() {
	if c.Providers.Default == "" {
		c.Providers.Default = "anthropic"
	}
	if c.Session.MaxAttempts <= 0 {
		c.Session.MaxAttempts = 4
	}
	if c.Sandbox.MaxMemoryMB <= 0 {
		c.Sandbox.MaxMemoryMB = 2048
	}
	if c.Sandbox.MaxCPUSeconds <= 0 {
		c.Sandbox.MaxCPUSeconds = 300
	}
	if c.Sandbox.MaxExecutionSeconds <= 0 {
		c.Sandbox.MaxExecutionSeconds = 300
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Metrics != nil {
		if c.Metrics.Addr == "" {
			c.Metrics.Addr = ":9090"
		}
		if c.Metrics.Path == "" {
			c.Metrics.Path = "/metrics"
		}
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// Validate checks provider selection and credentials. Load calls it;
// callers of Default should call it before building providers.
func (c *Config) Validate() error {
	return c.validate()
}

func (c *Config) validate() error {
	known := map[string]bool{"anthropic": true, "openai": true, "ollama": true}
	if !known[c.Providers.Default] {
		return fmt.Errorf("unknown default provider %q (want anthropic, openai, or ollama)", c.Providers.Default)
	}
	for _, name := range c.Providers.Fallback {
		if !known[name] {
			return fmt.Errorf("unknown fallback provider %q", name)
		}
		if name == c.Providers.Default {
			return fmt.Errorf("fallback provider %q duplicates the default", name)
		}
	}
	if err := c.validateProvider(c.Providers.Default); err != nil {
		return err
	}
	for _, name := range c.Providers.Fallback {
		if err := c.validateProvider(name); err != nil {
			return err
		}
	}
	return nil
}

// validateProvider checks that the named provider has the credentials it
// needs. Ollama is local and keyless.
func (c *Config) validateProvider(name string) error {
	switch name {
	case "anthropic":
		if c.Providers.Anthropic.APIKey == "" {
			return fmt.Errorf("provider anthropic selected but no API key set (config providers.anthropic.api_key or ANTHROPIC_API_KEY)")
		}
	case "openai":
		if c.Providers.OpenAI.APIKey == "" {
			return fmt.Errorf("provider openai selected but no API key set (config providers.openai.api_key or OPENAI_API_KEY)")
		}
	}
	return nil
}
