package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func clearProviderEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("RUNBOX_WORKSPACE", "")
	t.Setenv("RUNBOX_POLICY", "")
	t.Setenv("RUNBOX_PROVIDER", "")
}

func TestLoadYAML(t *testing.T) {
	clearProviderEnv(t)
	path := writeConfig(t, "config.yaml", `
workspace: /tmp/rb
session:
  max_attempts: 2
providers:
  default: anthropic
  anthropic:
    api_key: sk-test
    model: claude-sonnet-4-20250514
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Workspace != "/tmp/rb" {
		t.Errorf("workspace = %q", cfg.Workspace)
	}
	if cfg.Session.MaxAttempts != 2 {
		t.Errorf("max_attempts = %d, want 2", cfg.Session.MaxAttempts)
	}
	if cfg.Sandbox.MaxMemoryMB != 2048 {
		t.Errorf("default max_memory_mb = %d, want 2048", cfg.Sandbox.MaxMemoryMB)
	}
}

func TestLoadJSON(t *testing.T) {
	clearProviderEnv(t)
	path := writeConfig(t, "config.json", `{
  "providers": {"default": "ollama", "ollama": {"model": "llama3"}}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Providers.Default != "ollama" {
		t.Errorf("default provider = %q", cfg.Providers.Default)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-from-env")
	t.Setenv("RUNBOX_WORKSPACE", "/custom/ws")
	path := writeConfig(t, "config.yaml", `
workspace: /file/ws
providers:
  anthropic:
    api_key: sk-from-file
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-from-env" {
		t.Errorf("api key = %q, want env value", cfg.Providers.Anthropic.APIKey)
	}
	if cfg.Workspace != "/custom/ws" {
		t.Errorf("workspace = %q, want env value", cfg.Workspace)
	}
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	clearProviderEnv(t)
	path := writeConfig(t, "config.yaml", `
providers:
  default: gemini
`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestValidateRequiresAPIKey(t *testing.T) {
	clearProviderEnv(t)
	path := writeConfig(t, "config.yaml", `
providers:
  default: anthropic
`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for missing anthropic api key")
	}
}

func TestValidateRejectsDuplicateFallback(t *testing.T) {
	clearProviderEnv(t)
	path := writeConfig(t, "config.yaml", `
providers:
  default: ollama
  fallback: [ollama]
`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for fallback duplicating default")
	}
}

func TestDefaultNeedsNoFile(t *testing.T) {
	clearProviderEnv(t)
	cfg := Default()
	if cfg.Providers.Default != "anthropic" {
		t.Errorf("default provider = %q", cfg.Providers.Default)
	}
	if cfg.Session.MaxAttempts != 4 {
		t.Errorf("max attempts = %d, want 4", cfg.Session.MaxAttempts)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("log defaults = %q/%q", cfg.Log.Level, cfg.Log.Format)
	}
}
