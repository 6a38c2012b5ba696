package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestApplyOverrides(t *testing.T) {
	cfg := &Config{
		Provider:  "anthropic",
		Anthropic: ProviderConfig{Model: "claude-sonnet-4-5"},
		OpenAI:    ProviderConfig{Model: "gpt-4o-mini"},
		Gemini:    ProviderConfig{Model: "gemini-2.5-flash"},
	}

	cfg.ApplyOverrides("openai", "gpt-4o")
	if cfg.Provider != "openai" {
		t.Fatalf("provider=%q, want %q", cfg.Provider, "openai")
	}
	if cfg.OpenAI.Model != "gpt-4o" {
		t.Fatalf("openai model=%q, want %q", cfg.OpenAI.Model, "gpt-4o")
	}
	if cfg.Anthropic.Model != "claude-sonnet-4-5" {
		t.Fatalf("anthropic model changed unexpectedly: %q", cfg.Anthropic.Model)
	}

	cfg.ApplyOverrides("", "deepseek-chat")
	if cfg.Provider != "openai" {
		t.Fatalf("provider changed unexpectedly: %q", cfg.Provider)
	}
	if cfg.OpenAI.Model != "deepseek-chat" {
		t.Fatalf("openai model=%q, want %q", cfg.OpenAI.Model, "deepseek-chat")
	}
}

func TestLoadFromDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Provider != "openai" {
		t.Errorf("provider=%q, want openai", cfg.Provider)
	}
	if cfg.Host.MaxIterations != 3 {
		t.Errorf("max_iterations=%d, want 3", cfg.Host.MaxIterations)
	}
	if cfg.Host.SystemPrompt != DefaultSystemPrompt {
		t.Errorf("system_prompt=%q", cfg.Host.SystemPrompt)
	}
	if cfg.OpenAI.APIKey != "sk-env" {
		t.Errorf("api key=%q, want value from OPENAI_API_KEY", cfg.OpenAI.APIKey)
	}
	if cfg.Retry.BaseBackoff != time.Second {
		t.Errorf("base_backoff=%v, want 1s", cfg.Retry.BaseBackoff)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MY_DS_KEY", "ds-secret")
	content := `provider: deepseek
deepseek:
  api_key: ${MY_DS_KEY}
host:
  max_iterations: 5
  concurrent_tools: true
tools:
  disabled:
    - "fs_*"
retry:
  max_backoff: 10s
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	active, err := cfg.Active()
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if active.APIKey != "ds-secret" {
		t.Errorf("api key=%q, want expanded env value", active.APIKey)
	}
	if active.BaseURL != "https://api.deepseek.com/v1" {
		t.Errorf("base url=%q", active.BaseURL)
	}
	if cfg.Host.MaxIterations != 5 || !cfg.Host.ConcurrentTools {
		t.Errorf("host=%+v", cfg.Host)
	}
	if len(cfg.Tools.Disabled) != 1 || cfg.Tools.Disabled[0] != "fs_*" {
		t.Errorf("tools.disabled=%v", cfg.Tools.Disabled)
	}
	if cfg.Retry.MaxBackoff != 10*time.Second {
		t.Errorf("max_backoff=%v", cfg.Retry.MaxBackoff)
	}
}

func TestLoadFromEnvOverride(t *testing.T) {
	t.Setenv("NEXT_SDK_PROVIDER", "gemini")
	t.Setenv("NEXT_SDK_HOST_MAX_ITERATIONS", "7")
	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Provider != "gemini" {
		t.Errorf("provider=%q, want gemini", cfg.Provider)
	}
	if cfg.Host.MaxIterations != 7 {
		t.Errorf("max_iterations=%d, want 7", cfg.Host.MaxIterations)
	}
}

func TestActiveUnknownProvider(t *testing.T) {
	cfg := &Config{Provider: "nope"}
	if _, err := cfg.Active(); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestSessionsPath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg-data")
	cfg := &Config{}
	path, err := cfg.SessionsPath()
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join("/tmp/xdg-data", "next-sdk", "sessions.db"); path != want {
		t.Errorf("path=%q, want %q", path, want)
	}
}
