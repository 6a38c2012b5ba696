package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const appName = "next-sdk"

type Config struct {
	Provider     string         `mapstructure:"provider"`
	LogLevel     string         `mapstructure:"log_level"`
	MCPConfig    string         `mapstructure:"mcp_config"` // Override path of mcp.json / mcp.yaml
	OpenAI       ProviderConfig `mapstructure:"openai"`
	DeepSeek     ProviderConfig `mapstructure:"deepseek"`
	OpenAICompat ProviderConfig `mapstructure:"openai-compat"`
	Anthropic    ProviderConfig `mapstructure:"anthropic"`
	Gemini       ProviderConfig `mapstructure:"gemini"`
	Host         HostConfig     `mapstructure:"host"`
	Tools        ToolsConfig    `mapstructure:"tools"`
	Sessions     SessionsConfig `mapstructure:"sessions"`
	Retry        RetryConfig    `mapstructure:"retry"`
}

type ProviderConfig struct {
	APIKey  string            `mapstructure:"api_key"`
	BaseURL string            `mapstructure:"base_url"`
	Model   string            `mapstructure:"model"`
	Name    string            `mapstructure:"name"`    // Display name for openai-compat servers
	Headers map[string]string `mapstructure:"headers"` // Extra request headers (openai-compat only)
}

type HostConfig struct {
	MaxIterations   int    `mapstructure:"max_iterations"`
	SystemPrompt    string `mapstructure:"system_prompt"`
	ConcurrentTools bool   `mapstructure:"concurrent_tools"`
	CollisionPolicy string `mapstructure:"collision_policy"` // "last_wins" (default) or "error"
	ReAct           bool   `mapstructure:"react"`            // Force text-based tool calling
	MaxTokens       int    `mapstructure:"max_tokens"`
}

// ToolsConfig filters tool names with glob patterns. Disabled wins over Enabled.
type ToolsConfig struct {
	Enabled  []string `mapstructure:"enabled"`
	Disabled []string `mapstructure:"disabled"`
}

type SessionsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Path     string `mapstructure:"path"`      // Default: $XDG_DATA_HOME/next-sdk/sessions.db
	MaxCount int    `mapstructure:"max_count"` // Keep at most N sessions (0=unlimited)
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

// DefaultSystemPrompt is the system message seeded into every conversation.
const DefaultSystemPrompt = "You are a helpful assistant with access to tools."

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", "openai")
	v.SetDefault("log_level", "warn")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("deepseek.model", "deepseek-chat")
	v.SetDefault("deepseek.base_url", "https://api.deepseek.com/v1")
	v.SetDefault("openai-compat.name", "OpenAI-compatible")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5")
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("host.max_iterations", 3)
	v.SetDefault("host.system_prompt", DefaultSystemPrompt)
	v.SetDefault("host.collision_policy", "last_wins")
	v.SetDefault("sessions.enabled", true)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_backoff", time.Second)
	v.SetDefault("retry.max_backoff", 30*time.Second)
}

// Load reads config.yaml from the config directory.
func Load() (*Config, error) {
	configPath, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}
	return LoadFrom(configPath)
}

// LoadFrom reads config.yaml from dir. A missing file yields defaults.
// NEXT_SDK_* environment variables override file values.
func LoadFrom(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	v.SetEnvPrefix("NEXT_SDK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional - won't error if missing)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	resolveCredentials(&cfg.OpenAI, "OPENAI_API_KEY")
	resolveCredentials(&cfg.DeepSeek, "DEEPSEEK_API_KEY")
	resolveCredentials(&cfg.OpenAICompat, "")
	resolveCredentials(&cfg.Anthropic, "ANTHROPIC_API_KEY")
	resolveCredentials(&cfg.Gemini, "GEMINI_API_KEY")
	cfg.Sessions.Path = expandEnv(cfg.Sessions.Path)
	cfg.MCPConfig = expandEnv(cfg.MCPConfig)

	return &cfg, nil
}

// Active returns the settings of the selected provider.
func (c *Config) Active() (ProviderConfig, error) {
	switch c.Provider {
	case "openai":
		return c.OpenAI, nil
	case "deepseek":
		return c.DeepSeek, nil
	case "openai-compat":
		return c.OpenAICompat, nil
	case "anthropic":
		return c.Anthropic, nil
	case "gemini":
		return c.Gemini, nil
	default:
		return ProviderConfig{}, fmt.Errorf("unknown provider: %s", c.Provider)
	}
}

// ApplyOverrides applies provider and model overrides to the config.
// If provider is non-empty, it overrides the global provider.
// If model is non-empty, it overrides the model for the active provider.
func (c *Config) ApplyOverrides(provider, model string) {
	if provider != "" {
		c.Provider = provider
	}
	if model == "" {
		return
	}
	switch c.Provider {
	case "openai":
		c.OpenAI.Model = model
	case "deepseek":
		c.DeepSeek.Model = model
	case "openai-compat":
		c.OpenAICompat.Model = model
	case "anthropic":
		c.Anthropic.Model = model
	case "gemini":
		c.Gemini.Model = model
	}
}

// resolveCredentials expands ${VAR} references and falls back to the
// provider's conventional environment variable.
func resolveCredentials(cfg *ProviderConfig, envVar string) {
	cfg.APIKey = expandEnv(cfg.APIKey)
	if cfg.APIKey == "" && envVar != "" {
		cfg.APIKey = os.Getenv(envVar)
	}
	cfg.BaseURL = expandEnv(cfg.BaseURL)
	for k, v := range cfg.Headers {
		cfg.Headers[k] = expandEnv(v)
	}
}

// expandEnv expands ${VAR} or $VAR in a string
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	if strings.HasPrefix(s, "$") {
		return os.Getenv(s[1:])
	}
	return s
}

// GetConfigDir returns the XDG config directory for next-sdk.
// Uses $XDG_CONFIG_HOME if set, otherwise ~/.config
func GetConfigDir() (string, error) {
	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		return filepath.Join(xdgHome, appName), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", appName), nil
}

// GetConfigPath returns the path where the config file should be located
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

// GetDataDir returns the XDG data directory for next-sdk.
// Uses $XDG_DATA_HOME if set, otherwise ~/.local/share
func GetDataDir() (string, error) {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, appName), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".local", "share", appName), nil
}

// SessionsPath returns the sqlite database path for stored conversations.
func (c *Config) SessionsPath() (string, error) {
	if c.Sessions.Path != "" {
		return c.Sessions.Path, nil
	}
	dir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sessions.db"), nil
}
