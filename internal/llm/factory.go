package llm

import (
	"fmt"
	"strings"

	"github.com/opentiny/next-sdk/internal/config"
)

// ProviderType is the closed set of gateway implementations.
type ProviderType string

const (
	ProviderOpenAI       ProviderType = "openai"
	ProviderDeepSeek     ProviderType = "deepseek"
	ProviderOpenAICompat ProviderType = "openai-compat"
	ProviderAnthropic    ProviderType = "anthropic"
	ProviderGemini       ProviderType = "gemini"
)

// ProviderTypes lists every supported provider in display order.
func ProviderTypes() []ProviderType {
	return []ProviderType{ProviderOpenAI, ProviderDeepSeek, ProviderOpenAICompat, ProviderAnthropic, ProviderGemini}
}

// ParseProviderType validates a provider name.
func ParseProviderType(s string) (ProviderType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, p := range ProviderTypes() {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown provider: %q", s)
}

// ParseProviderModel parses "provider:model" or just "provider" from a flag value.
// Model will be empty if not specified.
func ParseProviderModel(s string) (ProviderType, string, error) {
	name, model, _ := strings.Cut(s, ":")
	p, err := ParseProviderType(name)
	if err != nil {
		return "", "", err
	}
	return p, strings.TrimSpace(model), nil
}

// NewGateway creates the gateway selected by cfg.Provider. Gateways are
// wrapped with automatic retry unless retries are disabled.
func NewGateway(cfg *config.Config, notify RetryNotifier) (Gateway, error) {
	gateway, err := newGatewayInternal(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Retry.MaxAttempts <= 1 {
		return gateway, nil
	}
	retry := DefaultRetryConfig()
	retry.MaxAttempts = cfg.Retry.MaxAttempts
	if cfg.Retry.BaseBackoff > 0 {
		retry.BaseBackoff = cfg.Retry.BaseBackoff
	}
	if cfg.Retry.MaxBackoff > 0 {
		retry.MaxBackoff = cfg.Retry.MaxBackoff
	}
	return WrapWithRetry(gateway, retry, notify), nil
}

func newGatewayInternal(cfg *config.Config) (Gateway, error) {
	providerType, err := ParseProviderType(cfg.Provider)
	if err != nil {
		return nil, err
	}
	pc, err := cfg.Active()
	if err != nil {
		return nil, err
	}

	switch providerType {
	case ProviderOpenAI:
		if pc.APIKey == "" {
			return nil, fmt.Errorf("openai API key not configured. Set OPENAI_API_KEY or add to config")
		}
		return NewOpenAIGateway(pc.APIKey, pc.BaseURL, pc.Model), nil
	case ProviderDeepSeek:
		if pc.APIKey == "" {
			return nil, fmt.Errorf("deepseek API key not configured. Set DEEPSEEK_API_KEY or add to config")
		}
		return newOpenAIGatewayNamed("DeepSeek", pc.APIKey, pc.BaseURL, pc.Model), nil
	case ProviderOpenAICompat:
		if pc.BaseURL == "" {
			return nil, fmt.Errorf("openai-compat requires base_url")
		}
		return NewOpenAICompatGateway(pc.BaseURL, pc.APIKey, pc.Model, pc.Name, pc.Headers), nil
	case ProviderAnthropic:
		if pc.APIKey == "" {
			return nil, fmt.Errorf("anthropic API key not configured. Set ANTHROPIC_API_KEY or add to config")
		}
		return NewAnthropicGateway(pc.APIKey, pc.BaseURL, pc.Model), nil
	case ProviderGemini:
		if pc.APIKey == "" {
			return nil, fmt.Errorf("gemini API key not configured. Set GEMINI_API_KEY or add to config")
		}
		return NewGeminiGateway(pc.APIKey, pc.BaseURL, pc.Model), nil
	}
	return nil, fmt.Errorf("unsupported provider: %s", providerType)
}
