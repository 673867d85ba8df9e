package llm

import (
	"fmt"
	"strings"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

type ProviderConfig struct {
	Provider string
	APIKey   string
	Model    string
	BaseURL  string
}

// NewClient builds the configured provider. OpenRouter reuses the
// OpenAI client pointed at its base URL.
func NewClient(cfg ProviderConfig) (Client, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "openrouter":
		base := cfg.BaseURL
		if base == "" {
			base = openRouterBaseURL
		}
		return NewOpenAIClient(cfg.APIKey, cfg.Model, base), nil
	case "openai":
		return NewOpenAIClient(cfg.APIKey, cfg.Model, cfg.BaseURL), nil
	case "anthropic":
		return NewAnthropicClient(cfg.APIKey, cfg.Model, cfg.BaseURL), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s", cfg.Provider)
	}
}
