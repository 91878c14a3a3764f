package providers

import "github.com/2witstudios/pagespace/internal/agent"

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// NewOpenRouterProvider creates a provider for OpenRouter, which exposes an
// OpenAI-compatible API in front of many upstream models.
func NewOpenRouterProvider(apiKey string, maxRetries int) *OpenAIProvider {
	return NewOpenAIProvider(OpenAIConfig{
		APIKey:     apiKey,
		BaseURL:    openRouterBaseURL,
		MaxRetries: maxRetries,
		name:       "openrouter",
		defaultModels: []agent.Model{
			{ID: "anthropic/claude-sonnet-4", Name: "Claude Sonnet 4", ContextSize: 200000},
			{ID: "openai/gpt-4o", Name: "GPT-4o", ContextSize: 128000},
			{ID: "meta-llama/llama-3.1-70b-instruct", Name: "Llama 3.1 70B", ContextSize: 131072},
		},
	})
}
