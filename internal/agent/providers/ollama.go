package providers

import "github.com/2witstudios/pagespace/internal/agent"

const defaultOllamaBaseURL = "http://localhost:11434/v1"

// NewOllamaProvider creates a provider for a local Ollama server via its
// OpenAI-compatible endpoint. No API key is required.
func NewOllamaProvider(baseURL string, maxRetries int) *OpenAIProvider {
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return NewOpenAIProvider(OpenAIConfig{
		APIKey:     "ollama",
		BaseURL:    baseURL,
		MaxRetries: maxRetries,
		name:       "ollama",
		defaultModels: []agent.Model{
			{ID: "llama3.1", Name: "Llama 3.1", ContextSize: 131072},
			{ID: "qwen2.5", Name: "Qwen 2.5", ContextSize: 32768},
		},
	})
}
