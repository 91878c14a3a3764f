// Package gateway exposes the chat service over HTTP: the streaming chat
// endpoint, AI settings, the agent bridge websocket, and health/metrics.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/2witstudios/pagespace/internal/agent"
	"github.com/2witstudios/pagespace/internal/agent/providers"
	"github.com/2witstudios/pagespace/internal/config"
	"github.com/2witstudios/pagespace/internal/observability"
	"github.com/2witstudios/pagespace/internal/storage"
	"github.com/2witstudios/pagespace/pkg/models"
)

// maxModelNameLen rejects absurd model strings before they reach a
// provider API or the database.
const maxModelNameLen = 100

var (
	// ErrUnsupportedProvider indicates an unknown provider or a
	// provider/model pairing outside the allow-list.
	ErrUnsupportedProvider = errors.New("unsupported provider")

	// ErrMissingCredentials indicates no usable API key for the provider.
	ErrMissingCredentials = errors.New("missing credentials")

	// ErrSubscriptionRequired indicates the model needs a paid plan when
	// billed against platform credentials.
	ErrSubscriptionRequired = errors.New("subscription required")
)

// ResolveRequest carries the caller's provider preferences for one turn.
type ResolveRequest struct {
	Provider    string
	Model       string
	Credentials map[string]string
	Plan        models.SubscriptionPlan
}

// Resolution is an invocable model handle plus its accounting attributes.
type Resolution struct {
	Provider     agent.LLMProvider
	ProviderName string
	Model        string

	// Tracked is false when the turn runs on user-supplied credentials
	// and therefore bypasses the quota gate.
	Tracked bool
}

// Resolver maps (provider, model, credentials) onto a model client.
//
// Precedence for both provider and model: explicit request value, then the
// user's saved default, then the platform default. A newly chosen pairing
// is persisted as the user's next default.
type Resolver struct {
	config   *config.Config
	settings storage.SettingsStore

	// buildOverride replaces provider construction in tests.
	buildOverride func(providerName, apiKey string) agent.LLMProvider
}

// NewResolver creates a provider resolver.
func NewResolver(cfg *config.Config, settings storage.SettingsStore) *Resolver {
	return &Resolver{config: cfg, settings: settings}
}

// Resolve produces a model handle for the user, or one of the typed
// resolver errors.
func (r *Resolver) Resolve(ctx context.Context, userID string, req ResolveRequest) (*Resolution, error) {
	saved, err := r.settings.GetUserSettings(ctx, userID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load user settings: %w", err)
	}

	providerName := firstNonEmpty(req.Provider, savedProvider(saved), r.config.Providers.Default)
	model := firstNonEmpty(req.Model, savedModel(saved, providerName))

	if err := r.ValidatePairing(providerName, model); err != nil {
		return nil, err
	}

	userKey := userCredential(req.Credentials, saved, providerName)
	platformKey := r.platformKey(providerName)
	tracked := userKey == ""

	apiKey := userKey
	if apiKey == "" {
		apiKey = platformKey
	}
	if apiKey == "" && providerName != "ollama" {
		return nil, fmt.Errorf("%w: no api key for %s", ErrMissingCredentials, providerName)
	}

	if tracked && r.isPremiumModel(model) && req.Plan != models.PlanPro {
		return nil, fmt.Errorf("%w: model %s needs a pro plan on platform credentials", ErrSubscriptionRequired, model)
	}

	handle := r.buildProvider(providerName, apiKey)

	// The platform default provider gets the configured model fallback
	// chain; explicit provider choices run exactly what was asked.
	if providerName == r.config.Providers.Default && len(r.config.Providers.FallbackModels) > 0 {
		handle = agent.NewFallbackProvider(handle, r.config.Providers.FallbackModels)
	}

	r.persistDefaults(ctx, userID, saved, providerName, model)

	return &Resolution{
		Provider:     handle,
		ProviderName: providerName,
		Model:        model,
		Tracked:      tracked,
	}, nil
}

// ValidatePairing checks the provider/model combination against the
// allow-list without resolving credentials. Used by both the chat path and
// the settings update.
func (r *Resolver) ValidatePairing(providerName, model string) error {
	if len(model) > maxModelNameLen {
		return fmt.Errorf("%w: model name exceeds %d characters", ErrUnsupportedProvider, maxModelNameLen)
	}

	prefixes, known := modelAllowList[providerName]
	if !known {
		return fmt.Errorf("%w: %s", ErrUnsupportedProvider, providerName)
	}
	if model == "" || len(prefixes) == 0 {
		return nil
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(model, prefix) {
			return nil
		}
	}
	return fmt.Errorf("%w: model %s is not served by %s", ErrUnsupportedProvider, model, providerName)
}

// modelAllowList maps each supported provider to accepted model prefixes.
// An empty list accepts any model id (local and aggregator backends).
var modelAllowList = map[string][]string{
	"anthropic":  {"claude-"},
	"openai":     {"gpt-", "o1", "o3", "chatgpt-"},
	"openrouter": nil,
	"ollama":     nil,
}

func (r *Resolver) buildProvider(providerName, apiKey string) agent.LLMProvider {
	if r.buildOverride != nil {
		return r.buildOverride(providerName, apiKey)
	}
	retries := r.config.Chat.ProviderRetries
	switch providerName {
	case "openai":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:     apiKey,
			BaseURL:    r.config.Providers.OpenAI.BaseURL,
			MaxRetries: retries,
		})
	case "openrouter":
		return providers.NewOpenRouterProvider(apiKey, retries)
	case "ollama":
		return providers.NewOllamaProvider(r.config.Providers.Ollama.BaseURL, retries)
	default:
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:     apiKey,
			BaseURL:    r.config.Providers.Anthropic.BaseURL,
			MaxRetries: retries,
		})
	}
}

func (r *Resolver) platformKey(providerName string) string {
	switch providerName {
	case "anthropic":
		return r.config.Providers.Anthropic.APIKey
	case "openai":
		return r.config.Providers.OpenAI.APIKey
	case "openrouter":
		return r.config.Providers.OpenRouter.APIKey
	}
	return ""
}

func (r *Resolver) isPremiumModel(model string) bool {
	for _, prefix := range r.config.Quota.PremiumModels {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// persistDefaults saves a changed provider/model pairing as the user's new
// default. Best effort; a write failure only costs the sticky default.
func (r *Resolver) persistDefaults(ctx context.Context, userID string, saved *models.UserSettings, providerName, model string) {
	if saved != nil && saved.Provider == providerName && saved.Model == model {
		return
	}
	next := &models.UserSettings{UserID: userID, Provider: providerName, Model: model}
	if saved != nil {
		next.Credentials = saved.Credentials
		next.Plan = saved.Plan
	}
	if err := r.settings.SaveUserSettings(ctx, next); err != nil {
		observability.FromContext(ctx).Warn(ctx, "persist provider defaults failed",
			"provider", providerName, "error", err)
	}
}

func savedProvider(saved *models.UserSettings) string {
	if saved == nil {
		return ""
	}
	return saved.Provider
}

// savedModel only applies when the saved model belongs to the provider
// being used; a stale model from another provider is ignored.
func savedModel(saved *models.UserSettings, providerName string) string {
	if saved == nil || saved.Provider != providerName {
		return ""
	}
	return saved.Model
}

func userCredential(requestCreds map[string]string, saved *models.UserSettings, providerName string) string {
	if key := strings.TrimSpace(requestCreds[providerName]); key != "" {
		return key
	}
	if saved != nil {
		return strings.TrimSpace(saved.Credentials[providerName])
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
