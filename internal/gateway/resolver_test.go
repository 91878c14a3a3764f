package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/2witstudios/pagespace/internal/config"
	"github.com/2witstudios/pagespace/internal/storage"
	"github.com/2witstudios/pagespace/pkg/models"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Providers.Anthropic.APIKey = "platform-anthropic-key"
	cfg.Providers.OpenAI.APIKey = ""
	return cfg
}

func TestResolveDefaults(t *testing.T) {
	stores := storage.NewMemoryStores()
	r := NewResolver(testConfig(), stores.Settings)

	res, err := r.Resolve(context.Background(), "user-1", ResolveRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if res.ProviderName != "anthropic" {
		t.Errorf("provider = %q, want anthropic", res.ProviderName)
	}
	if !res.Tracked {
		t.Error("platform credentials should be tracked")
	}
}

func TestResolveUnknownProvider(t *testing.T) {
	stores := storage.NewMemoryStores()
	r := NewResolver(testConfig(), stores.Settings)

	_, err := r.Resolve(context.Background(), "user-1", ResolveRequest{Provider: "acme"})
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Errorf("err = %v, want ErrUnsupportedProvider", err)
	}
}

func TestResolveRejectsMismatchedPairing(t *testing.T) {
	stores := storage.NewMemoryStores()
	r := NewResolver(testConfig(), stores.Settings)

	_, err := r.Resolve(context.Background(), "user-1", ResolveRequest{
		Provider: "anthropic",
		Model:    "gpt-4o",
	})
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Errorf("err = %v, want ErrUnsupportedProvider", err)
	}
}

func TestResolveRejectsOversizedModel(t *testing.T) {
	stores := storage.NewMemoryStores()
	r := NewResolver(testConfig(), stores.Settings)

	_, err := r.Resolve(context.Background(), "user-1", ResolveRequest{
		Provider: "anthropic",
		Model:    "claude-" + strings.Repeat("x", 200),
	})
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Errorf("err = %v, want ErrUnsupportedProvider", err)
	}
}

func TestResolveMissingCredentials(t *testing.T) {
	stores := storage.NewMemoryStores()
	r := NewResolver(testConfig(), stores.Settings)

	_, err := r.Resolve(context.Background(), "user-1", ResolveRequest{Provider: "openai"})
	if !errors.Is(err, ErrMissingCredentials) {
		t.Errorf("err = %v, want ErrMissingCredentials", err)
	}
}

func TestResolveOllamaNeedsNoKey(t *testing.T) {
	stores := storage.NewMemoryStores()
	r := NewResolver(testConfig(), stores.Settings)

	res, err := r.Resolve(context.Background(), "user-1", ResolveRequest{Provider: "ollama"})
	if err != nil {
		t.Fatal(err)
	}
	if res.ProviderName != "ollama" {
		t.Errorf("provider = %q", res.ProviderName)
	}
}

func TestResolveUserKeyUntracked(t *testing.T) {
	stores := storage.NewMemoryStores()
	r := NewResolver(testConfig(), stores.Settings)

	res, err := r.Resolve(context.Background(), "user-1", ResolveRequest{
		Provider:    "openai",
		Model:       "gpt-4o-mini",
		Credentials: map[string]string{"openai": "sk-user"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Tracked {
		t.Error("user-supplied key should not be tracked")
	}
}

func TestResolveSubscriptionGate(t *testing.T) {
	stores := storage.NewMemoryStores()
	cfg := testConfig()
	cfg.Quota.PremiumModels = []string{"claude-opus"}
	r := NewResolver(cfg, stores.Settings)

	_, err := r.Resolve(context.Background(), "user-1", ResolveRequest{
		Provider: "anthropic",
		Model:    "claude-opus-4-20250514",
		Plan:     models.PlanFree,
	})
	if !errors.Is(err, ErrSubscriptionRequired) {
		t.Errorf("free plan on premium model: err = %v, want ErrSubscriptionRequired", err)
	}

	if _, err := r.Resolve(context.Background(), "user-1", ResolveRequest{
		Provider: "anthropic",
		Model:    "claude-opus-4-20250514",
		Plan:     models.PlanPro,
	}); err != nil {
		t.Errorf("pro plan should pass: %v", err)
	}

	// A user key bypasses the subscription gate entirely.
	if _, err := r.Resolve(context.Background(), "user-1", ResolveRequest{
		Provider:    "anthropic",
		Model:       "claude-opus-4-20250514",
		Plan:        models.PlanFree,
		Credentials: map[string]string{"anthropic": "sk-user"},
	}); err != nil {
		t.Errorf("user key should bypass the plan gate: %v", err)
	}
}

func TestResolvePersistsDefaults(t *testing.T) {
	stores := storage.NewMemoryStores()
	ctx := context.Background()
	r := NewResolver(testConfig(), stores.Settings)

	if _, err := r.Resolve(ctx, "user-1", ResolveRequest{
		Provider: "anthropic",
		Model:    "claude-3-haiku-20240307",
	}); err != nil {
		t.Fatal(err)
	}

	saved, err := stores.Settings.GetUserSettings(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if saved.Provider != "anthropic" || saved.Model != "claude-3-haiku-20240307" {
		t.Errorf("saved = %+v", saved)
	}

	// The saved pairing becomes the default for the next bare request.
	res, err := r.Resolve(ctx, "user-1", ResolveRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Model != "claude-3-haiku-20240307" {
		t.Errorf("model = %q, want saved default", res.Model)
	}
}

func TestResolveIgnoresStaleModelAcrossProviders(t *testing.T) {
	stores := storage.NewMemoryStores()
	ctx := context.Background()
	if err := stores.Settings.SaveUserSettings(ctx, &models.UserSettings{
		UserID:   "user-1",
		Provider: "openai",
		Model:    "gpt-4o-mini",
		Credentials: map[string]string{
			"openai": "sk-user",
		},
	}); err != nil {
		t.Fatal(err)
	}

	r := NewResolver(testConfig(), stores.Settings)
	res, err := r.Resolve(ctx, "user-1", ResolveRequest{Provider: "anthropic"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Model != "" {
		t.Errorf("model = %q, want empty: the openai default must not leak", res.Model)
	}
}

func TestResolveFallbackOnlyForPlatformDefault(t *testing.T) {
	stores := storage.NewMemoryStores()
	cfg := testConfig()
	cfg.Providers.OpenAI.APIKey = "platform-openai-key"
	r := NewResolver(cfg, stores.Settings)

	res, err := r.Resolve(context.Background(), "user-1", ResolveRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider.Name() != "anthropic" {
		t.Errorf("default provider name = %q", res.Provider.Name())
	}

	// Explicit non-default provider gets no fallback wrapper.
	res, err = r.Resolve(context.Background(), "user-2", ResolveRequest{Provider: "openai"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider.Name() != "openai" {
		t.Errorf("openai provider name = %q", res.Provider.Name())
	}
}
