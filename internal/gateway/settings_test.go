package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/2witstudios/pagespace/internal/config"
	"github.com/2witstudios/pagespace/internal/storage"
	"github.com/2witstudios/pagespace/pkg/models"
)

func (e *testEnv) doSettings(t *testing.T, userID, method string, body interface{}) *http.Response {
	t.Helper()
	token, err := e.jwt.Generate(&models.User{ID: userID})
	if err != nil {
		t.Fatal(err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, e.server.URL+"/api/ai/settings", reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := e.server.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestGetSettingsNeverLeaksCredentials(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	secret := "sk-user-secret-value"
	if err := env.stores.Settings.SaveUserSettings(ctx, &models.UserSettings{
		UserID:      "user-1",
		Provider:    "openai",
		Model:       "gpt-4o-mini",
		Credentials: map[string]string{"openai": secret},
	}); err != nil {
		t.Fatal(err)
	}

	resp := env.doSettings(t, "user-1", http.MethodGet, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), secret) {
		t.Fatal("credential value crossed the wire")
	}

	var body settingsResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatal(err)
	}
	if body.Provider != "openai" || body.Model != "gpt-4o-mini" {
		t.Errorf("defaults = %+v", body)
	}
	if !body.Providers["openai"].HasCredentials {
		t.Error("openai should report user credentials present")
	}
	if !body.Providers["anthropic"].Configured {
		t.Error("anthropic has a platform key and should be configured")
	}
	if body.Providers["openrouter"].Configured {
		t.Error("openrouter has no key anywhere and should not be configured")
	}
}

func TestPatchSettingsUpdatesPageAndUser(t *testing.T) {
	env := newTestEnv(t, nil)
	page := env.seedPage(t, "user-1")
	ctx := context.Background()

	resp := env.doSettings(t, "user-1", http.MethodPatch, settingsUpdate{
		PageID:   page.ID,
		Provider: "anthropic",
		Model:    "claude-3-haiku-20240307",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	cfg, err := env.stores.Pages.GetAgentConfig(ctx, page.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider != "anthropic" || cfg.Model != "claude-3-haiku-20240307" {
		t.Errorf("page config = %+v", cfg)
	}

	saved, err := env.stores.Settings.GetUserSettings(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if saved.Provider != "anthropic" || saved.Model != "claude-3-haiku-20240307" {
		t.Errorf("user settings = %+v", saved)
	}
}

func TestPatchSettingsPreservesStoredCredentials(t *testing.T) {
	env := newTestEnv(t, nil)
	page := env.seedPage(t, "user-1")
	ctx := context.Background()

	if err := env.stores.Settings.SaveUserSettings(ctx, &models.UserSettings{
		UserID:      "user-1",
		Credentials: map[string]string{"openai": "sk-keep-me"},
	}); err != nil {
		t.Fatal(err)
	}

	resp := env.doSettings(t, "user-1", http.MethodPatch, settingsUpdate{
		PageID:   page.ID,
		Provider: "anthropic",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	saved, err := env.stores.Settings.GetUserSettings(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if saved.Credentials["openai"] != "sk-keep-me" {
		t.Error("stored credentials must survive a provider change")
	}
}

func TestPatchSettingsEnforcesPlanForPremiumModels(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Quota.PremiumModels = []string{"claude-opus"}
	})
	page := env.seedPage(t, "user-1")
	ctx := context.Background()

	update := settingsUpdate{
		PageID:   page.ID,
		Provider: "anthropic",
		Model:    "claude-opus-4-20250514",
	}

	resp := env.doSettings(t, "user-1", http.MethodPatch, update)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("free plan status = %d, want 403", resp.StatusCode)
	}
	if _, err := env.stores.Pages.GetAgentConfig(ctx, page.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Error("rejected pairing must not be persisted")
	}

	if err := env.stores.Settings.SaveUserSettings(ctx, &models.UserSettings{
		UserID: "user-1",
		Plan:   models.PlanPro,
	}); err != nil {
		t.Fatal(err)
	}
	resp = env.doSettings(t, "user-1", http.MethodPatch, update)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("pro plan status = %d, want 200", resp.StatusCode)
	}
}

func TestPatchSettingsUserKeyAllowsPremiumModel(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Quota.PremiumModels = []string{"claude-opus"}
	})
	page := env.seedPage(t, "user-1")
	ctx := context.Background()

	// A stored key for the provider means the pairing is self-funded and the
	// plan gate does not apply.
	if err := env.stores.Settings.SaveUserSettings(ctx, &models.UserSettings{
		UserID:      "user-1",
		Credentials: map[string]string{"anthropic": "sk-user"},
	}); err != nil {
		t.Fatal(err)
	}

	resp := env.doSettings(t, "user-1", http.MethodPatch, settingsUpdate{
		PageID:   page.ID,
		Provider: "anthropic",
		Model:    "claude-opus-4-20250514",
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 on user credentials", resp.StatusCode)
	}
}

func TestPatchSettingsRequiresEditPermission(t *testing.T) {
	env := newTestEnv(t, nil)
	page := env.seedPage(t, "owner-1")

	resp := env.doSettings(t, "visitor", http.MethodPatch, settingsUpdate{
		PageID:   page.ID,
		Provider: "anthropic",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestPatchSettingsRejectsBadPairing(t *testing.T) {
	env := newTestEnv(t, nil)
	page := env.seedPage(t, "user-1")

	resp := env.doSettings(t, "user-1", http.MethodPatch, settingsUpdate{
		PageID:   page.ID,
		Provider: "openai",
		Model:    "claude-sonnet-4-20250514",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSettingsUnknownMethod(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.doSettings(t, "user-1", http.MethodDelete, nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}
