package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/2witstudios/pagespace/internal/auth"
	"github.com/2witstudios/pagespace/internal/observability"
	"github.com/2witstudios/pagespace/internal/storage"
	"github.com/2witstudios/pagespace/pkg/models"
)

// providerStatus reports whether a provider can be used, never its keys.
type providerStatus struct {
	Configured     bool `json:"configured"`
	HasCredentials bool `json:"hasCredentials"`
}

// settingsResponse is the GET /api/ai/settings body. Credential values are
// deliberately absent; only booleans about their existence cross the wire.
type settingsResponse struct {
	Provider  string                    `json:"provider"`
	Model     string                    `json:"model,omitempty"`
	Plan      models.SubscriptionPlan   `json:"plan"`
	Providers map[string]providerStatus `json:"providers"`
}

// settingsUpdate is the PATCH /api/ai/settings body. The pairing becomes
// both the page's agent default and the user's default.
type settingsUpdate struct {
	PageID   string `json:"pageId"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleGetSettings(w, r)
	case http.MethodPatch:
		s.handlePatchSettings(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := auth.UserFromContext(ctx)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	saved, err := s.stores.Settings.GetUserSettings(ctx, user.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		observability.FromContext(ctx).Error(ctx, "load user settings failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := settingsResponse{
		Provider:  s.config.Providers.Default,
		Plan:      models.PlanFree,
		Providers: make(map[string]providerStatus, len(modelAllowList)),
	}
	if saved != nil {
		if saved.Provider != "" {
			resp.Provider = saved.Provider
		}
		resp.Model = saved.Model
		if saved.Plan != "" {
			resp.Plan = saved.Plan
		}
	}

	for name := range modelAllowList {
		userKey := ""
		if saved != nil {
			userKey = saved.Credentials[name]
		}
		platformKey := s.resolver.platformKey(name)
		resp.Providers[name] = providerStatus{
			Configured:     platformKey != "" || userKey != "" || name == "ollama",
			HasCredentials: userKey != "",
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.FromContext(ctx)

	user := auth.UserFromContext(ctx)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var update settingsUpdate
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if update.PageID == "" || update.Provider == "" {
		writeError(w, http.StatusBadRequest, "pageId and provider are required")
		return
	}

	if err := s.resolver.ValidatePairing(update.Provider, update.Model); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	canEdit, err := s.authorizer.CanEdit(ctx, user.ID, update.PageID)
	if err != nil {
		logger.Error(ctx, "authorization check failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !canEdit {
		writeError(w, http.StatusForbidden, "edit permission required")
		return
	}

	saved, err := s.stores.Settings.GetUserSettings(ctx, user.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Error(ctx, "load user settings failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// A premium model on platform credentials needs a paid plan, the same
	// rule the chat resolver enforces per turn. A stored user key for the
	// provider makes the pairing self-funded.
	if s.resolver.isPremiumModel(update.Model) && userCredential(nil, saved, update.Provider) == "" {
		plan := models.PlanFree
		if saved != nil && saved.Plan != "" {
			plan = saved.Plan
		}
		if plan != models.PlanPro {
			writeError(w, http.StatusForbidden,
				fmt.Sprintf("model %s needs a pro plan on platform credentials", update.Model))
			return
		}
	}

	cfg, err := s.stores.Pages.GetAgentConfig(ctx, update.PageID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Error(ctx, "agent config lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		page, pageErr := s.stores.Pages.GetPage(ctx, update.PageID)
		if pageErr != nil {
			if errors.Is(pageErr, storage.ErrNotFound) {
				writeError(w, http.StatusNotFound, "page not found")
				return
			}
			logger.Error(ctx, "page lookup failed", "error", pageErr)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		cfg = &models.PageAgentConfig{PageID: update.PageID, DriveID: page.DriveID}
	}

	cfg.Provider = update.Provider
	cfg.Model = update.Model
	if err := s.stores.Pages.SaveAgentConfig(ctx, cfg); err != nil {
		logger.Error(ctx, "save agent config failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	next := &models.UserSettings{UserID: user.ID, Provider: update.Provider, Model: update.Model}
	if saved != nil {
		next.Credentials = saved.Credentials
		next.Plan = saved.Plan
	}
	if err := s.stores.Settings.SaveUserSettings(ctx, next); err != nil {
		logger.Error(ctx, "save user settings failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"provider": update.Provider,
		"model":    update.Model,
	})
}
