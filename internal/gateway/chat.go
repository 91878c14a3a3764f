package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2witstudios/pagespace/internal/agent"
	"github.com/2witstudios/pagespace/internal/agent/providers"
	"github.com/2witstudios/pagespace/internal/auth"
	"github.com/2witstudios/pagespace/internal/mcp"
	"github.com/2witstudios/pagespace/internal/observability"
	"github.com/2witstudios/pagespace/internal/quota"
	"github.com/2witstudios/pagespace/internal/storage"
	"github.com/2witstudios/pagespace/internal/tools/pages"
	"github.com/2witstudios/pagespace/internal/tools/policy"
	"github.com/2witstudios/pagespace/pkg/models"
)

// maxChatBodySize bounds the chat request body (4MB).
const maxChatBodySize = 4 << 20

// chatRequest is the POST /api/ai/chat body.
type chatRequest struct {
	Messages       []chatMessage       `json:"messages"`
	PageID         string              `json:"pageId"`
	ConversationID string              `json:"conversationId,omitempty"`
	Provider       string              `json:"provider,omitempty"`
	Model          string              `json:"model,omitempty"`
	Credentials    map[string]string   `json:"credentials,omitempty"`
	PageContext    *models.PageContext `json:"pageContext,omitempty"`
	MCPTools       []mcp.ToolSchema    `json:"mcpTools,omitempty"`
	ReadOnly       bool                `json:"readOnly,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// handleChat runs one streaming chat turn.
//
// The pipeline order is fixed: authenticate, authorize against the page,
// rate limit, resolve a provider, reserve quota, then hand off to the loop.
// Anything that fails before the loop owns its own HTTP status; once
// streaming starts, failures ride inside the stream.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.FromContext(ctx)

	user := auth.UserFromContext(ctx)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PageID == "" {
		writeError(w, http.StatusBadRequest, "pageId is required")
		return
	}
	userContent := latestUserMessage(req.Messages)
	if userContent == "" {
		writeError(w, http.StatusBadRequest, "messages must contain a user message")
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}

	page, err := s.stores.Pages.GetPage(ctx, req.PageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "page not found")
			return
		}
		logger.Error(ctx, "page lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	canView, err := s.authorizer.CanView(ctx, user.ID, req.PageID)
	if err != nil {
		logger.Error(ctx, "authorization check failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !canView {
		writeError(w, http.StatusForbidden, "no access to this page")
		return
	}

	canEdit, err := s.authorizer.CanEdit(ctx, user.ID, req.PageID)
	if err != nil {
		logger.Error(ctx, "authorization check failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	readOnly := req.ReadOnly || !canEdit

	if !s.limiter.Allow(user.ID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded, slow down")
		return
	}

	agentConfig, err := s.stores.Pages.GetAgentConfig(ctx, req.PageID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Error(ctx, "agent config lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Page defaults apply when the request does not name a pairing.
	if agentConfig != nil && req.Provider == "" {
		req.Provider = agentConfig.Provider
		if req.Model == "" {
			req.Model = agentConfig.Model
		}
	}

	plan := models.PlanFree
	if settings, err := s.stores.Settings.GetUserSettings(ctx, user.ID); err == nil && settings.Plan != "" {
		plan = settings.Plan
	}

	resolution, err := s.resolver.Resolve(ctx, user.ID, ResolveRequest{
		Provider:    req.Provider,
		Model:       req.Model,
		Credentials: req.Credentials,
		Plan:        plan,
	})
	if err != nil {
		s.writeResolveError(w, err)
		return
	}

	reservation, err := s.gate.Reserve(ctx, user.ID, resolution.Model, resolution.Tracked)
	if err != nil {
		if errors.Is(err, quota.ErrExceeded) {
			s.writeQuotaExceeded(w, resolution.Model)
			return
		}
		logger.Error(ctx, "quota reservation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	turnTools := s.assembleTools(user.ID, page, agentConfig, req.MCPTools, readOnly)
	system := s.composeSystemPrompt(ctx, page, agentConfig, req.PageContext, readOnly)

	started := time.Now()
	loop := agent.NewLoop(resolution.Provider, s.stores.Messages, &agent.LoopConfig{
		MaxSteps:    s.config.Chat.MaxSteps,
		MaxWallTime: s.config.Chat.MaxTurnDuration,
	})

	// The finish hook runs before the unit channel closes, so the turn
	// summary is available when the stream drains.
	finished := make(chan *agent.Turn, 1)
	onFinish := s.finishTurn(user.ID, req.PageID, resolution, reservation, started)

	units, err := loop.Run(ctx, &agent.RunRequest{
		PageID:         req.PageID,
		ConversationID: req.ConversationID,
		UserID:         user.ID,
		UserContent:    userContent,
		System:         system,
		Model:          resolution.Model,
		Tools:          turnTools,
		OnFinish: func(ctx context.Context, turn *agent.Turn) {
			onFinish(ctx, turn)
			finished <- turn
		},
	})
	if err != nil {
		// Nothing streamed yet; the reserved slot goes back and the caller
		// gets the original input for retry.
		reservation.Release(ctx)
		logger.Error(ctx, "turn start failed", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{
			"error":   "failed to start turn",
			"message": userContent,
		})
		return
	}

	s.streamUnits(ctx, w, units, finished, resolution.ProviderName)
}

// finishTurn builds the OnFinish hook: usage accounting, quota settlement,
// and turn metrics. It runs exactly once, abort or not.
func (s *Server) finishTurn(userID, pageID string, resolution *Resolution, reservation *quota.Reservation, started time.Time) agent.FinishFunc {
	return func(ctx context.Context, turn *agent.Turn) {
		status := "completed"
		errClass := ""
		switch {
		case turn.Aborted:
			status = "aborted"
		case turn.Err != nil:
			status = "failed"
			errClass = string(providers.Classify(turn.Err))
		}

		// Failures before any model output never consumed quota.
		if turn.Err != nil && !turn.Aborted && turn.InputTokens == 0 && turn.OutputTokens == 0 {
			reservation.Release(ctx)
		} else {
			reservation.Commit(ctx)
		}

		s.tracker.Record(ctx, &models.UsageRecord{
			UserID:       userID,
			PageID:       pageID,
			Provider:     resolution.ProviderName,
			Model:        resolution.Model,
			InputTokens:  turn.InputTokens,
			OutputTokens: turn.OutputTokens,
			DurationMs:   time.Since(started).Milliseconds(),
			ErrorClass:   errClass,
		})

		s.metrics.TurnCounter.WithLabelValues(resolution.ProviderName, resolution.Model, status).Inc()
		s.metrics.TurnDuration.WithLabelValues(resolution.ProviderName, resolution.Model).Observe(time.Since(started).Seconds())
		s.metrics.TurnSteps.Observe(float64(turn.Steps))
		s.metrics.LLMTokens.WithLabelValues(resolution.ProviderName, resolution.Model, "input").Add(float64(turn.InputTokens))
		s.metrics.LLMTokens.WithLabelValues(resolution.ProviderName, resolution.Model, "output").Add(float64(turn.OutputTokens))
		if errClass != "" {
			s.metrics.ProviderErrorCounter.WithLabelValues(resolution.ProviderName, errClass).Inc()
		}
	}
}

// streamUnits relays loop output as server-sent events, emitting the usage
// summary once the turn finishes and always closing with the done marker.
func (s *Server) streamUnits(ctx context.Context, w http.ResponseWriter, units <-chan *agent.StreamUnit, finished <-chan *agent.Turn, providerName string) {
	logger := observability.FromContext(ctx)

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		// Drain so the loop can finish and account the turn.
		for range units {
		}
		return
	}

	clientGone := false
	for unit := range units {
		if clientGone {
			continue
		}
		errClass := ""
		if unit.Error != nil {
			errClass = string(providers.Classify(unit.Error))
		}
		if err := sse.writeUnit(unit, errClass); err != nil {
			logger.Debug(ctx, "client disconnected mid-stream", "provider", providerName)
			clientGone = true
		}
	}

	if clientGone {
		return
	}

	select {
	case turn := <-finished:
		sse.writeEvent(streamEvent{Usage: &usageEvent{
			InputTokens:  turn.InputTokens,
			OutputTokens: turn.OutputTokens,
			Steps:        turn.Steps,
		}})
	default:
	}
	sse.writeDone()
}

// assembleTools builds the turn's tool set: the built-in page catalog run
// through the permission filter, then the per-request bridge tools merged
// on top. The allow-list governs built-ins only; bridge tools are declared
// by the caller each request and already scoped to that user's agents. The
// read-only strip still applies to anything flagged mutating.
func (s *Server) assembleTools(userID string, page *models.Page, cfg *models.PageAgentConfig, schemas []mcp.ToolSchema, readOnly bool) map[string]agent.Tool {
	tools := policy.Filter(pages.Catalog(s.stores.Pages, page.DriveID), policy.FromConfig(cfg, readOnly))
	for name, tool := range mcp.BuildTools(s.registry, userID, schemas) {
		if readOnly && agent.IsMutating(tool) {
			continue
		}
		tools[name] = tool
	}
	return tools
}

// composeSystemPrompt loads prompt inputs and assembles the final prompt.
// Missing drive or config degrade gracefully to the default role prompt.
func (s *Server) composeSystemPrompt(ctx context.Context, page *models.Page, cfg *models.PageAgentConfig, pageContext *models.PageContext, readOnly bool) string {
	var drive *models.Drive
	if cfg != nil && cfg.IncludeDrivePrompt {
		if d, err := s.stores.Pages.GetDrive(ctx, page.DriveID); err == nil {
			drive = d
		}
	}
	tree, total := loadPromptTree(ctx, s.stores.Pages, cfg, page)

	return buildSystemPrompt(promptInput{
		Config:      cfg,
		Drive:       drive,
		PageContext: pageContext,
		Tree:        tree,
		TreeTotal:   total,
		ReadOnly:    readOnly,
		Now:         time.Now(),
	})
}

func (s *Server) writeResolveError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnsupportedProvider):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrMissingCredentials):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrSubscriptionRequired):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeQuotaExceeded(w http.ResponseWriter, model string) {
	tier := s.gate.TierFor(model)
	limit := s.config.Quota.StandardLimit
	if tier == models.TierPremium {
		limit = s.config.Quota.PremiumLimit
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": fmt.Sprintf("daily %s quota exceeded", tier),
		"tier":  tier,
		"limit": limit,
	})
}

// latestUserMessage extracts the newest user message from the submitted
// list. Only that message is persisted; history lives server-side.
func latestUserMessage(messages []chatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return strings.TrimSpace(messages[i].Content)
		}
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
