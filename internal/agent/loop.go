package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2witstudios/pagespace/internal/observability"
	"github.com/2witstudios/pagespace/pkg/models"
)

// Loop execution bounds. A step is one model invocation; tool output caps
// protect the store and the model context from runaway tools.
const (
	// DefaultMaxSteps caps the number of model invocations per turn.
	DefaultMaxSteps = 100

	// MaxResponseTextSize caps accumulated assistant text per turn (10MB).
	MaxResponseTextSize = 10 * 1024 * 1024

	// MaxToolCallsPerStep caps tool calls collected from a single stream.
	MaxToolCallsPerStep = 32

	streamBufferSize = 64
)

// LoopConfig configures the orchestration loop.
type LoopConfig struct {
	// MaxSteps limits the number of model invocations. Default: 100.
	MaxSteps int

	// MaxTokens is the per-invocation response budget. Default: 4096.
	MaxTokens int

	// MaxWallTime bounds the whole turn (0 = no limit).
	MaxWallTime time.Duration
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxSteps:  DefaultMaxSteps,
		MaxTokens: 4096,
	}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	if config == nil {
		return DefaultLoopConfig()
	}
	cfg := *config
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.MaxWallTime < 0 {
		cfg.MaxWallTime = 0
	}
	return &cfg
}

// FinishFunc receives the finished (possibly partial) turn. It runs exactly
// once per Run that got past user-message persistence, whether the turn
// completed, failed, or was aborted by the client.
type FinishFunc func(ctx context.Context, turn *Turn)

// RunRequest describes one conversational turn.
type RunRequest struct {
	PageID         string
	ConversationID string
	UserID         string

	// UserContent is the newest user message, extracted by the transport
	// layer from the client-submitted list.
	UserContent string

	// System is the fully composed system prompt.
	System string

	// Model overrides the provider default when set.
	Model string

	// Tools is the filtered and merged tool set for this turn, keyed by the
	// name presented to the model.
	Tools map[string]Tool

	// OnFinish receives the turn summary for usage accounting. Optional.
	OnFinish FinishFunc
}

// Loop runs conversational turns against a resolved provider.
//
// The loop is a small state machine: stream a model response, execute any
// tool calls it produced, feed the results back, repeat until the model
// answers without tools or a bound trips. Output is emitted incrementally on
// the returned channel; the loop itself never inspects emitted text.
type Loop struct {
	provider LLMProvider
	store    MessageStore
	config   *LoopConfig
}

// NewLoop creates a loop bound to one resolved provider and a message store.
// If config is nil, DefaultLoopConfig is used.
func NewLoop(provider LLMProvider, store MessageStore, config *LoopConfig) *Loop {
	return &Loop{
		provider: provider,
		store:    store,
		config:   sanitizeLoopConfig(config),
	}
}

// Run executes one turn and streams output through the returned channel.
//
// The inbound user message is persisted synchronously before any model
// invocation; a write failure fails the whole request with no model cost.
// Everything after that point runs asynchronously: the channel closes when
// the turn finishes, and the on-finish step (assistant persistence plus the
// OnFinish hook) runs even when the client has gone away.
func (l *Loop) Run(ctx context.Context, req *RunRequest) (<-chan *StreamUnit, error) {
	if l.provider == nil {
		return nil, ErrNoProvider
	}
	if req == nil {
		return nil, errors.New("agent: run request is nil")
	}
	if l.store == nil {
		return nil, errors.New("agent: no message store configured")
	}
	if strings.TrimSpace(req.UserContent) == "" {
		return nil, errors.New("agent: empty user message")
	}

	// History first, then the synchronous inbound write. Loading before
	// writing keeps the new message out of its own context.
	messages, err := LoadHistory(ctx, l.store, req.PageID, req.ConversationID)
	if err != nil {
		return nil, err
	}

	userMsg := &models.ChatMessage{
		ID:             uuid.NewString(),
		PageID:         req.PageID,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Role:           models.RoleUser,
		Content:        req.UserContent,
		CreatedAt:      time.Now().UTC(),
		IsActive:       true,
	}
	if err := l.store.CreateMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	messages = append(messages, CompletionMessage{
		Role:    string(models.RoleUser),
		Content: req.UserContent,
	})

	runCtx := ctx
	var cancel context.CancelFunc
	if l.config.MaxWallTime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, l.config.MaxWallTime)
	}

	units := make(chan *StreamUnit, streamBufferSize)

	go func() {
		defer close(units)
		if cancel != nil {
			defer cancel()
		}
		l.run(runCtx, req, messages, units)
	}()

	return units, nil
}

// loopState accumulates the assistant turn across steps.
type loopState struct {
	messages     []CompletionMessage
	text         strings.Builder
	toolCalls    []models.ToolCall
	toolResults  []models.ToolResult
	steps        int
	inputTokens  int
	outputTokens int
}

func (l *Loop) run(ctx context.Context, req *RunRequest, messages []CompletionMessage, units chan<- *StreamUnit) {
	logger := observability.FromContext(ctx)
	state := &loopState{messages: messages}

	var terminal error
	defer func() {
		l.finish(ctx, req, state, terminal)
	}()

	for state.steps < l.config.MaxSteps {
		select {
		case <-ctx.Done():
			terminal = ctx.Err()
			emit(ctx, units, &StreamUnit{Error: terminal})
			return
		default:
		}

		state.steps++

		stepText, toolCalls, err := l.streamStep(ctx, req, state, units)
		if err != nil {
			terminal = err
			emit(ctx, units, &StreamUnit{Error: err})
			return
		}

		// A stream cut short by cancellation ends without error; treat the
		// turn as aborted rather than complete.
		if err := ctx.Err(); err != nil {
			terminal = err
			emit(ctx, units, &StreamUnit{Error: err})
			return
		}

		if len(toolCalls) == 0 {
			emit(ctx, units, &StreamUnit{Done: true})
			return
		}

		results := l.executeTools(ctx, req, toolCalls, units)

		state.toolCalls = append(state.toolCalls, toolCalls...)
		state.toolResults = append(state.toolResults, results...)

		// Feed the exchange back as the next model input.
		state.messages = append(state.messages,
			CompletionMessage{
				Role:      string(models.RoleAssistant),
				Content:   stepText,
				ToolCalls: toolCalls,
			},
			CompletionMessage{
				Role:        string(models.RoleUser),
				ToolResults: results,
			},
		)
	}

	logger.Warn(ctx, "turn hit step cap", "steps", state.steps)
	terminal = ErrMaxSteps
	emit(ctx, units, &StreamUnit{Error: ErrMaxSteps})
}

// streamStep invokes the model once and collects its tool calls, forwarding
// text deltas as they arrive. It returns the text emitted during this step so
// the caller can echo it back into the model context.
func (l *Loop) streamStep(ctx context.Context, req *RunRequest, state *loopState, units chan<- *StreamUnit) (string, []models.ToolCall, error) {
	tools := make([]Tool, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, t)
	}

	completion, err := l.provider.Complete(ctx, &CompletionRequest{
		Model:     req.Model,
		System:    req.System,
		Messages:  state.messages,
		Tools:     tools,
		MaxTokens: l.config.MaxTokens,
	})
	if err != nil {
		return "", nil, err
	}

	var toolCalls []models.ToolCall
	var stepText strings.Builder

	for chunk := range completion {
		if chunk.Error != nil {
			return "", nil, chunk.Error
		}

		if chunk.Text != "" {
			if state.text.Len()+len(chunk.Text) > MaxResponseTextSize {
				return "", nil, fmt.Errorf("agent: response text exceeds %d bytes", MaxResponseTextSize)
			}
			stepText.WriteString(chunk.Text)
			emit(ctx, units, &StreamUnit{Text: chunk.Text})
		}

		if chunk.ToolCall != nil {
			if len(toolCalls) >= MaxToolCallsPerStep {
				return "", nil, fmt.Errorf("agent: tool calls exceed %d per step", MaxToolCallsPerStep)
			}
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}

		if chunk.Done {
			state.inputTokens += chunk.InputTokens
			state.outputTokens += chunk.OutputTokens
		}
	}

	if stepText.Len() > 0 {
		state.text.WriteString(stepText.String())
		if len(toolCalls) > 0 {
			// Keep paragraphs from separate steps apart.
			state.text.WriteString("\n")
		}
	}

	return stepText.String(), toolCalls, nil
}

// executeTools runs the step's tool calls in order. Tool failures are
// non-fatal: they surface as error-flagged results so the model can react.
func (l *Loop) executeTools(ctx context.Context, req *RunRequest, calls []models.ToolCall, units chan<- *StreamUnit) []models.ToolResult {
	logger := observability.FromContext(ctx)
	results := make([]models.ToolResult, 0, len(calls))

	for i := range calls {
		call := calls[i]
		emit(ctx, units, &StreamUnit{ToolCall: &call})

		result := models.ToolResult{ToolCallID: call.ID}

		tool, ok := req.Tools[call.Name]
		switch {
		case !ok:
			result.Content = fmt.Sprintf("tool not available: %s", call.Name)
			result.IsError = true
		case ctx.Err() != nil:
			result.Content = "tool execution cancelled"
			result.IsError = true
		default:
			out, err := tool.Execute(ctx, call.Input)
			if err != nil {
				logger.Warn(ctx, "tool execution failed", "tool", call.Name, "error", err)
				result.Content = err.Error()
				result.IsError = true
			} else if out != nil {
				result.Content = out.Content
				result.IsError = out.IsError
			}
		}

		results = append(results, result)
		emit(ctx, units, &StreamUnit{ToolResult: &result})
	}

	return results
}

// finish persists the assistant turn and invokes the on-finish hook. It runs
// on a context detached from the client so an abort cannot skip accounting.
// Persistence failure here is logged, never surfaced: the stream the client
// saw is already final.
func (l *Loop) finish(ctx context.Context, req *RunRequest, state *loopState, terminal error) {
	finishCtx, cancelFinish := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancelFinish()

	logger := observability.FromContext(ctx)
	aborted := errors.Is(terminal, context.Canceled) || errors.Is(terminal, context.DeadlineExceeded)

	assistantMsg := &models.ChatMessage{
		ID:             uuid.NewString(),
		PageID:         req.PageID,
		ConversationID: req.ConversationID,
		Role:           models.RoleAssistant,
		Content:        strings.TrimRight(state.text.String(), "\n"),
		ToolCalls:      state.toolCalls,
		ToolResults:    state.toolResults,
		CreatedAt:      time.Now().UTC(),
		IsActive:       true,
	}

	if assistantMsg.Content != "" || len(assistantMsg.ToolCalls) > 0 {
		if err := l.store.CreateMessage(finishCtx, assistantMsg); err != nil {
			logger.Error(ctx, "assistant message write failed", "error", err)
		}
	}

	if req.OnFinish != nil {
		req.OnFinish(finishCtx, &Turn{
			AssistantMessage: assistantMsg,
			Steps:            state.steps,
			InputTokens:      state.inputTokens,
			OutputTokens:     state.outputTokens,
			Err:              terminal,
			Aborted:          aborted,
		})
	}
}

// emit forwards a unit to the consumer. A vanished consumer is detected via
// context cancellation (the HTTP server cancels the request context on
// disconnect), so a stuck send cannot wedge the turn: the loop observes
// ctx.Done on its next iteration and finishes.
func emit(ctx context.Context, units chan<- *StreamUnit, unit *StreamUnit) {
	select {
	case units <- unit:
	case <-ctx.Done():
	}
}
