// Package agent implements the chat orchestration core: a bounded
// tool-calling loop that streams model output incrementally while keeping the
// durable store authoritative for conversation history.
package agent

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/2witstudios/pagespace/pkg/models"
)

// LLMProvider defines the interface for language model backends.
//
// Implementations handle the specifics of one API (Anthropic, OpenAI
// compatible, etc.) behind a unified streaming interface. Implementations
// must be safe for concurrent use; each Complete call owns an independent
// stream.
type LLMProvider interface {
	// Complete sends a prompt and returns a streaming response.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []Model

	// SupportsTools returns whether the provider supports tool use.
	SupportsTools() bool
}

// CompletionRequest contains all parameters for one model invocation.
type CompletionRequest struct {
	// Model specifies which model to use. If empty, the provider's default
	// model is used.
	Model string `json:"model"`

	// System is the system prompt. Handled separately from messages in most
	// LLM APIs.
	System string `json:"system,omitempty"`

	// Messages contains the conversation history in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools defines the tools the model may request to execute.
	Tools []Tool `json:"tools,omitempty"`

	// MaxTokens limits the generated response length. Zero selects the
	// provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage represents a single model-consumable turn.
//
// Role values: "user", "assistant".
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionChunk represents a single chunk in a streaming model response.
// A chunk carries partial text, a complete tool call, a terminal error, or
// the done signal with token counts.
type CompletionChunk struct {
	// Text contains partial response text.
	Text string `json:"text,omitempty"`

	// ToolCall contains a complete tool execution request.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done is true when the stream has completed successfully.
	Done bool `json:"done,omitempty"`

	// Error terminates the stream.
	Error error `json:"-"`

	// InputTokens and OutputTokens are populated on the final chunk.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Model describes an available model.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContextSize int    `json:"context_size"`
}

// Tool defines the interface for executable tools.
type Tool interface {
	// Name returns the tool name for model function calling. Must satisfy
	// the common provider grammar: alphanumeric, underscore, hyphen.
	Name() string

	// Description returns a natural language description of the tool.
	Description() string

	// Schema returns the JSON Schema defining the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool with the given JSON parameters.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// MutatingTool is implemented by tools that create, modify, or delete data.
// The permission filter strips them in read-only mode.
type MutatingTool interface {
	Tool
	Mutating() bool
}

// IsMutating reports whether a tool is flagged as mutating.
func IsMutating(t Tool) bool {
	if mt, ok := t.(MutatingTool); ok {
		return mt.Mutating()
	}
	return false
}

// ToolResult contains the output from a tool execution. Errors are
// communicated with IsError=true so the model can react to failures.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// StreamUnit is one unit of the turn's output stream. Consumers check each
// field: partial text, a tool-call announcement, a tool-result announcement,
// a non-fatal error marker, or the completion signal.
type StreamUnit struct {
	Text       string             `json:"text,omitempty"`
	ToolCall   *models.ToolCall   `json:"tool_call,omitempty"`
	ToolResult *models.ToolResult `json:"tool_result,omitempty"`
	Error      error              `json:"-"`
	Done       bool               `json:"done,omitempty"`
}

// MessageStore persists and loads conversation turns. Implemented by
// internal/store.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *models.ChatMessage) error
	ListMessages(ctx context.Context, pageID, conversationID string) ([]*models.ChatMessage, error)
}

// Turn summarizes one completed (possibly partial) assistant turn, handed to
// the on-finish hook for usage accounting.
type Turn struct {
	AssistantMessage *models.ChatMessage
	Steps            int
	InputTokens      int
	OutputTokens     int
	Err              error
	Aborted          bool
}

var (
	// ErrNoProvider indicates the loop was constructed without a provider.
	ErrNoProvider = errors.New("agent: no provider configured")

	// ErrMaxSteps indicates the step cap was reached with the model still
	// requesting tools.
	ErrMaxSteps = errors.New("agent: max steps reached")
)
