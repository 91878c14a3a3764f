package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ChatMessage is one persisted conversational turn on a page.
//
// Messages sharing (PageID, ConversationID) form a single linear history
// ordered by CreatedAt. Only active messages participate in model context;
// IsActive and EditedAt are flipped by the edit feature, nothing else
// mutates a stored message.
type ChatMessage struct {
	ID             string       `json:"id"`
	PageID         string       `json:"page_id"`
	ConversationID string       `json:"conversation_id"`
	UserID         string       `json:"user_id,omitempty"` // empty for assistant turns
	Role           Role         `json:"role"`
	Content        string       `json:"content"`
	ToolCalls      []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults    []ToolResult `json:"tool_results,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	IsActive       bool         `json:"is_active"`
	EditedAt       *time.Time   `json:"edited_at,omitempty"`
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}
