package providers

import (
	"encoding/json"
	"testing"

	"github.com/2witstudios/pagespace/internal/agent"
	"github.com/2witstudios/pagespace/pkg/models"
)

func TestConvertToAnthropicMessagesSkipsEmpty(t *testing.T) {
	result := convertToAnthropicMessages([]agent.CompletionMessage{
		{Role: "user", Content: ""},
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: ""},
	})
	if len(result) != 1 {
		t.Fatalf("messages = %d, want only the non-empty user turn", len(result))
	}
	if result[0].Role != "user" {
		t.Errorf("role = %s, want user", result[0].Role)
	}
}

func TestConvertToAnthropicMessagesToolUse(t *testing.T) {
	result := convertToAnthropicMessages([]agent.CompletionMessage{
		{
			Role:    "assistant",
			Content: "let me look",
			ToolCalls: []models.ToolCall{
				{ID: "tc-1", Name: "search_pages", Input: json.RawMessage(`{"query":"roadmap"}`)},
			},
		},
		{
			Role: "user",
			ToolResults: []models.ToolResult{
				{ToolCallID: "tc-1", Content: "3 results"},
			},
		},
	})

	if len(result) != 2 {
		t.Fatalf("messages = %d, want 2", len(result))
	}
	if result[0].Role != "assistant" || len(result[0].Content) != 2 {
		t.Errorf("assistant message should carry a text and a tool_use block, got %d blocks", len(result[0].Content))
	}
	if result[1].Role != "user" || len(result[1].Content) != 1 {
		t.Errorf("tool results should become one user message, got %+v", result[1])
	}
}

func TestConvertToAnthropicTools(t *testing.T) {
	tools := convertToAnthropicTools([]agent.Tool{
		staticTool{name: "read_page", schema: `{"type":"object","properties":{"pageId":{"type":"string"}}}`},
	})

	if len(tools) != 1 {
		t.Fatalf("tools = %d, want 1", len(tools))
	}
	if tools[0].OfTool == nil {
		t.Fatal("expected a plain tool param")
	}
	if tools[0].OfTool.Name != "read_page" {
		t.Errorf("name = %s", tools[0].OfTool.Name)
	}
	if tools[0].OfTool.Description.Value != "test tool read_page" {
		t.Errorf("description = %q", tools[0].OfTool.Description.Value)
	}
}

func TestAnthropicProviderMetadata(t *testing.T) {
	p := NewAnthropicProvider(AnthropicConfig{APIKey: "sk-ant-test"})
	if p.Name() != "anthropic" {
		t.Errorf("name = %s", p.Name())
	}
	if !p.SupportsTools() {
		t.Error("tools should be supported")
	}
	if len(p.Models()) == 0 {
		t.Error("model catalog should not be empty")
	}
}
