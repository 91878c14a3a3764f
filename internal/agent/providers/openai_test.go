package providers

import (
	"context"
	"encoding/json"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/2witstudios/pagespace/internal/agent"
	"github.com/2witstudios/pagespace/pkg/models"
)

type staticTool struct {
	name   string
	schema string
}

func (t staticTool) Name() string             { return t.name }
func (t staticTool) Description() string      { return "test tool " + t.name }
func (t staticTool) Schema() json.RawMessage  { return json.RawMessage(t.schema) }
func (t staticTool) Execute(context.Context, json.RawMessage) (*agent.ToolResult, error) {
	return &agent.ToolResult{Content: "ok"}, nil
}

func TestConvertToOpenAIMessagesInjectsSystem(t *testing.T) {
	msgs := convertToOpenAIMessages([]agent.CompletionMessage{
		{Role: "user", Content: "hello"},
	}, "you are a page assistant")

	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Role != openai.ChatMessageRoleSystem || msgs[0].Content != "you are a page assistant" {
		t.Errorf("first message = %+v, want the system prompt", msgs[0])
	}
	if msgs[1].Role != "user" {
		t.Errorf("second message role = %s, want user", msgs[1].Role)
	}
}

func TestConvertToOpenAIMessagesToolRoundTrip(t *testing.T) {
	msgs := convertToOpenAIMessages([]agent.CompletionMessage{
		{
			Role:    "assistant",
			Content: "checking",
			ToolCalls: []models.ToolCall{
				{ID: "call-1", Name: "read_page", Input: json.RawMessage(`{"pageId":"p1"}`)},
			},
		},
		{
			Role: "user",
			ToolResults: []models.ToolResult{
				{ToolCallID: "call-1", Content: "page body"},
				{ToolCallID: "call-2", Content: "boom", IsError: true},
			},
		},
	}, "")

	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want assistant plus two tool messages", len(msgs))
	}
	if len(msgs[0].ToolCalls) != 1 || msgs[0].ToolCalls[0].ID != "call-1" {
		t.Errorf("assistant tool calls = %+v", msgs[0].ToolCalls)
	}
	if msgs[0].ToolCalls[0].Function.Arguments != `{"pageId":"p1"}` {
		t.Errorf("arguments = %s", msgs[0].ToolCalls[0].Function.Arguments)
	}
	for i, wantID := range []string{"call-1", "call-2"} {
		msg := msgs[i+1]
		if msg.Role != openai.ChatMessageRoleTool || msg.ToolCallID != wantID {
			t.Errorf("tool message %d = %+v, want tool_call_id %s", i, msg, wantID)
		}
	}
}

func TestConvertToOpenAITools(t *testing.T) {
	tools := convertToOpenAITools([]agent.Tool{
		staticTool{name: "read_page", schema: `{"type":"object","properties":{"pageId":{"type":"string"}}}`},
	})

	if len(tools) != 1 {
		t.Fatalf("tools = %d, want 1", len(tools))
	}
	if tools[0].Type != openai.ToolTypeFunction || tools[0].Function.Name != "read_page" {
		t.Errorf("tool = %+v", tools[0])
	}
	params, ok := tools[0].Function.Parameters.(map[string]any)
	if !ok || params["type"] != "object" {
		t.Errorf("parameters = %+v, want parsed schema map", tools[0].Function.Parameters)
	}
}

func TestConvertToOpenAIToolsBadSchemaDegrades(t *testing.T) {
	tools := convertToOpenAITools([]agent.Tool{
		staticTool{name: "broken", schema: `{not json`},
	})

	params, ok := tools[0].Function.Parameters.(map[string]any)
	if !ok || params["type"] != "object" {
		t.Errorf("broken schema should degrade to empty object, got %+v", tools[0].Function.Parameters)
	}
}

func TestOpenAIProviderDefaults(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test"})
	if p.Name() != "openai" {
		t.Errorf("name = %s", p.Name())
	}
	if !p.SupportsTools() {
		t.Error("tools should be supported")
	}
	if p.maxRetries != defaultMaxRetries {
		t.Errorf("maxRetries = %d, want %d", p.maxRetries, defaultMaxRetries)
	}
}

func TestCompatibleProviderNames(t *testing.T) {
	if got := NewOpenRouterProvider("key", 5).Name(); got != "openrouter" {
		t.Errorf("openrouter name = %s", got)
	}
	ollama := NewOllamaProvider("", 5)
	if got := ollama.Name(); got != "ollama" {
		t.Errorf("ollama name = %s", got)
	}
	if len(ollama.Models()) == 0 {
		t.Error("ollama should publish a default model catalog")
	}
}
