// Package providers implements LLMProvider backends for the chat loop:
// Anthropic over its native SDK, and OpenAI plus OpenAI-compatible endpoints
// (OpenRouter, Ollama) over the chat completions API.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/2witstudios/pagespace/internal/agent"
	"github.com/2witstudios/pagespace/pkg/models"
)

const (
	defaultMaxRetries = 20
	retryBaseDelay    = 500 * time.Millisecond
)

// OpenAIConfig configures an OpenAI-compatible provider.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	MaxRetries int

	// name overrides the provider name for compatible endpoints.
	name          string
	defaultModels []agent.Model
}

// OpenAIProvider speaks the OpenAI chat completions streaming API. It also
// backs the OpenRouter and Ollama providers, which differ only in endpoint
// and model catalog.
type OpenAIProvider struct {
	client     *openai.Client
	name       string
	maxRetries int
	retryDelay time.Duration
	models     []agent.Model
}

// NewOpenAIProvider creates a provider for api.openai.com or any compatible
// endpoint given in cfg.BaseURL.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	name := cfg.name
	if name == "" {
		name = "openai"
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	modelList := cfg.defaultModels
	if modelList == nil {
		modelList = []agent.Model{
			{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000},
			{ID: "gpt-4o-mini", Name: "GPT-4o mini", ContextSize: 128000},
			{ID: "o1", Name: "o1", ContextSize: 200000},
		}
	}

	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(clientCfg),
		name:       name,
		maxRetries: maxRetries,
		retryDelay: retryBaseDelay,
		models:     modelList,
	}
}

func (p *OpenAIProvider) Name() string          { return p.name }
func (p *OpenAIProvider) Models() []agent.Model { return p.models }
func (p *OpenAIProvider) SupportsTools() bool   { return true }

// Complete opens a streaming chat completion. Stream creation is retried
// with linear backoff for transient failures; once the stream is open the
// response is relayed chunk by chunk.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertToOpenAIMessages(req.Messages, req.System),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertToOpenAITools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}

		s, err := p.client.CreateChatCompletionStream(ctx, chatReq)
		if err == nil {
			stream = s
			break
		}
		lastErr = err
		if !Classify(err).IsRetryable() {
			return nil, NewProviderError(p.name, req.Model, err)
		}
	}
	if stream == nil {
		return nil, NewProviderError(p.name, req.Model,
			fmt.Errorf("stream creation failed after %d attempts: %w", p.maxRetries, lastErr))
	}

	chunks := make(chan *agent.CompletionChunk, 16)
	go p.processStream(ctx, stream, req.Model, chunks)
	return chunks, nil
}

// processStream relays SSE deltas, assembling tool calls that arrive
// fragmented across chunks.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, model string, chunks chan<- *agent.CompletionChunk) {
	defer close(chunks)
	defer stream.Close()

	// Tool call fragments are keyed by choice index. The id and name arrive
	// on the first fragment, arguments accumulate over subsequent ones.
	pending := make(map[int]*models.ToolCall)
	argBuffers := make(map[int]*strings.Builder)
	var inputTokens, outputTokens int

	flushPending := func() {
		for i := 0; i < len(pending); i++ {
			tc, ok := pending[i]
			if !ok {
				continue
			}
			args := argBuffers[i].String()
			if args == "" {
				args = "{}"
			}
			tc.Input = json.RawMessage(args)
			p.send(ctx, chunks, &agent.CompletionChunk{ToolCall: tc})
		}
		pending = make(map[int]*models.ToolCall)
		argBuffers = make(map[int]*strings.Builder)
	}

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			flushPending()
			p.send(ctx, chunks, &agent.CompletionChunk{
				Done:         true,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			})
			return
		}
		if err != nil {
			p.send(ctx, chunks, &agent.CompletionChunk{Error: NewProviderError(p.name, model, err)})
			return
		}

		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			if !p.send(ctx, chunks, &agent.CompletionChunk{Text: choice.Delta.Content}) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			cur, ok := pending[idx]
			if !ok {
				cur = &models.ToolCall{}
				pending[idx] = cur
				argBuffers[idx] = &strings.Builder{}
			}
			if tc.ID != "" {
				cur.ID = tc.ID
			}
			if tc.Function.Name != "" {
				cur.Name = tc.Function.Name
			}
			argBuffers[idx].WriteString(tc.Function.Arguments)
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flushPending()
		}
	}
}

func (p *OpenAIProvider) send(ctx context.Context, chunks chan<- *agent.CompletionChunk, chunk *agent.CompletionChunk) bool {
	select {
	case chunks <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// convertToOpenAIMessages maps conversation turns to the chat completions
// wire format. The system prompt becomes the leading message, and each tool
// result becomes its own role=tool message linked by tool_call_id.
func convertToOpenAIMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		if len(msg.ToolResults) > 0 {
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
			continue
		}

		oaiMsg := openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				}
			}
		}
		result = append(result, oaiMsg)
	}

	return result
}

// convertToOpenAITools maps tool definitions to function declarations. A
// tool with an unparseable schema degrades to an empty object schema rather
// than failing the whole request.
func convertToOpenAITools(tools []agent.Tool) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema(), &schemaMap); err != nil {
			schemaMap = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  schemaMap,
			},
		}
	}
	return result
}
