package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/2witstudios/pagespace/internal/agent"
	"github.com/2witstudios/pagespace/pkg/models"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-20250514"
	defaultMaxTokens      = 4096

	// maxEmptyStreamEvents bounds consecutive events that produce no output.
	// A malformed or stuck stream gets cut off instead of spinning forever.
	maxEmptyStreamEvents = 300
)

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	MaxRetries int
}

// AnthropicProvider streams completions from the Anthropic Messages API.
type AnthropicProvider struct {
	client     anthropic.Client
	maxRetries int
	retryDelay time.Duration
}

// NewAnthropicProvider creates a provider backed by the official SDK.
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &AnthropicProvider{
		client:     anthropic.NewClient(opts...),
		maxRetries: maxRetries,
		retryDelay: retryBaseDelay,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000},
		{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", ContextSize: 200000},
		{ID: "claude-3-haiku-20240307", Name: "Claude 3 Haiku", ContextSize: 200000},
	}
}

func (p *AnthropicProvider) SupportsTools() bool { return true }

// Complete opens a streaming message request. Transient failures that occur
// before any content has been relayed are retried with linear backoff.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  convertToAnthropicMessages(req.Messages),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertToAnthropicTools(req.Tools)
	}

	chunks := make(chan *agent.CompletionChunk, 16)
	go func() {
		defer close(chunks)

		for attempt := 0; attempt < p.maxRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					p.send(ctx, chunks, &agent.CompletionChunk{Error: ctx.Err()})
					return
				case <-time.After(p.retryDelay * time.Duration(attempt)):
				}
			}

			stream := p.client.Messages.NewStreaming(ctx, params)
			relayed, err := p.processStream(ctx, stream, chunks)
			if err == nil {
				return
			}
			// Retry only when nothing reached the consumer yet and the
			// failure looks transient.
			if relayed || !Classify(err).IsRetryable() {
				p.send(ctx, chunks, &agent.CompletionChunk{Error: NewProviderError("anthropic", model, err)})
				return
			}
			if attempt == p.maxRetries-1 {
				p.send(ctx, chunks, &agent.CompletionChunk{Error: NewProviderError("anthropic", model,
					fmt.Errorf("stream failed after %d attempts: %w", p.maxRetries, err))})
			}
		}
	}()
	return chunks, nil
}

// processStream consumes one SSE stream. It reports whether any chunk was
// relayed downstream, which disables retries.
func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk) (bool, error) {
	var (
		relayed      bool
		inputTokens  int
		outputTokens int
		current      *models.ToolCall
		jsonBuf      strings.Builder
		emptyEvents  int
	)

	for stream.Next() {
		event := stream.Current()
		produced := true

		switch event.Type {
		case "message_start":
			inputTokens = int(event.AsMessageStart().Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				tu := block.AsToolUse()
				current = &models.ToolCall{ID: tu.ID, Name: tu.Name}
				jsonBuf.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !p.send(ctx, chunks, &agent.CompletionChunk{Text: delta.Text}) {
						return relayed, ctx.Err()
					}
					relayed = true
				} else {
					produced = false
				}
			case "input_json_delta":
				jsonBuf.WriteString(delta.PartialJSON)
			default:
				produced = false
			}

		case "content_block_stop":
			if current != nil {
				input := jsonBuf.String()
				if input == "" {
					input = "{}"
				}
				current.Input = json.RawMessage(input)
				if !p.send(ctx, chunks, &agent.CompletionChunk{ToolCall: current}) {
					return relayed, ctx.Err()
				}
				relayed = true
				current = nil
			}

		case "message_delta":
			outputTokens = int(event.AsMessageDelta().Usage.OutputTokens)

		case "message_stop":
			p.send(ctx, chunks, &agent.CompletionChunk{
				Done:         true,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			})
			return true, nil

		default:
			produced = false
		}

		if produced {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				return relayed, fmt.Errorf("stream produced %d consecutive empty events", emptyEvents)
			}
		}
	}

	if err := stream.Err(); err != nil {
		return relayed, err
	}
	// Stream ended without message_stop. Treat as complete with whatever
	// token counts were observed.
	p.send(ctx, chunks, &agent.CompletionChunk{
		Done:         true,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	})
	return true, nil
}

func (p *AnthropicProvider) send(ctx context.Context, chunks chan<- *agent.CompletionChunk, chunk *agent.CompletionChunk) bool {
	select {
	case chunks <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// convertToAnthropicMessages maps conversation turns to Messages API params.
// Tool results travel in user messages as tool_result blocks.
func convertToAnthropicMessages(messages []agent.CompletionMessage) []anthropic.MessageParam {
	result := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal(tc.Input, &input); err != nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(blocks...))

		default:
			if len(msg.ToolResults) > 0 {
				blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.ToolResults))
				for _, tr := range msg.ToolResults {
					blocks = append(blocks, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
				}
				result = append(result, anthropic.NewUserMessage(blocks...))
				continue
			}
			if msg.Content == "" {
				continue
			}
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	return result
}

func convertToAnthropicTools(tools []agent.Tool) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			schema = anthropic.ToolInputSchemaParam{}
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name())
		if desc := tool.Description(); desc != "" && param.OfTool != nil {
			param.OfTool.Description = anthropic.String(desc)
		}
		result = append(result, param)
	}
	return result
}
