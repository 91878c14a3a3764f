package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/2witstudios/pagespace/internal/agent"
)

// maxToolNameLen is the longest tool name common provider grammars accept.
// Declarations that encode past it are dropped; truncating would produce
// colliding, unparseable names.
const maxToolNameLen = 64

// ToolSchema is one remotely declared tool, supplied by the client per
// request. The server holds no catalog between requests.
type ToolSchema struct {
	AgentID     string          `json:"agentId"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ParseToolName splits an encoded bridge tool name into agent id and tool
// name. Both historical encodings are accepted: "agent:tool" and
// "agent__tool".
func ParseToolName(encoded string) (agentID, tool string, err error) {
	if i := strings.Index(encoded, ":"); i > 0 && i < len(encoded)-1 {
		return encoded[:i], encoded[i+1:], nil
	}
	if i := strings.Index(encoded, "__"); i > 0 && i+2 < len(encoded) {
		return encoded[:i], encoded[i+2:], nil
	}
	return "", "", fmt.Errorf("mcp: tool name %q has no agent prefix", encoded)
}

// EncodeToolName produces the name presented to models. The underscore form
// is used because most provider tool grammars reject colons.
func EncodeToolName(agentID, tool string) string {
	return agentID + "__" + tool
}

// BridgeTool exposes one remote tool as a locally invocable agent.Tool.
// Parameters are validated against the declared schema before forwarding.
type BridgeTool struct {
	registry    *Registry
	userID      string
	agentID     string
	remoteName  string
	name        string
	description string
	schema      json.RawMessage
	validator   *jsonschema.Schema
}

// BuildTools converts per-request tool schemas into invocable tools keyed by
// their encoded names. Declarations whose encoded name exceeds the provider
// grammar limit are skipped. A schema that fails to compile disables
// validation for that tool rather than rejecting the request.
func BuildTools(registry *Registry, userID string, schemas []ToolSchema) map[string]agent.Tool {
	tools := make(map[string]agent.Tool, len(schemas))
	for _, s := range schemas {
		if s.AgentID == "" || s.Name == "" {
			continue
		}
		name := EncodeToolName(s.AgentID, s.Name)
		if len(name) > maxToolNameLen {
			continue
		}
		if _, exists := tools[name]; exists {
			continue
		}

		schema := s.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		tools[name] = &BridgeTool{
			registry:    registry,
			userID:      userID,
			agentID:     s.AgentID,
			remoteName:  s.Name,
			name:        name,
			description: s.Description,
			schema:      schema,
			validator:   compileSchema(name, schema),
		}
	}
	return tools
}

func compileSchema(name string, schema json.RawMessage) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name+".json", bytes.NewReader(schema)); err != nil {
		return nil
	}
	compiled, err := compiler.Compile(name + ".json")
	if err != nil {
		return nil
	}
	return compiled
}

func (t *BridgeTool) Name() string { return t.name }

func (t *BridgeTool) Description() string {
	desc := strings.TrimSpace(t.description)
	if desc == "" {
		return fmt.Sprintf("Remote tool %s on agent %s.", t.remoteName, t.agentID)
	}
	return desc
}

func (t *BridgeTool) Schema() json.RawMessage { return t.schema }

// Execute validates the parameters and forwards the call over the bridge.
// A missing connection and remote failures surface as error results so the
// model can react instead of the turn crashing.
func (t *BridgeTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	if t.validator != nil {
		var decoded any
		if err := json.Unmarshal(params, &decoded); err != nil {
			return bridgeError(fmt.Sprintf("invalid parameters: %v", err)), nil
		}
		if err := t.validator.Validate(decoded); err != nil {
			return bridgeError(fmt.Sprintf("parameters do not match the tool schema: %v", err)), nil
		}
	}

	if !t.registry.Connected(t.userID, t.agentID) {
		return bridgeError(fmt.Sprintf("agent %s is not connected; start the agent and retry", t.agentID)), nil
	}

	result, err := t.registry.CallTool(ctx, t.userID, t.agentID, t.remoteName, params)
	if err != nil {
		if errors.Is(err, ErrAgentNotConnected) {
			return bridgeError(fmt.Sprintf("agent %s is not connected; start the agent and retry", t.agentID)), nil
		}
		return bridgeError(fmt.Sprintf("bridge call failed: %v", err)), nil
	}
	return &agent.ToolResult{Content: result.Content, IsError: result.IsError}, nil
}

func bridgeError(message string) *agent.ToolResult {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &agent.ToolResult{Content: message, IsError: true}
	}
	return &agent.ToolResult{Content: string(payload), IsError: true}
}
