// Package mcp bridges remotely declared tools into the chat loop. A user's
// agent process keeps a persistent websocket open to the server; tool calls
// are forwarded over that connection and the results correlated back by call
// id. Tool schemas arrive per request, so nothing about the remote catalog
// is cached server-side.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2witstudios/pagespace/internal/observability"
)

// ErrAgentNotConnected is returned when a tool call targets an agent with no
// active bridge connection. Checked before anything goes over the wire.
var ErrAgentNotConnected = errors.New("mcp: agent not connected")

const (
	defaultCallTimeout = 60 * time.Second
	writeWait          = 10 * time.Second
	pongWait           = 90 * time.Second
	pingPeriod         = 30 * time.Second
	maxMessageSize     = 4 << 20
)

// wire message types exchanged with the remote agent.
const (
	msgToolCall   = "tool_call"
	msgToolResult = "tool_result"
)

type wireMessage struct {
	Type      string          `json:"type"`
	CallID    string          `json:"callId"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"isError,omitempty"`
}

// ToolCallResult is the outcome of one remote tool invocation.
type ToolCallResult struct {
	Content string
	IsError bool
}

// connection is one live agent websocket.
type connection struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *connection) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

// pendingCall is one in-flight tool call awaiting its correlated result,
// bound to the connection it was sent on.
type pendingCall struct {
	conn *connection
	ch   chan *ToolCallResult
}

// Registry tracks agent bridge connections keyed by (userID, agentID) and
// correlates in-flight tool calls with their results.
type Registry struct {
	mu      sync.Mutex
	conns   map[string]*connection
	pending map[string]*pendingCall

	upgrader    websocket.Upgrader
	callTimeout time.Duration
	metrics     *observability.Metrics
}

// NewRegistry creates an empty bridge registry.
func NewRegistry(metrics *observability.Metrics) *Registry {
	return &Registry{
		conns:   make(map[string]*connection),
		pending: make(map[string]*pendingCall),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		callTimeout: defaultCallTimeout,
		metrics:     metrics,
	}
}

func connKey(userID, agentID string) string { return userID + "\x00" + agentID }

// Connected reports whether the user's agent currently holds a bridge
// connection.
func (r *Registry) Connected(userID, agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[connKey(userID, agentID)]
	return ok
}

// HandleConnection upgrades an HTTP request to a bridge websocket and serves
// it until the agent disconnects. A second connection for the same
// (userID, agentID) replaces the first.
func (r *Registry) HandleConnection(w http.ResponseWriter, req *http.Request, userID, agentID string) error {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return fmt.Errorf("upgrade bridge connection: %w", err)
	}

	conn := &connection{ws: ws}
	key := connKey(userID, agentID)

	r.mu.Lock()
	if old, ok := r.conns[key]; ok {
		_ = old.ws.Close()
	}
	r.conns[key] = conn
	r.mu.Unlock()

	log := observability.FromContext(req.Context())
	log.Info(req.Context(), "bridge connected", "agent_id", agentID)
	if r.metrics != nil {
		r.metrics.BridgeConnections.Inc()
	}

	r.readLoop(req.Context(), conn, key, agentID)
	return nil
}

func (r *Registry) readLoop(ctx context.Context, conn *connection, key, agentID string) {
	defer func() {
		r.dropConnection(key, conn)
		if r.metrics != nil {
			r.metrics.BridgeConnections.Dec()
		}
		observability.FromContext(ctx).Info(ctx, "bridge disconnected", "agent_id", agentID)
	}()

	conn.ws.SetReadLimit(maxMessageSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.writeMu.Lock()
				_ = conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
				err := conn.ws.WriteMessage(websocket.PingMessage, nil)
				conn.writeMu.Unlock()
				if err != nil {
					return
				}
			case <-stopPing:
				return
			}
		}
	}()

	for {
		var msg wireMessage
		if err := conn.ws.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != msgToolResult || msg.CallID == "" {
			continue
		}
		r.resolve(msg.CallID, &ToolCallResult{Content: msg.Content, IsError: msg.IsError})
	}
}

// dropConnection removes the connection if it is still the registered one
// and fails every call that was waiting on it. A replacement connection
// never saw the outstanding tool_call messages, so those calls can only be
// answered with an error.
func (r *Registry) dropConnection(key string, conn *connection) {
	r.mu.Lock()
	if cur, ok := r.conns[key]; ok && cur == conn {
		delete(r.conns, key)
	}
	var orphaned []chan *ToolCallResult
	for id, call := range r.pending {
		if call.conn == conn {
			delete(r.pending, id)
			orphaned = append(orphaned, call.ch)
		}
	}
	r.mu.Unlock()
	_ = conn.ws.Close()

	for _, ch := range orphaned {
		ch <- &ToolCallResult{Content: "agent disconnected before responding", IsError: true}
	}
}

func (r *Registry) resolve(callID string, result *ToolCallResult) {
	r.mu.Lock()
	call, ok := r.pending[callID]
	if ok {
		delete(r.pending, callID)
	}
	r.mu.Unlock()
	if ok {
		call.ch <- result
	}
}

// CallTool forwards one tool invocation to the user's agent and waits for
// the correlated result. Returns ErrAgentNotConnected without any wire
// traffic when no bridge connection exists.
func (r *Registry) CallTool(ctx context.Context, userID, agentID, tool string, arguments json.RawMessage) (*ToolCallResult, error) {
	key := connKey(userID, agentID)

	r.mu.Lock()
	conn, ok := r.conns[key]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentNotConnected, agentID)
	}
	callID := uuid.NewString()
	resultCh := make(chan *ToolCallResult, 1)
	r.pending[callID] = &pendingCall{conn: conn, ch: resultCh}
	r.mu.Unlock()

	cleanup := func() {
		r.mu.Lock()
		delete(r.pending, callID)
		r.mu.Unlock()
	}

	if len(arguments) == 0 {
		arguments = json.RawMessage(`{}`)
	}
	err := conn.writeJSON(&wireMessage{
		Type:      msgToolCall,
		CallID:    callID,
		Tool:      tool,
		Arguments: arguments,
	})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("send tool call: %w", err)
	}

	timer := time.NewTimer(r.callTimeout)
	defer timer.Stop()

	select {
	case result := <-resultCh:
		return result, nil
	case <-timer.C:
		cleanup()
		return nil, fmt.Errorf("tool call %s timed out after %s", tool, r.callTimeout)
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}
