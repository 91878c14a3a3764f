package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/2witstudios/pagespace/internal/agent"
)

// streamDoneMarker terminates every stream, including failed ones, so
// clients never hang waiting for more events.
const streamDoneMarker = "[DONE]"

// streamEvent is the wire shape of one server-sent event. Errors cross the
// wire as a class string, never as raw provider text.
type streamEvent struct {
	Text       string      `json:"text,omitempty"`
	ToolCall   interface{} `json:"tool_call,omitempty"`
	ToolResult interface{} `json:"tool_result,omitempty"`
	Usage      *usageEvent `json:"usage,omitempty"`
	Error      string      `json:"error,omitempty"`
	Done       bool        `json:"done,omitempty"`
}

// usageEvent summarizes the turn's token spend, sent once before the done
// marker.
type usageEvent struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	Steps        int `json:"steps"`
}

// sseWriter frames stream units as server-sent events.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, flusher: flusher}, nil
}

// writeUnit emits one stream unit as an event. Serialization failures are
// returned so the caller can stop writing; the done marker still follows.
func (s *sseWriter) writeUnit(unit *agent.StreamUnit, errClass string) error {
	event := streamEvent{
		Text: unit.Text,
		Done: unit.Done,
	}
	if unit.ToolCall != nil {
		event.ToolCall = unit.ToolCall
	}
	if unit.ToolResult != nil {
		event.ToolResult = unit.ToolResult
	}
	if unit.Error != nil {
		event.Error = errClass
	}
	return s.writeEvent(event)
}

func (s *sseWriter) writeEvent(event streamEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// writeDone emits the terminal marker.
func (s *sseWriter) writeDone() {
	fmt.Fprintf(s.w, "data: %s\n\n", streamDoneMarker)
	s.flusher.Flush()
}
