package agent

import (
	"context"
	"fmt"

	"github.com/2witstudios/pagespace/pkg/models"
)

// LoadHistory reads the persisted conversation for (pageID, conversationID)
// and converts it into model-consumable form.
//
// The store is always the source of truth: client-submitted history is never
// consulted for prior turns, so edits made from another client are reflected
// immediately. Tool-call fragments that never received a result (a turn
// interrupted mid-call) are stripped before conversion.
func LoadHistory(ctx context.Context, store MessageStore, pageID, conversationID string) ([]CompletionMessage, error) {
	history, err := store.ListMessages(ctx, pageID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	history = stripOrphanToolCalls(history)

	messages := make([]CompletionMessage, 0, len(history))
	for _, m := range history {
		if !m.IsActive {
			continue
		}
		messages = append(messages, CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		})
	}
	return messages, nil
}

// stripOrphanToolCalls removes tool calls that have no matching result within
// the same message. Presenting a dangling call would hand the model an
// inconsistent tool state and most provider APIs reject it outright.
func stripOrphanToolCalls(history []*models.ChatMessage) []*models.ChatMessage {
	repaired := make([]*models.ChatMessage, 0, len(history))
	for _, m := range history {
		if len(m.ToolCalls) == 0 {
			repaired = append(repaired, m)
			continue
		}

		resolved := make(map[string]bool, len(m.ToolResults))
		for _, r := range m.ToolResults {
			resolved[r.ToolCallID] = true
		}

		kept := make([]models.ToolCall, 0, len(m.ToolCalls))
		for _, c := range m.ToolCalls {
			if resolved[c.ID] {
				kept = append(kept, c)
			}
		}

		if len(kept) == len(m.ToolCalls) {
			repaired = append(repaired, m)
			continue
		}

		clone := *m
		clone.ToolCalls = kept
		if len(clone.ToolCalls) == 0 {
			clone.ToolCalls = nil
			clone.ToolResults = nil
			if clone.Content == "" {
				// Nothing left of this turn at all.
				continue
			}
		}
		repaired = append(repaired, &clone)
	}
	return repaired
}
