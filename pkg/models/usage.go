package models

import "time"

// UsageRecord captures the accounting for one completed assistant turn.
// One record is written per turn, including aborted and failed ones, so
// billing and debugging see the same stream.
type UsageRecord struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	PageID       string    `json:"page_id,omitempty"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	DurationMs   int64     `json:"duration_ms"`
	ErrorClass   string    `json:"error_class,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
