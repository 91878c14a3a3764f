// Package usage aggregates per-turn token accounting. The tracker keeps a
// rolling in-memory view for dashboards and totals; durable per-turn records
// go through the storage layer.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/2witstudios/pagespace/internal/observability"
	"github.com/2witstudios/pagespace/internal/storage"
	"github.com/2witstudios/pagespace/pkg/models"
)

// retention bounds the in-memory record window.
const retention = 24 * time.Hour

// Totals accumulates token counts for one (provider, model) pair.
type Totals struct {
	Turns        int   `json:"turns"`
	InputTokens  int   `json:"input_tokens"`
	OutputTokens int   `json:"output_tokens"`
	Errors       int   `json:"errors"`
	DurationMs   int64 `json:"duration_ms"`
}

// Tokens returns combined input and output tokens.
func (t Totals) Tokens() int { return t.InputTokens + t.OutputTokens }

func (t *Totals) add(rec *models.UsageRecord) {
	t.Turns++
	t.InputTokens += rec.InputTokens
	t.OutputTokens += rec.OutputTokens
	t.DurationMs += rec.DurationMs
	if rec.ErrorClass != "" {
		t.Errors++
	}
}

// Tracker records usage per turn. Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	records []*models.UsageRecord
	totals  map[string]*Totals // keyed "provider:model"
	byUser  map[string]*Totals

	store storage.UsageStore
	now   func() time.Time
}

// NewTracker creates a tracker. store may be nil; the in-memory view still
// works without durable records.
func NewTracker(store storage.UsageStore) *Tracker {
	return &Tracker{
		totals: make(map[string]*Totals),
		byUser: make(map[string]*Totals),
		store:  store,
		now:    time.Now,
	}
}

// Record accounts one completed turn and persists it. A store failure is
// logged, never surfaced, so accounting cannot break a finished turn.
func (t *Tracker) Record(ctx context.Context, rec *models.UsageRecord) {
	if rec == nil {
		return
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = t.now().UTC()
	}

	t.mu.Lock()
	t.records = append(t.records, rec)
	key := rec.Provider + ":" + rec.Model
	if t.totals[key] == nil {
		t.totals[key] = &Totals{}
	}
	t.totals[key].add(rec)
	if rec.UserID != "" {
		if t.byUser[rec.UserID] == nil {
			t.byUser[rec.UserID] = &Totals{}
		}
		t.byUser[rec.UserID].add(rec)
	}
	t.pruneOld()
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.RecordUsage(ctx, rec); err != nil {
			observability.FromContext(ctx).Warn(ctx, "usage record write failed",
				"provider", rec.Provider, "model", rec.Model, "error", err)
		}
	}
}

// pruneOld drops in-memory records outside the retention window. Caller
// holds the lock.
func (t *Tracker) pruneOld() {
	cutoff := t.now().Add(-retention)
	idx := 0
	for idx < len(t.records) && t.records[idx].CreatedAt.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		t.records = append([]*models.UsageRecord{}, t.records[idx:]...)
	}
}

// TotalsByModel returns a copy of the per-model totals.
func (t *Tracker) TotalsByModel() map[string]Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Totals, len(t.totals))
	for key, totals := range t.totals {
		out[key] = *totals
	}
	return out
}

// TotalsForUser returns accumulated totals for one user.
func (t *Tracker) TotalsForUser(userID string) Totals {
	t.mu.Lock()
	defer t.mu.Unlock()
	if totals, ok := t.byUser[userID]; ok {
		return *totals
	}
	return Totals{}
}

// Recent returns in-memory records newer than since, newest last.
func (t *Tracker) Recent(since time.Time) []*models.UsageRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*models.UsageRecord
	for _, rec := range t.records {
		if !rec.CreatedAt.Before(since) {
			clone := *rec
			out = append(out, &clone)
		}
	}
	return out
}
