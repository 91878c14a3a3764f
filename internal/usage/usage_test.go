package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/2witstudios/pagespace/pkg/models"
)

type failingUsageStore struct {
	calls int
}

func (s *failingUsageStore) RecordUsage(context.Context, *models.UsageRecord) error {
	s.calls++
	return errors.New("disk full")
}

func (s *failingUsageStore) ListUsage(context.Context, string, time.Time) ([]*models.UsageRecord, error) {
	return nil, nil
}

func rec(user, provider, model string, in, out int, errClass string) *models.UsageRecord {
	return &models.UsageRecord{
		UserID:       user,
		Provider:     provider,
		Model:        model,
		InputTokens:  in,
		OutputTokens: out,
		DurationMs:   500,
		ErrorClass:   errClass,
	}
}

func TestTrackerTotalsByModel(t *testing.T) {
	tracker := NewTracker(nil)
	ctx := context.Background()

	tracker.Record(ctx, rec("u1", "anthropic", "claude-3-haiku-20240307", 100, 50, ""))
	tracker.Record(ctx, rec("u2", "anthropic", "claude-3-haiku-20240307", 200, 80, ""))
	tracker.Record(ctx, rec("u1", "openai", "gpt-4o", 10, 5, "rate_limit"))

	totals := tracker.TotalsByModel()
	haiku := totals["anthropic:claude-3-haiku-20240307"]
	if haiku.Turns != 2 || haiku.Tokens() != 430 {
		t.Errorf("haiku totals = %+v", haiku)
	}
	gpt := totals["openai:gpt-4o"]
	if gpt.Errors != 1 {
		t.Errorf("gpt totals = %+v, want one error", gpt)
	}
}

func TestTrackerTotalsForUser(t *testing.T) {
	tracker := NewTracker(nil)
	ctx := context.Background()

	tracker.Record(ctx, rec("u1", "anthropic", "m", 100, 50, ""))
	tracker.Record(ctx, rec("u1", "openai", "m2", 10, 5, ""))
	tracker.Record(ctx, rec("u2", "openai", "m2", 1, 1, ""))

	if got := tracker.TotalsForUser("u1"); got.Turns != 2 || got.Tokens() != 165 {
		t.Errorf("u1 totals = %+v", got)
	}
	if got := tracker.TotalsForUser("unknown"); got.Turns != 0 {
		t.Errorf("unknown user totals = %+v", got)
	}
}

func TestTrackerStoreFailureIsSwallowed(t *testing.T) {
	store := &failingUsageStore{}
	tracker := NewTracker(store)

	tracker.Record(context.Background(), rec("u1", "anthropic", "m", 1, 1, ""))

	if store.calls != 1 {
		t.Errorf("store calls = %d", store.calls)
	}
	// The in-memory view still advanced.
	if got := tracker.TotalsForUser("u1"); got.Turns != 1 {
		t.Errorf("totals = %+v", got)
	}
}

func TestTrackerPrunesOldRecords(t *testing.T) {
	tracker := NewTracker(nil)
	current := time.Now()
	tracker.now = func() time.Time { return current }

	old := rec("u1", "anthropic", "m", 1, 1, "")
	old.CreatedAt = current.Add(-25 * time.Hour)
	tracker.Record(context.Background(), old)

	current = current.Add(time.Minute)
	fresh := rec("u1", "anthropic", "m", 1, 1, "")
	tracker.Record(context.Background(), fresh)

	recent := tracker.Recent(current.Add(-retention))
	if len(recent) != 1 {
		t.Errorf("recent = %d records, want the old one pruned", len(recent))
	}
}
