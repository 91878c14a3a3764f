package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/2witstudios/pagespace/pkg/models"
)

func TestMemoryMessagesScopedByConversation(t *testing.T) {
	stores := NewMemoryStores()
	ctx := context.Background()

	for _, conv := range []string{"conv-a", "conv-a", "conv-b"} {
		err := stores.Messages.CreateMessage(ctx, &models.ChatMessage{
			PageID:         "page-1",
			ConversationID: conv,
			Role:           models.RoleUser,
			Content:        "hi",
			IsActive:       true,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := stores.Messages.ListMessages(ctx, "page-1", "conv-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Errorf("conv-a messages = %d, want 2", len(msgs))
	}
}

func TestMemoryPageCRUD(t *testing.T) {
	stores := NewMemoryStores()
	ctx := context.Background()

	page := &models.Page{DriveID: "drive-1", Title: "Notes", Content: "body"}
	if err := stores.Pages.CreatePage(ctx, page); err != nil {
		t.Fatal(err)
	}
	if page.ID == "" {
		t.Fatal("CreatePage should assign an id")
	}

	got, err := stores.Pages.GetPage(ctx, page.ID)
	if err != nil {
		t.Fatal(err)
	}
	got.Title = "Renamed"
	if err := stores.Pages.UpdatePage(ctx, got); err != nil {
		t.Fatal(err)
	}

	results, err := stores.Pages.SearchPages(ctx, "drive-1", "renamed")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Errorf("search results = %d, want 1", len(results))
	}

	if err := stores.Pages.DeletePage(ctx, page.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := stores.Pages.GetPage(ctx, page.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryAgentConfigRoundTrip(t *testing.T) {
	stores := NewMemoryStores()
	ctx := context.Background()

	cfg := &models.PageAgentConfig{
		PageID:       "page-1",
		EnabledTools: []string{"read_page"},
		Provider:     "anthropic",
		Model:        "claude-3-haiku-20240307",
	}
	if err := stores.Pages.SaveAgentConfig(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	got, err := stores.Pages.GetAgentConfig(ctx, "page-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Provider != "anthropic" || len(got.EnabledTools) != 1 {
		t.Errorf("config = %+v", got)
	}
}

func TestMemoryQuotaReserveAndRelease(t *testing.T) {
	stores := NewMemoryStores()
	ctx := context.Background()
	window := QuotaWindow(time.Now())

	q, err := stores.Quotas.Reserve(ctx, "user-1", models.TierStandard, 2, window)
	if err != nil {
		t.Fatal(err)
	}
	if q.CurrentCount != 1 || q.Remaining() != 1 {
		t.Errorf("quota = %+v", q)
	}

	if err := stores.Quotas.Release(ctx, "user-1", models.TierStandard, window); err != nil {
		t.Fatal(err)
	}
	q, err = stores.Quotas.Get(ctx, "user-1", models.TierStandard, window)
	if err != nil {
		t.Fatal(err)
	}
	if q.CurrentCount != 0 {
		t.Errorf("count after release = %d, want 0", q.CurrentCount)
	}
}

func TestMemoryQuotaConcurrentLastSlot(t *testing.T) {
	stores := NewMemoryStores()
	ctx := context.Background()
	window := QuotaWindow(time.Now())

	// Burn all but one slot.
	for i := 0; i < 4; i++ {
		if _, err := stores.Quotas.Reserve(ctx, "user-1", models.TierStandard, 5, window); err != nil {
			t.Fatal(err)
		}
	}

	const racers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := stores.Quotas.Reserve(ctx, "user-1", models.TierStandard, 5, window); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1 at the last slot", successes)
	}
}

func TestMemoryQuotaWindowsIndependent(t *testing.T) {
	stores := NewMemoryStores()
	ctx := context.Background()

	today := QuotaWindow(time.Now())
	tomorrow := today.Add(24 * time.Hour)

	if _, err := stores.Quotas.Reserve(ctx, "user-1", models.TierStandard, 1, today); err != nil {
		t.Fatal(err)
	}
	if _, err := stores.Quotas.Reserve(ctx, "user-1", models.TierStandard, 1, today); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("same window err = %v, want ErrQuotaExceeded", err)
	}
	if _, err := stores.Quotas.Reserve(ctx, "user-1", models.TierStandard, 1, tomorrow); err != nil {
		t.Errorf("new window should reset the counter: %v", err)
	}
}

func TestMemorySettingsNeverSharesCredentialMap(t *testing.T) {
	stores := NewMemoryStores()
	ctx := context.Background()

	in := &models.UserSettings{
		UserID:      "user-1",
		Provider:    "openai",
		Model:       "gpt-4o",
		Credentials: map[string]string{"apiKey": "sk-test"},
		Plan:        models.PlanFree,
	}
	if err := stores.Settings.SaveUserSettings(ctx, in); err != nil {
		t.Fatal(err)
	}
	got, err := stores.Settings.GetUserSettings(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Credentials["apiKey"] != "sk-test" {
		t.Errorf("credentials = %v", got.Credentials)
	}
}

func TestMemoryUsageRecords(t *testing.T) {
	stores := NewMemoryStores()
	ctx := context.Background()

	err := stores.Usage.RecordUsage(ctx, &models.UsageRecord{
		UserID:       "user-1",
		Provider:     "anthropic",
		Model:        "claude-3-haiku-20240307",
		InputTokens:  120,
		OutputTokens: 40,
		DurationMs:   900,
	})
	if err != nil {
		t.Fatal(err)
	}

	records, err := stores.Usage.ListUsage(ctx, "user-1", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].ID == "" {
		t.Errorf("records = %+v", records)
	}
}
