package quota

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/2witstudios/pagespace/internal/storage"
	"github.com/2witstudios/pagespace/pkg/models"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []string
}

func (b *recordingBroadcaster) BroadcastUsage(userID string, quota *models.UsageQuota) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, userID)
}

func testGate(broadcaster Broadcaster) (*Gate, storage.StoreSet) {
	stores := storage.NewMemoryStores()
	gate := NewGate(stores.Quotas, Config{
		StandardLimit: 3,
		PremiumLimit:  1,
		PremiumModels: []string{"claude-opus", "gpt-4o", "o1"},
	}, broadcaster, nil)
	return gate, stores
}

func TestTierClassification(t *testing.T) {
	gate, _ := testGate(nil)
	cases := map[string]models.Tier{
		"claude-opus-4-20250514":     models.TierPremium,
		"gpt-4o":                     models.TierPremium,
		"gpt-4o-mini":                models.TierPremium,
		"o1":                         models.TierPremium,
		"claude-3-haiku-20240307":    models.TierStandard,
		"claude-3-5-sonnet-20241022": models.TierStandard,
		"llama3.1":                   models.TierStandard,
	}
	for model, want := range cases {
		if got := gate.TierFor(model); got != want {
			t.Errorf("TierFor(%s) = %s, want %s", model, got, want)
		}
	}
}

func TestReserveAndCommit(t *testing.T) {
	broadcaster := &recordingBroadcaster{}
	gate, _ := testGate(broadcaster)

	res, err := gate.Reserve(context.Background(), "user-1", "claude-3-haiku-20240307", true)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Tracked() || res.Quota().CurrentCount != 1 {
		t.Errorf("reservation = %+v", res.Quota())
	}

	res.Commit(context.Background())
	if len(broadcaster.events) != 1 || broadcaster.events[0] != "user-1" {
		t.Errorf("broadcasts = %v", broadcaster.events)
	}
}

func TestReserveExceeded(t *testing.T) {
	gate, _ := testGate(nil)
	ctx := context.Background()

	// Premium limit is 1.
	res, err := gate.Reserve(ctx, "user-1", "gpt-4o", true)
	if err != nil {
		t.Fatal(err)
	}
	res.Commit(ctx)

	if _, err := gate.Reserve(ctx, "user-1", "gpt-4o", true); !errors.Is(err, ErrExceeded) {
		t.Errorf("err = %v, want ErrExceeded", err)
	}
}

func TestTiersCountedSeparately(t *testing.T) {
	gate, _ := testGate(nil)
	ctx := context.Background()

	if _, err := gate.Reserve(ctx, "user-1", "gpt-4o", true); err != nil {
		t.Fatal(err)
	}
	// Premium is exhausted; standard still has room.
	if _, err := gate.Reserve(ctx, "user-1", "claude-3-haiku-20240307", true); err != nil {
		t.Errorf("standard tier should be unaffected: %v", err)
	}
}

func TestUntrackedSkipsQuota(t *testing.T) {
	gate, stores := testGate(nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res, err := gate.Reserve(ctx, "user-1", "gpt-4o", false)
		if err != nil {
			t.Fatal(err)
		}
		if res.Tracked() {
			t.Fatal("user-key turns must not be tracked")
		}
		res.Commit(ctx)
	}

	window := storage.QuotaWindow(gate.now())
	if _, err := stores.Quotas.Get(ctx, "user-1", models.TierPremium, window); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("no counter row should exist, got %v", err)
	}
}

func TestReleaseReturnsSlot(t *testing.T) {
	gate, _ := testGate(nil)
	ctx := context.Background()

	res, err := gate.Reserve(ctx, "user-1", "gpt-4o", true)
	if err != nil {
		t.Fatal(err)
	}
	res.Release(ctx)

	// The released slot is available again.
	if _, err := gate.Reserve(ctx, "user-1", "gpt-4o", true); err != nil {
		t.Errorf("slot should be reusable after release: %v", err)
	}
}

func TestCommitThenReleaseIsIgnored(t *testing.T) {
	broadcaster := &recordingBroadcaster{}
	gate, _ := testGate(broadcaster)
	ctx := context.Background()

	res, err := gate.Reserve(ctx, "user-1", "gpt-4o", true)
	if err != nil {
		t.Fatal(err)
	}
	res.Commit(ctx)
	res.Release(ctx)
	res.Commit(ctx)

	if len(broadcaster.events) != 1 {
		t.Errorf("broadcasts = %d, want the reservation settled exactly once", len(broadcaster.events))
	}
	// The commit stands: a second reservation must fail.
	if _, err := gate.Reserve(ctx, "user-1", "gpt-4o", true); !errors.Is(err, ErrExceeded) {
		t.Errorf("err = %v, want ErrExceeded", err)
	}
}

func TestConcurrentReserveLastSlot(t *testing.T) {
	gate, _ := testGate(nil)
	ctx := context.Background()

	const racers = 12
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := gate.Reserve(ctx, "user-1", "gpt-4o", true); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1 for a premium limit of 1", successes)
	}
}
