// Package quota enforces the per-user daily call limits. The counter lives
// in the store; the gate adds tier classification, the reserve/commit
// protocol around a turn, and the best-effort usage broadcast.
package quota

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/2witstudios/pagespace/internal/observability"
	"github.com/2witstudios/pagespace/internal/storage"
	"github.com/2witstudios/pagespace/pkg/models"
)

// ErrExceeded is returned when the user's tier counter is at its limit.
var ErrExceeded = storage.ErrQuotaExceeded

// Broadcaster pushes quota updates to connected clients. Delivery is best
// effort; failures are logged and never fail the turn.
type Broadcaster interface {
	BroadcastUsage(userID string, quota *models.UsageQuota)
}

// Config sets the per-tier limits and which models count as premium.
type Config struct {
	StandardLimit int
	PremiumLimit  int

	// PremiumModels are model id prefixes billed against the premium tier.
	PremiumModels []string
}

// Gate performs the pre-flight quota reservation for a chat turn.
type Gate struct {
	store       storage.QuotaStore
	config      Config
	broadcaster Broadcaster
	metrics     *observability.Metrics
	now         func() time.Time
}

// NewGate creates a quota gate. broadcaster may be nil.
func NewGate(store storage.QuotaStore, config Config, broadcaster Broadcaster, metrics *observability.Metrics) *Gate {
	return &Gate{
		store:       store,
		config:      config,
		broadcaster: broadcaster,
		metrics:     metrics,
		now:         time.Now,
	}
}

// TierFor classifies a model id into a billing tier by prefix.
func (g *Gate) TierFor(model string) models.Tier {
	for _, prefix := range g.config.PremiumModels {
		if strings.HasPrefix(model, prefix) {
			return models.TierPremium
		}
	}
	return models.TierStandard
}

func (g *Gate) limitFor(tier models.Tier) int {
	if tier == models.TierPremium {
		return g.config.PremiumLimit
	}
	return g.config.StandardLimit
}

// Reservation is a held quota slot for one turn. Exactly one of Commit or
// Release should be called: Commit after the turn finished (with or without
// error) keeps the increment and broadcasts the new counter; Release undoes
// it when the turn never reached the model.
type Reservation struct {
	gate    *Gate
	userID  string
	tier    models.Tier
	window  time.Time
	quota   *models.UsageQuota
	tracked bool
	settled bool
}

// Reserve atomically claims one call against the user's tier counter.
// Untracked turns (user-supplied credentials) get a no-op reservation.
func (g *Gate) Reserve(ctx context.Context, userID, model string, tracked bool) (*Reservation, error) {
	if !tracked {
		return &Reservation{gate: g, userID: userID, tracked: false}, nil
	}

	tier := g.TierFor(model)
	window := storage.QuotaWindow(g.now())
	quota, err := g.store.Reserve(ctx, userID, tier, g.limitFor(tier), window)
	if err != nil {
		if errors.Is(err, storage.ErrQuotaExceeded) {
			if g.metrics != nil {
				g.metrics.QuotaRejections.WithLabelValues(string(tier)).Inc()
			}
			return nil, ErrExceeded
		}
		return nil, err
	}

	return &Reservation{
		gate:    g,
		userID:  userID,
		tier:    tier,
		window:  window,
		quota:   quota,
		tracked: true,
	}, nil
}

// Tracked reports whether this reservation counts against a quota.
func (r *Reservation) Tracked() bool { return r.tracked }

// Quota returns the counter state at reservation time. Nil for untracked
// reservations.
func (r *Reservation) Quota() *models.UsageQuota { return r.quota }

// Commit finalizes the reservation and broadcasts the updated counter.
func (r *Reservation) Commit(ctx context.Context) {
	if r.settled {
		return
	}
	r.settled = true
	if !r.tracked {
		return
	}
	if r.gate.broadcaster != nil {
		r.gate.broadcaster.BroadcastUsage(r.userID, r.quota)
	}
}

// Release returns the slot when the turn failed before invoking the model.
func (r *Reservation) Release(ctx context.Context) {
	if r.settled {
		return
	}
	r.settled = true
	if !r.tracked {
		return
	}
	if err := r.gate.store.Release(ctx, r.userID, r.tier, r.window); err != nil {
		observability.FromContext(ctx).Warn(ctx, "quota release failed",
			"tier", string(r.tier), "error", err)
	}
}
