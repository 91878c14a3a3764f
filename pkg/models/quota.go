package models

import "time"

// Tier is a usage-counting bucket tied to which model is invoked.
type Tier string

const (
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// SubscriptionPlan gates which providers and tiers a user may resolve.
type SubscriptionPlan string

const (
	PlanFree SubscriptionPlan = "free"
	PlanPro  SubscriptionPlan = "pro"
)

// UsageQuota is the per (userId, tier) daily call counter.
// Remaining is always Limit - CurrentCount and never negative.
type UsageQuota struct {
	UserID       string    `json:"user_id"`
	Tier         Tier      `json:"tier"`
	CurrentCount int       `json:"current_count"`
	Limit        int       `json:"limit"`
	WindowStart  time.Time `json:"window_start"`
}

// Remaining returns the calls left in the current window.
func (q *UsageQuota) Remaining() int {
	r := q.Limit - q.CurrentCount
	if r < 0 {
		return 0
	}
	return r
}

// UserSettings holds a user's provider defaults and stored credentials.
// Credential values never leave the server.
type UserSettings struct {
	UserID      string            `json:"user_id"`
	Provider    string            `json:"provider,omitempty"`
	Model       string            `json:"model,omitempty"`
	Credentials map[string]string `json:"-"` // provider -> API key
	Plan        SubscriptionPlan  `json:"plan,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}
