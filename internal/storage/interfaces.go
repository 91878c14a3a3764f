// Package storage defines the persistence interfaces for conversations,
// pages, settings, quotas, and usage records, with Postgres and in-memory
// implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/2witstudios/pagespace/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrQuotaExceeded is returned by Reserve when the counter is already
	// at its limit for the current window.
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// MessageStore persists chat messages.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *models.ChatMessage) error
	ListMessages(ctx context.Context, pageID, conversationID string) ([]*models.ChatMessage, error)
}

// PageStore persists pages, drives, and per-page agent configuration.
type PageStore interface {
	GetPage(ctx context.Context, id string) (*models.Page, error)
	ListPages(ctx context.Context, driveID, parentID string) ([]*models.Page, error)
	SearchPages(ctx context.Context, driveID, query string) ([]*models.Page, error)
	CreatePage(ctx context.Context, page *models.Page) error
	UpdatePage(ctx context.Context, page *models.Page) error
	DeletePage(ctx context.Context, id string) error

	GetDrive(ctx context.Context, id string) (*models.Drive, error)
	GetAgentConfig(ctx context.Context, pageID string) (*models.PageAgentConfig, error)
	SaveAgentConfig(ctx context.Context, cfg *models.PageAgentConfig) error
}

// SettingsStore persists per-user provider settings.
type SettingsStore interface {
	GetUserSettings(ctx context.Context, userID string) (*models.UserSettings, error)
	SaveUserSettings(ctx context.Context, settings *models.UserSettings) error
}

// QuotaStore maintains the per (user, tier) call counter on a daily window.
//
// Reserve performs an atomic check-and-increment: it succeeds and returns
// the updated quota only when the counter was below the limit, so two
// concurrent calls at one remaining slot cannot both pass. Release undoes a
// reservation whose turn never reached the model.
type QuotaStore interface {
	Reserve(ctx context.Context, userID string, tier models.Tier, limit int, window time.Time) (*models.UsageQuota, error)
	Release(ctx context.Context, userID string, tier models.Tier, window time.Time) error
	Get(ctx context.Context, userID string, tier models.Tier, window time.Time) (*models.UsageQuota, error)
}

// UsageStore persists per-turn usage records.
type UsageStore interface {
	RecordUsage(ctx context.Context, rec *models.UsageRecord) error
	ListUsage(ctx context.Context, userID string, since time.Time) ([]*models.UsageRecord, error)
}

// StoreSet groups storage dependencies.
type StoreSet struct {
	Messages MessageStore
	Pages    PageStore
	Settings SettingsStore
	Quotas   QuotaStore
	Usage    UsageStore
	closer   func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// QuotaWindow truncates t to the UTC day the quota window covers.
func QuotaWindow(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
