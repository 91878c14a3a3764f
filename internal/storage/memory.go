package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2witstudios/pagespace/pkg/models"
)

// NewMemoryStores creates an in-memory StoreSet for development and tests.
func NewMemoryStores() StoreSet {
	return StoreSet{
		Messages: &memoryMessageStore{},
		Pages:    newMemoryPageStore(),
		Settings: &memorySettingsStore{settings: make(map[string]*models.UserSettings)},
		Quotas:   &memoryQuotaStore{quotas: make(map[string]*models.UsageQuota)},
		Usage:    &memoryUsageStore{},
	}
}

type memoryMessageStore struct {
	mu       sync.RWMutex
	messages []*models.ChatMessage
}

func (s *memoryMessageStore) CreateMessage(_ context.Context, msg *models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	clone := *msg
	s.messages = append(s.messages, &clone)
	return nil
}

func (s *memoryMessageStore) ListMessages(_ context.Context, pageID, conversationID string) ([]*models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ChatMessage
	for _, m := range s.messages {
		if m.PageID == pageID && m.ConversationID == conversationID {
			clone := *m
			out = append(out, &clone)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

type memoryPageStore struct {
	mu      sync.RWMutex
	pages   map[string]*models.Page
	drives  map[string]*models.Drive
	configs map[string]*models.PageAgentConfig
}

func newMemoryPageStore() *memoryPageStore {
	return &memoryPageStore{
		pages:   make(map[string]*models.Page),
		drives:  make(map[string]*models.Drive),
		configs: make(map[string]*models.PageAgentConfig),
	}
}

func (s *memoryPageStore) GetPage(_ context.Context, id string) (*models.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pages[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (s *memoryPageStore) ListPages(_ context.Context, driveID, parentID string) ([]*models.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Page
	for _, p := range s.pages {
		if p.DriveID != driveID {
			continue
		}
		if parentID != "" && p.ParentID != parentID {
			continue
		}
		clone := *p
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out, nil
}

func (s *memoryPageStore) SearchPages(_ context.Context, driveID, query string) ([]*models.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	needle := strings.ToLower(query)
	var out []*models.Page
	for _, p := range s.pages {
		if p.DriveID != driveID {
			continue
		}
		if strings.Contains(strings.ToLower(p.Title), needle) ||
			strings.Contains(strings.ToLower(p.Content), needle) {
			clone := *p
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out, nil
}

func (s *memoryPageStore) CreatePage(_ context.Context, page *models.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if page.ID == "" {
		page.ID = uuid.NewString()
	}
	if _, exists := s.pages[page.ID]; exists {
		return ErrAlreadyExists
	}
	now := time.Now().UTC()
	if page.CreatedAt.IsZero() {
		page.CreatedAt = now
	}
	page.UpdatedAt = now
	clone := *page
	s.pages[page.ID] = &clone
	return nil
}

func (s *memoryPageStore) UpdatePage(_ context.Context, page *models.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pages[page.ID]; !ok {
		return ErrNotFound
	}
	page.UpdatedAt = time.Now().UTC()
	clone := *page
	s.pages[page.ID] = &clone
	return nil
}

func (s *memoryPageStore) DeletePage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pages[id]; !ok {
		return ErrNotFound
	}
	delete(s.pages, id)
	return nil
}

func (s *memoryPageStore) GetDrive(_ context.Context, id string) (*models.Drive, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drives[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *d
	return &clone, nil
}

// PutDrive seeds a drive. Memory-only helper for tests and dev mode.
func (s *memoryPageStore) PutDrive(drive *models.Drive) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *drive
	s.drives[drive.ID] = &clone
}

func (s *memoryPageStore) GetAgentConfig(_ context.Context, pageID string) (*models.PageAgentConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[pageID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *cfg
	return &clone, nil
}

func (s *memoryPageStore) SaveAgentConfig(_ context.Context, cfg *models.PageAgentConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *cfg
	s.configs[cfg.PageID] = &clone
	return nil
}

type memorySettingsStore struct {
	mu       sync.RWMutex
	settings map[string]*models.UserSettings
}

func (s *memorySettingsStore) GetUserSettings(_ context.Context, userID string) (*models.UserSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	settings, ok := s.settings[userID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *settings
	return &clone, nil
}

func (s *memorySettingsStore) SaveUserSettings(_ context.Context, settings *models.UserSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings.UpdatedAt = time.Now().UTC()
	clone := *settings
	s.settings[settings.UserID] = &clone
	return nil
}

type memoryQuotaStore struct {
	mu     sync.Mutex
	quotas map[string]*models.UsageQuota
}

func quotaKey(userID string, tier models.Tier, window time.Time) string {
	return userID + "\x00" + string(tier) + "\x00" + window.Format("2006-01-02")
}

func (s *memoryQuotaStore) Reserve(_ context.Context, userID string, tier models.Tier, limit int, window time.Time) (*models.UsageQuota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := quotaKey(userID, tier, window)
	q, ok := s.quotas[key]
	if !ok {
		q = &models.UsageQuota{UserID: userID, Tier: tier, Limit: limit, WindowStart: window}
		s.quotas[key] = q
	}
	if q.CurrentCount >= q.Limit {
		return nil, ErrQuotaExceeded
	}
	q.CurrentCount++
	clone := *q
	return &clone, nil
}

func (s *memoryQuotaStore) Release(_ context.Context, userID string, tier models.Tier, window time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[quotaKey(userID, tier, window)]
	if !ok || q.CurrentCount == 0 {
		return nil
	}
	q.CurrentCount--
	return nil
}

func (s *memoryQuotaStore) Get(_ context.Context, userID string, tier models.Tier, window time.Time) (*models.UsageQuota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotas[quotaKey(userID, tier, window)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *q
	return &clone, nil
}

type memoryUsageStore struct {
	mu      sync.RWMutex
	records []*models.UsageRecord
}

func (s *memoryUsageStore) RecordUsage(_ context.Context, rec *models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	clone := *rec
	s.records = append(s.records, &clone)
	return nil
}

func (s *memoryUsageStore) ListUsage(_ context.Context, userID string, since time.Time) ([]*models.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.UsageRecord
	for _, r := range s.records {
		if r.UserID == userID && !r.CreatedAt.Before(since) {
			clone := *r
			out = append(out, &clone)
		}
	}
	return out, nil
}
