package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/2witstudios/pagespace/pkg/models"
)

// PostgresConfig tunes the database connection pool.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns pool settings suitable for a small service.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewPostgresStoresFromDSN creates Postgres-backed stores using a DSN.
func NewPostgresStoresFromDSN(dsn string, config *PostgresConfig) (StoreSet, error) {
	if strings.TrimSpace(dsn) == "" {
		return StoreSet{}, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("ping database: %w", err)
	}

	return NewPostgresStores(db), nil
}

// NewPostgresStores wraps an existing connection. The caller keeps ownership
// of db unless the StoreSet came from NewPostgresStoresFromDSN.
func NewPostgresStores(db *sql.DB) StoreSet {
	return StoreSet{
		Messages: &postgresMessageStore{db: db},
		Pages:    &postgresPageStore{db: db},
		Settings: &postgresSettingsStore{db: db},
		Quotas:   &postgresQuotaStore{db: db},
		Usage:    &postgresUsageStore{db: db},
		closer:   db.Close,
	}
}

type postgresMessageStore struct {
	db *sql.DB
}

func (s *postgresMessageStore) CreateMessage(ctx context.Context, msg *models.ChatMessage) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	toolCalls, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}
	toolResults, err := json.Marshal(msg.ToolResults)
	if err != nil {
		return fmt.Errorf("marshal tool results: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (id, page_id, conversation_id, user_id, role, content, tool_calls, tool_results, created_at, is_active)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		msg.ID,
		msg.PageID,
		msg.ConversationID,
		msg.UserID,
		string(msg.Role),
		msg.Content,
		toolCalls,
		toolResults,
		msg.CreatedAt,
		msg.IsActive,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func (s *postgresMessageStore) ListMessages(ctx context.Context, pageID, conversationID string) ([]*models.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, page_id, conversation_id, user_id, role, content, tool_calls, tool_results, created_at, is_active, edited_at
		 FROM chat_messages
		 WHERE page_id = $1 AND conversation_id = $2
		 ORDER BY created_at ASC`,
		pageID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := []*models.ChatMessage{}
	for rows.Next() {
		var (
			msg         models.ChatMessage
			role        string
			toolCalls   []byte
			toolResults []byte
			editedAt    sql.NullTime
		)
		if err := rows.Scan(
			&msg.ID,
			&msg.PageID,
			&msg.ConversationID,
			&msg.UserID,
			&role,
			&msg.Content,
			&toolCalls,
			&toolResults,
			&msg.CreatedAt,
			&msg.IsActive,
			&editedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = models.Role(role)
		if len(toolCalls) > 0 {
			if err := json.Unmarshal(toolCalls, &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		if len(toolResults) > 0 {
			if err := json.Unmarshal(toolResults, &msg.ToolResults); err != nil {
				return nil, fmt.Errorf("unmarshal tool results: %w", err)
			}
		}
		if editedAt.Valid {
			t := editedAt.Time
			msg.EditedAt = &t
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

type postgresPageStore struct {
	db *sql.DB
}

const pageColumns = `id, drive_id, parent_id, owner_id, title, content, created_at, updated_at`

func scanPage(scanner interface{ Scan(...any) error }) (*models.Page, error) {
	var page models.Page
	var parentID sql.NullString
	if err := scanner.Scan(
		&page.ID,
		&page.DriveID,
		&parentID,
		&page.OwnerID,
		&page.Title,
		&page.Content,
		&page.CreatedAt,
		&page.UpdatedAt,
	); err != nil {
		return nil, err
	}
	page.ParentID = parentID.String
	return &page, nil
}

func (s *postgresPageStore) GetPage(ctx context.Context, id string) (*models.Page, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pageColumns+` FROM pages WHERE id = $1`, id)
	page, err := scanPage(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get page: %w", err)
	}
	return page, nil
}

func (s *postgresPageStore) ListPages(ctx context.Context, driveID, parentID string) ([]*models.Page, error) {
	query := `SELECT ` + pageColumns + ` FROM pages WHERE drive_id = $1`
	args := []any{driveID}
	if parentID != "" {
		query += ` AND parent_id = $2`
		args = append(args, parentID)
	}
	query += ` ORDER BY title ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	pages := []*models.Page{}
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		pages = append(pages, page)
	}
	return pages, rows.Err()
}

func (s *postgresPageStore) SearchPages(ctx context.Context, driveID, query string) ([]*models.Page, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pageColumns+` FROM pages
		 WHERE drive_id = $1 AND (title ILIKE $2 OR content ILIKE $2)
		 ORDER BY title ASC
		 LIMIT 50`,
		driveID, "%"+query+"%")
	if err != nil {
		return nil, fmt.Errorf("search pages: %w", err)
	}
	defer rows.Close()

	pages := []*models.Page{}
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		pages = append(pages, page)
	}
	return pages, rows.Err()
}

func (s *postgresPageStore) CreatePage(ctx context.Context, page *models.Page) error {
	if page == nil {
		return fmt.Errorf("page is required")
	}
	if page.ID == "" {
		page.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if page.CreatedAt.IsZero() {
		page.CreatedAt = now
	}
	page.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pages (id, drive_id, parent_id, owner_id, title, content, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		page.ID,
		page.DriveID,
		nullString(page.ParentID),
		page.OwnerID,
		page.Title,
		page.Content,
		page.CreatedAt,
		page.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create page: %w", err)
	}
	return nil
}

func (s *postgresPageStore) UpdatePage(ctx context.Context, page *models.Page) error {
	page.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE pages SET title = $2, content = $3, updated_at = $4 WHERE id = $1`,
		page.ID, page.Title, page.Content, page.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update page: %w", err)
	}
	return requireRow(result)
}

func (s *postgresPageStore) DeletePage(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM pages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete page: %w", err)
	}
	return requireRow(result)
}

func (s *postgresPageStore) GetDrive(ctx context.Context, id string) (*models.Drive, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, instructions FROM drives WHERE id = $1`, id)
	var drive models.Drive
	var instructions sql.NullString
	if err := row.Scan(&drive.ID, &drive.Name, &instructions); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get drive: %w", err)
	}
	drive.Instructions = instructions.String
	return &drive, nil
}

func (s *postgresPageStore) GetAgentConfig(ctx context.Context, pageID string) (*models.PageAgentConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT page_id, system_prompt, enabled_tools, provider, model, drive_id, include_drive_prompt, include_page_tree, page_tree_scope
		 FROM page_agent_configs WHERE page_id = $1`, pageID)

	var (
		cfg          models.PageAgentConfig
		systemPrompt sql.NullString
		provider     sql.NullString
		model        sql.NullString
		scope        sql.NullString
		enabledTools []string
	)
	if err := row.Scan(
		&cfg.PageID,
		&systemPrompt,
		pq.Array(&enabledTools),
		&provider,
		&model,
		&cfg.DriveID,
		&cfg.IncludeDrivePrompt,
		&cfg.IncludePageTree,
		&scope,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get agent config: %w", err)
	}
	cfg.SystemPrompt = systemPrompt.String
	cfg.Provider = provider.String
	cfg.Model = model.String
	cfg.EnabledTools = enabledTools
	cfg.PageTreeScope = models.TreeScope(scope.String)
	return &cfg, nil
}

func (s *postgresPageStore) SaveAgentConfig(ctx context.Context, cfg *models.PageAgentConfig) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO page_agent_configs (page_id, system_prompt, enabled_tools, provider, model, drive_id, include_drive_prompt, include_page_tree, page_tree_scope)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (page_id) DO UPDATE SET
		   system_prompt = EXCLUDED.system_prompt,
		   enabled_tools = EXCLUDED.enabled_tools,
		   provider = EXCLUDED.provider,
		   model = EXCLUDED.model,
		   drive_id = EXCLUDED.drive_id,
		   include_drive_prompt = EXCLUDED.include_drive_prompt,
		   include_page_tree = EXCLUDED.include_page_tree,
		   page_tree_scope = EXCLUDED.page_tree_scope`,
		cfg.PageID,
		nullString(cfg.SystemPrompt),
		pq.Array(cfg.EnabledTools),
		nullString(cfg.Provider),
		nullString(cfg.Model),
		cfg.DriveID,
		cfg.IncludeDrivePrompt,
		cfg.IncludePageTree,
		nullString(string(cfg.PageTreeScope)),
	)
	if err != nil {
		return fmt.Errorf("save agent config: %w", err)
	}
	return nil
}

type postgresSettingsStore struct {
	db *sql.DB
}

func (s *postgresSettingsStore) GetUserSettings(ctx context.Context, userID string) (*models.UserSettings, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, provider, model, credentials, plan, updated_at
		 FROM user_settings WHERE user_id = $1`, userID)

	var (
		settings    models.UserSettings
		credentials []byte
		plan        string
	)
	if err := row.Scan(&settings.UserID, &settings.Provider, &settings.Model, &credentials, &plan, &settings.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user settings: %w", err)
	}
	settings.Plan = models.SubscriptionPlan(plan)
	if len(credentials) > 0 {
		if err := json.Unmarshal(credentials, &settings.Credentials); err != nil {
			return nil, fmt.Errorf("unmarshal credentials: %w", err)
		}
	}
	return &settings, nil
}

func (s *postgresSettingsStore) SaveUserSettings(ctx context.Context, settings *models.UserSettings) error {
	credentials, err := json.Marshal(settings.Credentials)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	settings.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_settings (user_id, provider, model, credentials, plan, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (user_id) DO UPDATE SET
		   provider = EXCLUDED.provider,
		   model = EXCLUDED.model,
		   credentials = EXCLUDED.credentials,
		   plan = EXCLUDED.plan,
		   updated_at = EXCLUDED.updated_at`,
		settings.UserID,
		settings.Provider,
		settings.Model,
		credentials,
		string(settings.Plan),
		settings.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save user settings: %w", err)
	}
	return nil
}

type postgresQuotaStore struct {
	db *sql.DB
}

// Reserve increments the counter only while it is below the limit. The
// conditional update and the insert race through the database, not through
// server memory, so concurrent turns at one remaining slot serialize there.
func (s *postgresQuotaStore) Reserve(ctx context.Context, userID string, tier models.Tier, limit int, window time.Time) (*models.UsageQuota, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO usage_quotas (user_id, tier, window_start, current_count, call_limit)
		 VALUES ($1,$2,$3,1,$4)
		 ON CONFLICT (user_id, tier, window_start) DO UPDATE
		   SET current_count = usage_quotas.current_count + 1
		   WHERE usage_quotas.current_count < usage_quotas.call_limit
		 RETURNING current_count, call_limit`,
		userID, string(tier), window, limit)

	quota := &models.UsageQuota{UserID: userID, Tier: tier, WindowStart: window}
	if err := row.Scan(&quota.CurrentCount, &quota.Limit); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrQuotaExceeded
		}
		return nil, fmt.Errorf("reserve quota: %w", err)
	}
	return quota, nil
}

func (s *postgresQuotaStore) Release(ctx context.Context, userID string, tier models.Tier, window time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE usage_quotas SET current_count = current_count - 1
		 WHERE user_id = $1 AND tier = $2 AND window_start = $3 AND current_count > 0`,
		userID, string(tier), window)
	if err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	return nil
}

func (s *postgresQuotaStore) Get(ctx context.Context, userID string, tier models.Tier, window time.Time) (*models.UsageQuota, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT current_count, call_limit FROM usage_quotas
		 WHERE user_id = $1 AND tier = $2 AND window_start = $3`,
		userID, string(tier), window)

	quota := &models.UsageQuota{UserID: userID, Tier: tier, WindowStart: window}
	if err := row.Scan(&quota.CurrentCount, &quota.Limit); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get quota: %w", err)
	}
	return quota, nil
}

type postgresUsageStore struct {
	db *sql.DB
}

func (s *postgresUsageStore) RecordUsage(ctx context.Context, rec *models.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (id, user_id, page_id, provider, model, input_tokens, output_tokens, duration_ms, error_class, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rec.ID,
		rec.UserID,
		rec.PageID,
		rec.Provider,
		rec.Model,
		rec.InputTokens,
		rec.OutputTokens,
		rec.DurationMs,
		nullString(rec.ErrorClass),
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

func (s *postgresUsageStore) ListUsage(ctx context.Context, userID string, since time.Time) ([]*models.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, page_id, provider, model, input_tokens, output_tokens, duration_ms, error_class, created_at
		 FROM usage_records
		 WHERE user_id = $1 AND created_at >= $2
		 ORDER BY created_at DESC`,
		userID, since)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	records := []*models.UsageRecord{}
	for rows.Next() {
		var rec models.UsageRecord
		var errorClass sql.NullString
		if err := rows.Scan(
			&rec.ID,
			&rec.UserID,
			&rec.PageID,
			&rec.Provider,
			&rec.Model,
			&rec.InputTokens,
			&rec.OutputTokens,
			&rec.DurationMs,
			&errorClass,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		rec.ErrorClass = errorClass.String
		records = append(records, &rec)
	}
	return records, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
