package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements StateStore and the persistence contracts used by the
// orchestrator (documents, usage ledger, daily jobs and categories).
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

const memoryPath = ":memory:"

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	// Every connection to :memory: opens its own database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg: cfg,
		now: time.Now,
	}, nil
}

// SetClock overrides the clock used for created_at/updated_at columns.
func (s *SQLiteStore) SetClock(now func() time.Time) {
	s.now = now
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path
	if s.cfg.Path != memoryPath {
		dsn = fmt.Sprintf(
			"%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_txlock=immediate",
			s.cfg.Path, s.cfg.BusyTimeout.Milliseconds(),
		)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck checks if the database is accessible
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Get implements StateStore.
func (s *SQLiteStore) Get(ctx context.Context, key string, out any) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_state WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get state key %s: %w", key, err)
	}

	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("failed to decode state key %s: %w", key, err)
	}

	return true, nil
}

// Set implements StateStore.
func (s *SQLiteStore) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode state key %s: %w", key, err)
	}

	query := `
		INSERT INTO kv_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, key, string(raw), s.now().Unix()); err != nil {
		return fmt.Errorf("failed to set state key %s: %w", key, err)
	}

	return nil
}

// Delete implements StateStore.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete state key %s: %w", key, err)
	}
	return nil
}

// UpsertCategory creates a category or updates the name and weight of an
// existing one with the same slug. It returns the category id.
func (s *SQLiteStore) UpsertCategory(ctx context.Context, c Category) (int64, error) {
	query := `
		INSERT INTO categories (name, slug, weight)
		VALUES (?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET name = excluded.name, weight = excluded.weight
	`
	if _, err := s.db.ExecContext(ctx, query, c.Name, c.Slug, c.Weight); err != nil {
		return 0, fmt.Errorf("failed to upsert category: %w", err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM categories WHERE slug = ?`, c.Slug).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to get category id: %w", err)
	}

	return id, nil
}

// ListCategories returns all categories ordered by id
func (s *SQLiteStore) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, slug, weight FROM categories ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var categories []Category
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Slug, &c.Weight); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		categories = append(categories, c)
	}

	return categories, rows.Err()
}

// InsertArticle stores a primary document. When a document with the same
// language and slug already exists nothing is written and the existing id is
// returned with inserted=false.
func (s *SQLiteStore) InsertArticle(ctx context.Context, rec ArticleRecord) (string, bool, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	query := `
		INSERT INTO articles (id, slug, language, category_id, topic, work_type, title, meta_description,
			body, document, model_id, input_tokens, output_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(language, slug) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Slug,
		rec.Language,
		rec.CategoryID,
		rec.Topic,
		rec.WorkType,
		rec.Title,
		rec.MetaDescription,
		rec.Body,
		rec.Document,
		rec.ModelID,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CreatedAt.Unix(),
	)
	if err != nil {
		return "", false, fmt.Errorf("failed to insert article: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		return rec.ID, true, nil
	}

	var existing string
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM articles WHERE language = ? AND slug = ?`, rec.Language, rec.Slug,
	).Scan(&existing)
	if err != nil {
		return "", false, fmt.Errorf("failed to look up existing article: %w", err)
	}

	return existing, false, nil
}

// GetArticle retrieves an article by ID
func (s *SQLiteStore) GetArticle(ctx context.Context, id string) (*ArticleRecord, error) {
	query := `
		SELECT id, slug, language, category_id, topic, work_type, title, meta_description,
			body, document, model_id, input_tokens, output_tokens, created_at
		FROM articles
		WHERE id = ?
	`

	rec, err := scanArticle(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("article %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get article: %w", err)
	}

	return rec, nil
}

// InsertTranslation stores a translation of an article. A second translation
// for the same article and language returns ErrDuplicate.
func (s *SQLiteStore) InsertTranslation(ctx context.Context, rec TranslationRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	query := `
		INSERT INTO article_translations (id, article_id, language, slug, title, meta_description,
			body, document, model_id, input_tokens, output_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(article_id, language) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.ArticleID,
		rec.Language,
		rec.Slug,
		rec.Title,
		rec.MetaDescription,
		rec.Body,
		rec.Document,
		rec.ModelID,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert translation: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("translation %s/%s: %w", rec.ArticleID, rec.Language, ErrDuplicate)
	}

	return nil
}

// ListTranslations returns the translations of an article ordered by language
func (s *SQLiteStore) ListTranslations(ctx context.Context, articleID string) ([]TranslationRecord, error) {
	query := `
		SELECT id, article_id, language, slug, title, meta_description, body, document,
			model_id, input_tokens, output_tokens, created_at
		FROM article_translations
		WHERE article_id = ?
		ORDER BY language
	`

	rows, err := s.db.QueryContext(ctx, query, articleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list translations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TranslationRecord
	for rows.Next() {
		var rec TranslationRecord
		var createdAt int64
		if err := rows.Scan(
			&rec.ID,
			&rec.ArticleID,
			&rec.Language,
			&rec.Slug,
			&rec.Title,
			&rec.MetaDescription,
			&rec.Body,
			&rec.Document,
			&rec.ModelID,
			&rec.InputTokens,
			&rec.OutputTokens,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan translation: %w", err)
		}
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, rec)
	}

	return out, rows.Err()
}

// PendingTranslations returns up to limit articles that are missing a
// translation into one of languages. Articles never attempted come first,
// then the least recently attempted, so an article that keeps failing does
// not hold back newer ones. The article's own language is never reported as
// missing.
func (s *SQLiteStore) PendingTranslations(ctx context.Context, languages []string, limit int) ([]PendingTranslation, error) {
	if len(languages) == 0 || limit <= 0 {
		return nil, nil
	}

	query := `
		SELECT a.id, a.slug, a.language, a.category_id, a.topic, a.work_type, a.title, a.meta_description,
			a.body, a.document, a.model_id, a.input_tokens, a.output_tokens, a.created_at,
			COALESCE(GROUP_CONCAT(t.language), '')
		FROM articles a
		LEFT JOIN article_translations t ON t.article_id = a.id
		GROUP BY a.id
		ORDER BY COALESCE(a.translation_attempted_at, 0), a.created_at, a.id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending translations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var pending []PendingTranslation
	for rows.Next() && len(pending) < limit {
		var rec ArticleRecord
		var createdAt int64
		var done string
		if err := rows.Scan(
			&rec.ID,
			&rec.Slug,
			&rec.Language,
			&rec.CategoryID,
			&rec.Topic,
			&rec.WorkType,
			&rec.Title,
			&rec.MetaDescription,
			&rec.Body,
			&rec.Document,
			&rec.ModelID,
			&rec.InputTokens,
			&rec.OutputTokens,
			&createdAt,
			&done,
		); err != nil {
			return nil, fmt.Errorf("failed to scan article: %w", err)
		}
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()

		have := make(map[string]bool)
		for _, lang := range strings.Split(done, ",") {
			if lang != "" {
				have[lang] = true
			}
		}

		var missing []string
		for _, lang := range languages {
			if lang == rec.Language || have[lang] {
				continue
			}
			missing = append(missing, lang)
		}
		if len(missing) == 0 {
			continue
		}
		sort.Strings(missing)

		pending = append(pending, PendingTranslation{Article: rec, Missing: missing})
	}

	return pending, rows.Err()
}

// MarkTranslationAttempt stamps articleID as attempted now, moving it behind
// every article attempted earlier.
func (s *SQLiteStore) MarkTranslationAttempt(ctx context.Context, articleID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE articles SET translation_attempted_at = ? WHERE id = ?`, s.now().Unix(), articleID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark translation attempt: %w", err)
	}
	return nil
}

// HasArticle reports whether a primary document with language and slug exists
func (s *SQLiteStore) HasArticle(ctx context.Context, language, slug string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM articles WHERE language = ? AND slug = ?`, language, slug,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up article: %w", err)
	}
	return n > 0, nil
}

// CountArticles returns the number of primary documents
func (s *SQLiteStore) CountArticles(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM articles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count articles: %w", err)
	}
	return n, nil
}

// RecordUsage adds token usage to the ledger row for day (YYYY-MM-DD).
// The ledger only ever grows.
func (s *SQLiteStore) RecordUsage(ctx context.Context, day string, inputTokens, outputTokens int64) error {
	if inputTokens < 0 || outputTokens < 0 {
		return fmt.Errorf("usage must not be negative: input=%d output=%d", inputTokens, outputTokens)
	}

	query := `
		INSERT INTO token_usage (day, input_tokens, output_tokens, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET
			input_tokens = input_tokens + excluded.input_tokens,
			output_tokens = output_tokens + excluded.output_tokens,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, day, inputTokens, outputTokens, s.now().Unix()); err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}

	return nil
}

// MonthlyUsage returns the total tokens (input + output) used in a calendar month
func (s *SQLiteStore) MonthlyUsage(ctx context.Context, year int, month time.Month) (int64, error) {
	prefix := fmt.Sprintf("%04d-%02d-%%", year, int(month))

	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(input_tokens + output_tokens), 0) FROM token_usage WHERE day LIKE ?`, prefix,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to get monthly usage: %w", err)
	}

	return total, nil
}

// DailyUsage returns the total tokens used on day (YYYY-MM-DD)
func (s *SQLiteStore) DailyUsage(ctx context.Context, day string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(input_tokens + output_tokens), 0) FROM token_usage WHERE day = ?`, day,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to get daily usage: %w", err)
	}

	return total, nil
}

// UpsertDailyTarget creates the job row for day with the given target.
// An existing row keeps its target and progress.
func (s *SQLiteStore) UpsertDailyTarget(ctx context.Context, day string, target int) (*DailyJob, error) {
	query := `
		INSERT INTO daily_jobs (day, target, progress, updated_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(day) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, day, target, s.now().Unix()); err != nil {
		return nil, fmt.Errorf("failed to upsert daily target: %w", err)
	}

	return s.JobForDay(ctx, day)
}

// IncrementProgress adds n to the progress of the job for day
func (s *SQLiteStore) IncrementProgress(ctx context.Context, day string, n int) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE daily_jobs SET progress = progress + ?, updated_at = ? WHERE day = ?`,
		n, s.now().Unix(), day,
	)
	if err != nil {
		return fmt.Errorf("failed to increment progress: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("daily job %s: %w", day, ErrNotFound)
	}

	return nil
}

// JobForDay returns the job row for day
func (s *SQLiteStore) JobForDay(ctx context.Context, day string) (*DailyJob, error) {
	job := &DailyJob{}
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT day, target, progress, updated_at FROM daily_jobs WHERE day = ?`, day,
	).Scan(&job.Day, &job.Target, &job.Progress, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("daily job %s: %w", day, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get daily job: %w", err)
	}
	job.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return job, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArticle(row rowScanner) (*ArticleRecord, error) {
	rec := &ArticleRecord{}
	var createdAt int64
	if err := row.Scan(
		&rec.ID,
		&rec.Slug,
		&rec.Language,
		&rec.CategoryID,
		&rec.Topic,
		&rec.WorkType,
		&rec.Title,
		&rec.MetaDescription,
		&rec.Body,
		&rec.Document,
		&rec.ModelID,
		&rec.InputTokens,
		&rec.OutputTokens,
		&createdAt,
	); err != nil {
		return nil, err
	}
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	return rec, nil
}
