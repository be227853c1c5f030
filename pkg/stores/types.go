package stores

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicate is returned when a record with the same unique key already exists.
var ErrDuplicate = errors.New("duplicate record")

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Category is a content category articles are generated for
type Category struct {
	ID     int64   `json:"id"`
	Name   string  `json:"name"`
	Slug   string  `json:"slug"`
	Weight float64 `json:"weight"`
}

// ArticleRecord is a generated primary document
type ArticleRecord struct {
	ID              string    `json:"id"`
	Slug            string    `json:"slug"`
	Language        string    `json:"language"`
	CategoryID      int64     `json:"category_id"`
	Topic           string    `json:"topic"`
	WorkType        string    `json:"work_type"`
	Title           string    `json:"title"`
	MetaDescription string    `json:"meta_description"`
	Body            string    `json:"body"`     // rendered markdown
	Document        string    `json:"document"` // JSON blob of the extracted document
	ModelID         string    `json:"model_id"`
	InputTokens     int64     `json:"input_tokens"`
	OutputTokens    int64     `json:"output_tokens"`
	CreatedAt       time.Time `json:"created_at"`
}

// TranslationRecord is a derived per-language document of an article
type TranslationRecord struct {
	ID              string    `json:"id"`
	ArticleID       string    `json:"article_id"`
	Language        string    `json:"language"`
	Slug            string    `json:"slug"`
	Title           string    `json:"title"`
	MetaDescription string    `json:"meta_description"`
	Body            string    `json:"body"`
	Document        string    `json:"document"`
	ModelID         string    `json:"model_id"`
	InputTokens     int64     `json:"input_tokens"`
	OutputTokens    int64     `json:"output_tokens"`
	CreatedAt       time.Time `json:"created_at"`
}

// PendingTranslation is an article still missing one or more target languages
type PendingTranslation struct {
	Article ArticleRecord `json:"article"`
	Missing []string      `json:"missing"`
}

// DailyJob tracks the generation target and progress for one calendar day
type DailyJob struct {
	Day       string    `json:"day"`
	Target    int       `json:"target"`
	Progress  int       `json:"progress"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StateStore is a durable key-value store for orchestration state.
// Values are JSON encoded. Implementations must make every Set atomic:
// a crash mid-write leaves either the old or the new value.
type StateStore interface {
	// Get decodes the value stored under key into out.
	// It reports false when the key is absent.
	Get(ctx context.Context, key string, out any) (bool, error)

	// Set stores value under key, replacing any existing value.
	Set(ctx context.Context, key string, value any) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// GetOr returns the value stored under key, or def when the key is absent
// or cannot be decoded.
func GetOr[T any](ctx context.Context, s StateStore, key string, def T) T {
	var v T
	ok, err := s.Get(ctx, key, &v)
	if err != nil || !ok {
		return def
	}
	return v
}
