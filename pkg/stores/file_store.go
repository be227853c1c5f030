package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FileStore implements StateStore on top of a single JSON file.
// Every write replaces the file through a temp file and rename.
type FileStore struct {
	path   string
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	data   map[string]json.RawMessage
	loaded bool
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithFileLogger sets the logger used to report quarantined files.
func WithFileLogger(logger zerolog.Logger) FileStoreOption {
	return func(fs *FileStore) {
		fs.logger = logger.With().Str("component", "file-store").Logger()
	}
}

// WithFileClock overrides the clock used for quarantine timestamps.
func WithFileClock(now func() time.Time) FileStoreOption {
	return func(fs *FileStore) {
		fs.now = now
	}
}

// NewFileStore creates a store backed by the file at path.
// The file and its directory are created on first write.
func NewFileStore(path string, opts ...FileStoreOption) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("state file path is required")
	}

	fs := &FileStore{
		path:   path,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(fs)
	}

	return fs, nil
}

// Path returns the backing file path.
func (fs *FileStore) Path() string {
	return fs.path
}

// Get decodes the value stored under key into out.
func (fs *FileStore) Get(_ context.Context, key string, out any) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.load(); err != nil {
		return false, err
	}

	raw, ok := fs.data[key]
	if !ok {
		return false, nil
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("failed to decode state key %s: %w", key, err)
	}

	return true, nil
}

// Set stores value under key and flushes the whole file atomically.
func (fs *FileStore) Set(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode state key %s: %w", key, err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.load(); err != nil {
		return err
	}

	prev, existed := fs.data[key]
	fs.data[key] = raw

	if err := fs.flush(); err != nil {
		// Keep memory consistent with disk.
		if existed {
			fs.data[key] = prev
		} else {
			delete(fs.data, key)
		}
		return err
	}

	return nil
}

// Delete removes key and flushes the file.
func (fs *FileStore) Delete(_ context.Context, key string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.load(); err != nil {
		return err
	}

	prev, existed := fs.data[key]
	if !existed {
		return nil
	}
	delete(fs.data, key)

	if err := fs.flush(); err != nil {
		fs.data[key] = prev
		return err
	}

	return nil
}

// load reads the backing file once. A malformed file is moved aside and the
// store starts from empty state.
func (fs *FileStore) load() error {
	if fs.loaded {
		return nil
	}

	content, err := os.ReadFile(fs.path)
	if errors.Is(err, os.ErrNotExist) {
		fs.data = make(map[string]json.RawMessage)
		fs.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	data := make(map[string]json.RawMessage)
	if len(content) > 0 {
		if err := json.Unmarshal(content, &data); err != nil {
			backup, qerr := fs.quarantine()
			if qerr != nil {
				fs.logger.Error().Err(qerr).Str("path", fs.path).Msg("Failed to back up corrupt state file")
			} else {
				fs.logger.Warn().
					Err(err).
					Str("path", fs.path).
					Str("backup", backup).
					Msg("State file is corrupt, starting from empty state")
			}
			data = make(map[string]json.RawMessage)
		}
	}

	fs.data = data
	fs.loaded = true
	return nil
}

// quarantine renames the current file to <name>.<timestamp>.corrupt.
func (fs *FileStore) quarantine() (string, error) {
	timestamp := fs.now().UTC().Format("20060102T150405")
	backup := fmt.Sprintf("%s.%s.corrupt", fs.path, timestamp)

	if err := os.Rename(fs.path, backup); err != nil {
		return "", fmt.Errorf("move corrupt state file: %w", err)
	}

	return backup, nil
}

// flush writes the in-memory map through a temp file and renames it over the target.
func (fs *FileStore) flush() error {
	content, err := json.MarshalIndent(fs.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state file: %w", err)
	}

	dir := filepath.Dir(fs.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".autoscribe-state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, fs.path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	committed = true

	return nil
}
