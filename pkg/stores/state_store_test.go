package stores

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type queueLike struct {
	DayKey string   `json:"day_key"`
	Items  []string `json:"items"`
	Cursor int      `json:"cursor"`
}

// backings returns every StateStore implementation under a fresh state.
func backings(t *testing.T) map[string]StateStore {
	t.Helper()

	fs, err := NewFileStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	sqlite := setupTestStore(t)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]StateStore{
		"file":   fs,
		"sqlite": sqlite,
	}
}

func TestStateStoreContract(t *testing.T) {
	for name, store := range backings(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			var missing queueLike
			found, err := store.Get(ctx, "queue:primary", &missing)
			require.NoError(t, err)
			assert.False(t, found)

			in := queueLike{DayKey: "2026-06-26", Items: []string{"a", "b"}, Cursor: 1}
			require.NoError(t, store.Set(ctx, "queue:primary", in))

			var out queueLike
			found, err = store.Get(ctx, "queue:primary", &out)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, in, out)

			in.Cursor = 2
			require.NoError(t, store.Set(ctx, "queue:primary", in))
			assert.Equal(t, 2, GetOr(ctx, store, "queue:primary", queueLike{}).Cursor)

			require.NoError(t, store.Delete(ctx, "queue:primary"))
			require.NoError(t, store.Delete(ctx, "queue:primary"))
			assert.Equal(t, -1, GetOr(ctx, store, "queue:primary", queueLike{Cursor: -1}).Cursor)
		})
	}
}

func TestGetOrFallsBackOnDecodeError(t *testing.T) {
	for name, store := range backings(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Set(ctx, "n", "not-a-number"))
			assert.Equal(t, 7, GetOr(ctx, store, "n", 7))
		})
	}
}

func TestFileStorePersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	first, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "budget:emergency", true))

	second, err := NewFileStore(path)
	require.NoError(t, err)
	assert.True(t, GetOr(ctx, second, "budget:emergency", false))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "temp file left behind: %s", e.Name())
	}
}

func TestFileStoreQuarantinesCorruptFile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	now := time.Date(2026, 6, 26, 8, 30, 0, 0, time.UTC)
	store, err := NewFileStore(path, WithFileClock(func() time.Time { return now }))
	require.NoError(t, err)

	var v int
	found, err := store.Get(ctx, "anything", &v)
	require.NoError(t, err)
	assert.False(t, found)

	backup := path + ".20260626T083000.corrupt"
	content, err := os.ReadFile(backup)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(content))

	require.NoError(t, store.Set(ctx, "k", 1))
	assert.Equal(t, 1, GetOr(ctx, store, "k", 0))
}

func TestNewFileStoreRequiresPath(t *testing.T) {
	_, err := NewFileStore("")
	require.Error(t, err)
}
