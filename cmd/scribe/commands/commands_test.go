package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoscribe/autoscribe/pkg/lock"
	"github.com/autoscribe/autoscribe/pkg/queue"
	"github.com/autoscribe/autoscribe/pkg/stores"
)

const configTemplate = `store:
  state_backend: %s
  state_path: %s
  database_path: %s
budget:
  monthly_cap: 1000
generation:
  api_key: test-key
discovery:
  disabled: true
orchestrator:
  languages: [en]
categories:
  - name: Baking
    slug: baking
    weight: 1
  - name: Gardening
    slug: gardening
    weight: 0.5
telemetry:
  logging:
    level: error
`

type env struct {
	config string
	db     string
	state  string
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL",
		"SCRIBE_DATABASE_PATH", "SCRIBE_STATE_BACKEND", "SCRIBE_STATE_PATH",
		"SCRIBE_MONTHLY_CAP", "SCRIBE_TIMEZONE", "SCRIBE_LANGUAGES",
		"SCRIBE_DISCOVERY_DISABLED", "SCRIBE_METRICS_ENABLED", "SCRIBE_LOG_LEVEL",
		"SCRIBE_LOG_FORMAT", "SCRIBE_EVENTS_ENABLED",
	} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func newEnv(t *testing.T, backend string) env {
	t.Helper()
	clearEnv(t)

	dir := t.TempDir()
	e := env{
		config: filepath.Join(dir, "autoscribe.yaml"),
		db:     filepath.Join(dir, "data", "autoscribe.db"),
		state:  filepath.Join(dir, "data", "state.json"),
	}
	content := fmt.Sprintf(configTemplate, backend, e.state, e.db)
	require.NoError(t, os.WriteFile(e.config, []byte(content), 0o644))
	return e
}

func (e env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", e.config}, args...))

	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// withDB opens the database the commands use, outside of any command.
func (e env) withDB(t *testing.T, fn func(ctx context.Context, db *stores.SQLiteStore)) {
	t.Helper()
	ctx := context.Background()

	db, err := stores.NewSQLiteStore(stores.Config{Path: e.db})
	require.NoError(t, err)
	require.NoError(t, db.Init(ctx))
	defer db.Close()
	require.NoError(t, db.Migrate(ctx))

	fn(ctx, db)
}

func TestMigrateSeedsCategories(t *testing.T) {
	e := newEnv(t, "sqlite")

	_, err := e.run(t, "migrate")
	require.NoError(t, err)

	// Seeding twice does not duplicate
	_, err = e.run(t, "migrate")
	require.NoError(t, err)

	e.withDB(t, func(ctx context.Context, db *stores.SQLiteStore) {
		categories, err := db.ListCategories(ctx)
		require.NoError(t, err)
		require.Len(t, categories, 2)

		slugs := []string{categories[0].Slug, categories[1].Slug}
		assert.ElementsMatch(t, []string{"baking", "gardening"}, slugs)
	})
}

func TestBudgetStatus(t *testing.T) {
	e := newEnv(t, "sqlite")

	_, err := e.run(t, "migrate")
	require.NoError(t, err)

	today := time.Now().UTC().Format(queue.DayLayout)
	e.withDB(t, func(ctx context.Context, db *stores.SQLiteStore) {
		require.NoError(t, db.RecordUsage(ctx, today, 100, 50))
	})

	out, err := e.run(t, "budget", "status", "--json")
	require.NoError(t, err)

	var view budgetView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, int64(1000), view.Snapshot.MonthlyCap)
	assert.Equal(t, int64(150), view.Snapshot.UsedUnits)
	assert.Equal(t, int64(150), view.Snapshot.SpentToday)
	assert.Equal(t, today, view.Snapshot.Day)
	assert.Nil(t, view.Job)
	assert.Empty(t, view.Estimates)

	// YAML is the default format
	out, err = e.run(t, "budget", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "monthly_cap: 1000")
}

func TestTickStopsWhenBudgetExhausted(t *testing.T) {
	e := newEnv(t, "sqlite")

	_, err := e.run(t, "migrate")
	require.NoError(t, err)

	today := time.Now().UTC().Format(queue.DayLayout)
	e.withDB(t, func(ctx context.Context, db *stores.SQLiteStore) {
		require.NoError(t, db.RecordUsage(ctx, today, 600, 400))
	})

	out, err := e.run(t, "tick", "--json")
	require.NoError(t, err)

	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "budget_exhausted", report["status"])
	assert.Equal(t, "primary", report["kind"])
}

func TestTickEventsReachTheLog(t *testing.T) {
	e := newEnv(t, "sqlite")
	logPath := filepath.Join(filepath.Dir(e.config), "scribe.log")

	content, err := os.ReadFile(e.config)
	require.NoError(t, err)
	content = bytes.Replace(content, []byte("    level: error\n"), []byte(fmt.Sprintf(
		"    level: info\n    format: json\n    output: %s\n  events:\n    enabled: true\n", logPath)), 1)
	require.NoError(t, os.WriteFile(e.config, content, 0o644))

	_, err = e.run(t, "migrate")
	require.NoError(t, err)

	today := time.Now().UTC().Format(queue.DayLayout)
	e.withDB(t, func(ctx context.Context, db *stores.SQLiteStore) {
		require.NoError(t, db.RecordUsage(ctx, today, 600, 400))
	})

	_, err = e.run(t, "tick")
	require.NoError(t, err)

	logs, err := os.ReadFile(logPath)
	require.NoError(t, err)

	var found map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(logs), []byte("\n")) {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["component"] == "events" && entry["event_type"] == "tick.completed" {
			found = entry
		}
	}
	require.NotNil(t, found, "tick.completed event missing from %s", logs)
	assert.Equal(t, "budget_exhausted", found["status"])
}

func TestLockShowAndRelease(t *testing.T) {
	e := newEnv(t, "sqlite")

	_, err := e.run(t, "migrate")
	require.NoError(t, err)

	e.withDB(t, func(ctx context.Context, db *stores.SQLiteStore) {
		m := lock.NewManager(db, lock.WithOwner("crashed-worker"))
		ok, err := m.Acquire(ctx, "orchestrator", time.Hour)
		require.NoError(t, err)
		require.True(t, ok)
	})

	out, err := e.run(t, "lock", "show", "--json")
	require.NoError(t, err)

	var views []lockView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 2)
	assert.Equal(t, "orchestrator", views[0].Name)
	assert.True(t, views[0].Held)
	require.NotNil(t, views[0].Record)
	assert.Equal(t, "crashed-worker", views[0].Record.Owner)
	assert.False(t, views[1].Held)
	assert.Nil(t, views[1].Record)

	_, err = e.run(t, "lock", "release", "orchestrator")
	require.NoError(t, err)

	out, err = e.run(t, "lock", "show", "--json")
	require.NoError(t, err)
	views = nil
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	assert.False(t, views[0].Held)
}

func TestQueueShowAndClearWithFileState(t *testing.T) {
	e := newEnv(t, "file")

	_, err := e.run(t, "migrate")
	require.NoError(t, err)

	ctx := context.Background()
	fs, err := stores.NewFileStore(e.state)
	require.NoError(t, err)
	q := queue.New(fs, primaryQueue)
	require.NoError(t, q.Reset(ctx, []queue.WorkItem{
		{Partition: "en", Topic: "Sourdough starters", WorkType: "article"},
		{Partition: "en", Topic: "Rye bread", WorkType: "article"},
	}))
	require.NoError(t, q.CommitIndex(ctx, 0))

	out, err := e.run(t, "queue", "show", "--json")
	require.NoError(t, err)

	var view queueView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "primary", view.Name)
	assert.True(t, view.ForToday)
	assert.Equal(t, 1, view.Cursor)
	assert.Equal(t, 1, view.Remaining)
	require.Len(t, view.Items, 1)
	assert.Equal(t, "Rye bread", view.Items[0].Topic)

	out, err = e.run(t, "queue", "show", "--all", "--json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Len(t, view.Items, 2)

	_, err = e.run(t, "queue", "clear")
	require.NoError(t, err)

	out, err = e.run(t, "queue", "show", "--json")
	require.NoError(t, err)
	view = queueView{}
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Zero(t, view.Remaining)
	assert.False(t, view.ForToday)
}

func TestReadOnlyCommandsNeedNoAPIKey(t *testing.T) {
	e := newEnv(t, "sqlite")

	content, err := os.ReadFile(e.config)
	require.NoError(t, err)
	content = bytes.Replace(content, []byte("  api_key: test-key\n"), []byte("  model: claude-test\n"), 1)
	require.NoError(t, os.WriteFile(e.config, content, 0o644))

	_, err = e.run(t, "migrate")
	require.NoError(t, err)
	_, err = e.run(t, "budget", "status")
	require.NoError(t, err)
	_, err = e.run(t, "lock", "show")
	require.NoError(t, err)

	_, err = e.run(t, "tick")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY")
}

func TestInvalidConfig(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("budget:\n  monthly_cap: -1\n"), 0o644))

	cmd := newRootCommand("test", "none", "today")
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", path, "budget", "status"})
	require.Error(t, cmd.ExecuteContext(context.Background()))
}
