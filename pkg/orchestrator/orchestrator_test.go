package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoscribe/autoscribe/pkg/breaker"
	"github.com/autoscribe/autoscribe/pkg/budget"
	"github.com/autoscribe/autoscribe/pkg/discovery"
	"github.com/autoscribe/autoscribe/pkg/extract"
	"github.com/autoscribe/autoscribe/pkg/generation"
	"github.com/autoscribe/autoscribe/pkg/lock"
	"github.com/autoscribe/autoscribe/pkg/queue"
	"github.com/autoscribe/autoscribe/pkg/stores"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeGenerator answers with a small well-formed article and fixed usage.
type fakeGenerator struct {
	mu    sync.Mutex
	calls []generation.Request
	err   error
	usage generation.Usage
	// hook runs inside every call
	hook func()
}

func (g *fakeGenerator) Generate(_ context.Context, req generation.Request) (generation.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls = append(g.calls, req)
	if g.hook != nil {
		g.hook()
	}
	if g.err != nil {
		return generation.Response{}, g.err
	}

	n := len(g.calls)
	content := fmt.Sprintf("# Generated Article %d\n\nAn introduction.\n\n## Details\n\nSome details.\n\n## FAQ\n\n### Why?\n\nBecause.\n", n)
	return generation.Response{Content: content, Usage: g.usage, Model: "fake-model"}, nil
}

func (g *fakeGenerator) Calls() []generation.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]generation.Request(nil), g.calls...)
}

type fakeDiscoverer struct {
	topics map[string][]discovery.Topic
	err    error
}

func (d *fakeDiscoverer) Discover(_ context.Context, partition string, _ []stores.Category, _ int) ([]discovery.Topic, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.topics[partition], nil
}

type harness struct {
	store     *stores.SQLiteStore
	clock     *fakeClock
	gen       *fakeGenerator
	disc      *fakeDiscoverer
	governor  *budget.Governor
	estimator *budget.Estimator
	locks     *lock.Manager
	queue     *queue.Queue
	orch      *Orchestrator
	cfg       Config
}

func testConfig() Config {
	return Config{
		Languages:       []string{"en"},
		DailyTarget:     10,
		MaxItemsPerTick: 5,
		MaxAttempts:     2,
		LockTTL:         time.Hour,
		ArticleEstimate: 1000,
		// A daily cap of 10000 with a 300000 monthly cap in June.
		TranslationEstimate:       1500,
		TopicsPerCategory:         3,
		TranslationBatch:          5,
		MaxTranslationsPerArticle: 3,
	}
}

func newStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	ctx := context.Background()
	s, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func bakingTopics() map[string][]discovery.Topic {
	return map[string][]discovery.Topic{
		"en": {
			{Category: "baking", Topic: "Sourdough starters"},
			{Category: "baking", Topic: "Rye bread"},
			{Category: "baking", Topic: "Focaccia"},
		},
	}
}

func newHarness(t *testing.T, cfg Config, store *stores.SQLiteStore) *harness {
	t.Helper()

	clock := &fakeClock{t: time.Date(2026, 6, 10, 9, 0, 0, 0, time.UTC)}
	store.SetClock(clock.Now)

	governor, err := budget.NewGovernor(budget.Config{MonthlyCap: 300000, Location: time.UTC}, store, store, budget.WithClock(clock.Now))
	require.NoError(t, err)

	h := &harness{
		store:     store,
		clock:     clock,
		gen:       &fakeGenerator{usage: generation.Usage{InputTokens: 600, OutputTokens: 400}},
		disc:      &fakeDiscoverer{topics: bakingTopics()},
		governor:  governor,
		estimator: budget.NewEstimator(store, nil),
		locks:     lock.NewManager(store, lock.WithClock(clock.Now)),
		queue:     queue.New(store, "primary", queue.WithClock(clock.Now)),
		cfg:       cfg,
	}
	h.orch = h.build(t)
	return h
}

// build creates a fresh orchestrator over the harness store, as a restarted
// process would.
func (h *harness) build(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(h.cfg, Deps{
		Documents:  h.store,
		Usage:      h.store,
		Jobs:       h.store,
		Categories: h.store,
		Generator:  h.gen,
		Discoverer: h.disc,
		Governor:   h.governor,
		Estimator:  h.estimator,
		Locks:      h.locks,
		Queue:      h.queue,
		State:      h.store,
	}, WithClock(h.clock.Now), WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)
	return o
}

func seedBaking(t *testing.T, s *stores.SQLiteStore) {
	t.Helper()
	_, err := s.UpsertCategory(context.Background(), stores.Category{Name: "Baking", Slug: "baking", Weight: 1})
	require.NoError(t, err)
}

func TestNewValidatesDeps(t *testing.T) {
	_, err := New(testConfig(), Deps{})
	require.Error(t, err)
	assert.Equal(t, ErrorClassConfiguration, Classify(err))

	h := newHarness(t, testConfig(), newStore(t))
	cfg := testConfig()
	cfg.Languages = nil
	_, err = New(cfg, Deps{
		Documents: h.store, Usage: h.store, Jobs: h.store, Categories: h.store,
		Generator: h.gen, Discoverer: h.disc, Governor: h.governor, Estimator: h.estimator,
		Locks: h.locks, Queue: h.queue, State: h.store,
	})
	require.Error(t, err)
}

func TestTickGeneratesAndResumes(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxItemsPerTick = 2
	store := newStore(t)
	seedBaking(t, store)
	h := newHarness(t, cfg, store)

	report, err := h.orch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusItemCap, report.Status)
	assert.Equal(t, 2, report.Generated)
	assert.Equal(t, 1, report.QueueRemaining)
	assert.Equal(t, int64(2000), report.TokensUsed)

	count, err := store.CountArticles(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	for _, slug := range []string{"focaccia", "rye-bread"} {
		exists, err := store.HasArticle(ctx, "en", slug)
		require.NoError(t, err)
		assert.True(t, exists, slug)
	}

	spent, err := store.DailyUsage(ctx, "2026-06-10")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), spent)

	job, err := store.JobForDay(ctx, "2026-06-10")
	require.NoError(t, err)
	assert.Equal(t, 10, job.Target)
	assert.Equal(t, 2, job.Progress)

	report, err = h.orch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusDrained, report.Status)
	assert.Equal(t, 1, report.Generated)
	assert.Len(t, h.gen.Calls(), 3)
}

func TestRestartResumesAtCursor(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxItemsPerTick = 2
	store := newStore(t)
	seedBaking(t, store)
	h := newHarness(t, cfg, store)

	_, err := h.orch.Tick(ctx)
	require.NoError(t, err)

	// Fresh collaborators over the same durable store
	restarted := newHarness(t, cfg, store)
	today, err := restarted.queue.IsForToday(ctx)
	require.NoError(t, err)
	assert.True(t, today)

	peek, err := restarted.queue.PeekNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, peek.Index)

	report, err := restarted.orch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Generated)

	calls := restarted.gen.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].User, "Sourdough starters")
}

func TestTickSkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedBaking(t, store)
	h := newHarness(t, testConfig(), store)

	other := lock.NewManager(store, lock.WithClock(h.clock.Now), lock.WithOwner("other-process"))
	ok, err := other.Acquire(ctx, PrimaryLock, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := h.orch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, report.Status)
	assert.Empty(t, h.gen.Calls())
}

func TestLongTickRenewsLock(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedBaking(t, store)
	h := newHarness(t, testConfig(), store)

	// Three 40 minute calls outlast the one hour TTL.
	var held []bool
	h.gen.hook = func() {
		h.clock.Advance(40 * time.Minute)
		rec, found, err := h.locks.Inspect(ctx, PrimaryLock)
		require.NoError(t, err)
		held = append(held, found && rec.HeldAt(h.clock.Now()))
	}

	report, err := h.orch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Generated)
	assert.Equal(t, []bool{true, true, true}, held)
}

func TestTickFailsWhenLockTakenOver(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedBaking(t, store)
	h := newHarness(t, testConfig(), store)

	other := lock.NewManager(store, lock.WithClock(h.clock.Now), lock.WithOwner("other-process"))
	h.gen.hook = func() {
		if len(h.gen.calls) > 1 {
			return
		}
		// An operator force-released the lock and another process took it.
		require.NoError(t, other.ForceRelease(ctx, PrimaryLock))
		ok, err := other.Acquire(ctx, PrimaryLock, time.Hour)
		require.NoError(t, err)
		require.True(t, ok)
	}

	report, err := h.orch.Tick(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockLost)
	assert.Equal(t, ErrorClassLockContention, Classify(err))
	assert.Equal(t, StatusFailed, report.Status)
	assert.Equal(t, 1, report.Generated)
	assert.Len(t, h.gen.Calls(), 1)

	// The other process keeps its lock
	rec, found, err := h.locks.Inspect(ctx, PrimaryLock)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "other-process", rec.Owner)
}

func TestTickStopsWhenBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedBaking(t, store)
	h := newHarness(t, testConfig(), store)

	require.NoError(t, store.RecordUsage(ctx, "2026-06-01", 300000, 0))

	report, err := h.orch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusBudgetExhausted, report.Status)
	assert.Empty(t, h.gen.Calls())
}

func TestTickStopsWhenDailyBudgetSpent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedBaking(t, store)
	h := newHarness(t, testConfig(), store)

	require.NoError(t, store.RecordUsage(ctx, "2026-06-10", 10000, 0))

	report, err := h.orch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusDailyCapReached, report.Status)
	assert.Empty(t, h.gen.Calls())
}

func TestCapacityDeniedItemsAreSkipped(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedBaking(t, store)
	h := newHarness(t, testConfig(), store)

	// 9500 of the 10000 daily cap is gone; a 1000 estimate no longer fits
	require.NoError(t, store.RecordUsage(ctx, "2026-06-10", 9500, 0))

	report, err := h.orch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusDrained, report.Status)
	assert.Equal(t, 3, report.Skipped)
	assert.Zero(t, report.Generated)
	assert.Empty(t, h.gen.Calls())

	s, err := h.queue.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Cursor)
}

func TestTickStopsAtDailyTarget(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedBaking(t, store)
	h := newHarness(t, testConfig(), store)

	_, err := store.UpsertDailyTarget(ctx, "2026-06-10", 1)
	require.NoError(t, err)
	require.NoError(t, store.IncrementProgress(ctx, "2026-06-10", 1))

	report, err := h.orch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusTargetReached, report.Status)
	assert.Empty(t, h.gen.Calls())
}

func TestDailyTargetIsBoundedByBudget(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.ArticleEstimate = 4000
	store := newStore(t)
	seedBaking(t, store)
	h := newHarness(t, cfg, store)

	_, err := h.orch.Tick(ctx)
	require.NoError(t, err)

	// 10000 / 4000 leaves room for two items a day
	job, err := store.JobForDay(ctx, "2026-06-10")
	require.NoError(t, err)
	assert.Equal(t, 2, job.Target)

	s, err := h.queue.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, s.Items, 2)
}

func TestNoCategoriesIsFatal(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	h := newHarness(t, testConfig(), store)

	report, err := h.orch.Tick(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoCategories)
	assert.True(t, IsFatal(err))
	assert.Equal(t, StatusFailed, report.Status)

	// The lock was released
	_, found, err := h.locks.Inspect(ctx, PrimaryLock)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGenerationFailureEndsTickWithoutCommit(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedBaking(t, store)
	h := newHarness(t, testConfig(), store)
	h.gen.err = errors.New("connection reset")

	report, err := h.orch.Tick(ctx)
	require.Error(t, err)
	assert.Equal(t, ErrorClassUpstreamUnavailable, Classify(err))
	assert.False(t, IsFatal(err))
	assert.Equal(t, 1, report.Failed)

	s, err := h.queue.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Cursor)

	// The second failure of the same item exhausts its attempts: it is
	// skipped and the next item fails in turn.
	report, err = h.orch.Tick(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, report.Skipped)

	s, err = h.queue.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Cursor)

	// Recovery picks up where the queue stopped
	h.gen.err = nil
	report, err = h.orch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Generated)
	assert.Equal(t, StatusDrained, report.Status)
}

func TestEmptyResponseRecordsUsage(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedBaking(t, store)
	h := newHarness(t, testConfig(), store)

	h.orch.deps.Generator = generation.GeneratorFunc(func(context.Context, generation.Request) (generation.Response, error) {
		return generation.Response{Usage: generation.Usage{InputTokens: 300}}, generation.ErrEmptyResponse
	})

	_, err := h.orch.Tick(ctx)
	require.Error(t, err)
	assert.Equal(t, ErrorClassMalformedOutput, Classify(err))

	spent, err := store.DailyUsage(ctx, "2026-06-10")
	require.NoError(t, err)
	assert.Equal(t, int64(300), spent)
}

func TestDuplicateDocumentIsNoOp(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxItemsPerTick = 1
	store := newStore(t)
	seedBaking(t, store)
	h := newHarness(t, cfg, store)

	_, err := h.orch.Tick(ctx)
	require.NoError(t, err)

	// Someone else publishes the next queued topic meanwhile
	categories, err := store.ListCategories(ctx)
	require.NoError(t, err)
	_, inserted, err := store.InsertArticle(ctx, stores.ArticleRecord{
		ID: "manual", Slug: "rye-bread", Language: "en", CategoryID: categories[0].ID,
		Topic: "Rye bread", WorkType: "article", Title: "Rye", Document: "{}",
	})
	require.NoError(t, err)
	require.True(t, inserted)

	report, err := h.orch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Duplicates)
	assert.Zero(t, report.Generated)

	job, err := store.JobForDay(ctx, "2026-06-10")
	require.NoError(t, err)
	assert.Equal(t, 1, job.Progress)

	s, err := h.queue.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Cursor)
}

func TestEstimatorLearnsFromUsage(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedBaking(t, store)
	h := newHarness(t, testConfig(), store)
	h.gen.usage = generation.Usage{InputTokens: 1000, OutputTokens: 1000}

	_, err := h.orch.Tick(ctx)
	require.NoError(t, err)

	m, ok := h.estimator.Model(ctx, "article", "en")
	require.True(t, ok)
	assert.Len(t, m.Samples, 3)
	assert.InDelta(t, 1.0, m.AvgError, 1e-9)
}

func TestEstimatorMeasuresAgainstBaseEstimate(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedBaking(t, store)
	h := newHarness(t, testConfig(), store)

	// Articles already cost twice the configured estimate.
	for i := 0; i < 5; i++ {
		require.NoError(t, h.estimator.Update(ctx, "article", "en", 1000, 2000))
	}
	require.Equal(t, int64(2000), h.estimator.Adjusted(ctx, "article", "en", 1000))
	h.gen.usage = generation.Usage{InputTokens: 1000, OutputTokens: 1000}

	report, err := h.orch.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, report.Generated)

	m, ok := h.estimator.Model(ctx, "article", "en")
	require.True(t, ok)
	assert.Len(t, m.Samples, 8)
	assert.InDelta(t, 1.0, m.AvgError, 1e-9, "an exact adjusted estimate must not pull the model back")
	assert.Equal(t, int64(2000), h.estimator.Adjusted(ctx, "article", "en", 1000))
}

func TestDiscoverySpendCountsAgainstBudget(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedBaking(t, store)
	h := newHarness(t, testConfig(), store)
	h.gen.usage = generation.Usage{InputTokens: 700, OutputTokens: 300}

	// The fake generator answers discovery with an article, which parses to
	// no topics, so the tick runs on evergreen topics after paying for it.
	o, err := New(h.cfg, Deps{
		Documents:  h.store,
		Usage:      h.store,
		Jobs:       h.store,
		Categories: h.store,
		Generator:  h.gen,
		Discoverer: discovery.NewGuarded(
			discovery.NewGeneratorDiscoverer(h.gen, 500, discovery.WithBudget(h.governor, h.store)),
			breaker.New(), 0, nil,
		),
		Governor:  h.governor,
		Estimator: h.estimator,
		Locks:     h.locks,
		Queue:     h.queue,
		State:     h.store,
	}, WithClock(h.clock.Now), WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, err)

	report, err := o.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, report.Generated)
	assert.Equal(t, int64(3000), report.TokensUsed)
	assert.Len(t, h.gen.Calls(), 4)

	snap, err := h.governor.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), snap.UsedUnits)
	assert.Equal(t, int64(4000), snap.SpentToday)
}

func TestDiscoveryFailureFallsBackToEvergreen(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seedBaking(t, store)
	h := newHarness(t, testConfig(), store)
	h.disc.err = errors.New("discovery down")

	report, err := h.orch.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Generated)

	categories, err := store.ListCategories(ctx)
	require.NoError(t, err)
	for _, topic := range discovery.Evergreen(categories, 3) {
		exists, err := store.HasArticle(ctx, "en", extract.Slugify(topic.Topic))
		require.NoError(t, err)
		assert.True(t, exists, topic.Topic)
	}
}

func TestCancelledTick(t *testing.T) {
	store := newStore(t)
	seedBaking(t, store)
	h := newHarness(t, testConfig(), store)

	ctx, cancel := context.WithCancel(context.Background())
	h.orch.deps.Generator = generation.GeneratorFunc(func(ctx context.Context, _ generation.Request) (generation.Response, error) {
		cancel()
		return generation.Response{}, ctx.Err()
	})

	report, err := h.orch.Tick(ctx)
	require.Error(t, err)
	assert.Equal(t, StatusCancelled, report.Status)

	// Cancellation does not count as a failed attempt
	assert.Zero(t, h.orch.attempts(context.Background(), "2026-06-10", 0))
}
