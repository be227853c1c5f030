package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoscribe/autoscribe/pkg/generation"
)

func TestTranslateDisabledWithoutLanguages(t *testing.T) {
	h := newHarness(t, testConfig(), newStore(t))

	report, err := h.orch.Translate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, report.Status)
}

func TestTranslateFillsMissingLanguages(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxItemsPerTick = 1
	cfg.TranslationLanguages = []string{"en", "de", "fr"}
	store := newStore(t)
	seedBaking(t, store)
	h := newHarness(t, cfg, store)

	_, err := h.orch.Tick(ctx)
	require.NoError(t, err)

	report, err := h.orch.Translate(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, 2, report.Generated)
	assert.Equal(t, int64(2000), report.TokensUsed)

	pending, err := store.PendingTranslations(ctx, cfg.TranslationLanguages, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	articles, err := store.PendingTranslations(ctx, []string{"es"}, 10)
	require.NoError(t, err)
	require.Len(t, articles, 1)

	translations, err := store.ListTranslations(ctx, articles[0].Article.ID)
	require.NoError(t, err)
	require.Len(t, translations, 2)
	assert.Equal(t, "de", translations[0].Language)
	assert.Equal(t, "fr", translations[1].Language)
	assert.NotEmpty(t, translations[0].Slug)
	assert.Equal(t, "fake-model", translations[0].ModelID)

	// Translation prompts carry the rendered source document
	var translationCalls int
	for _, c := range h.gen.Calls() {
		if c.User == articles[0].Article.Body {
			translationCalls++
		}
	}
	assert.Equal(t, 2, translationCalls)

	spent, err := store.DailyUsage(ctx, "2026-06-10")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), spent)

	report, err = h.orch.Translate(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusNoWork, report.Status)
}

func TestTranslateChecksBudgetPerUnit(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxItemsPerTick = 1
	cfg.TranslationLanguages = []string{"de", "fr"}
	store := newStore(t)
	seedBaking(t, store)
	h := newHarness(t, cfg, store)

	_, err := h.orch.Tick(ctx)
	require.NoError(t, err)

	// 1000 spent by the article, 7000 more: one 1500 estimate fits into the
	// 10000 daily cap, two do not.
	require.NoError(t, store.RecordUsage(ctx, "2026-06-10", 7000, 0))

	report, err := h.orch.Translate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Generated)
	assert.Equal(t, 1, report.Skipped)
}

func TestTranslateCapsLanguagesPerArticle(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxItemsPerTick = 1
	cfg.TranslationLanguages = []string{"de", "es", "fr"}
	cfg.MaxTranslationsPerArticle = 2
	store := newStore(t)
	seedBaking(t, store)
	h := newHarness(t, cfg, store)

	_, err := h.orch.Tick(ctx)
	require.NoError(t, err)

	report, err := h.orch.Translate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Generated)

	pending, err := store.PendingTranslations(ctx, cfg.TranslationLanguages, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, []string{"fr"}, pending[0].Missing)
}

func TestTranslateFailuresAreCounted(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxItemsPerTick = 1
	cfg.TranslationLanguages = []string{"de"}
	store := newStore(t)
	seedBaking(t, store)
	h := newHarness(t, cfg, store)

	_, err := h.orch.Tick(ctx)
	require.NoError(t, err)

	h.orch.deps.Generator = generation.GeneratorFunc(func(context.Context, generation.Request) (generation.Response, error) {
		return generation.Response{}, assert.AnError
	})

	report, err := h.orch.Translate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Generated)
}

func TestTranslateRotatesPastFailingArticles(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxItemsPerTick = 2
	cfg.TranslationLanguages = []string{"de"}
	cfg.TranslationBatch = 1
	store := newStore(t)
	seedBaking(t, store)
	h := newHarness(t, cfg, store)

	_, err := h.orch.Tick(ctx)
	require.NoError(t, err)

	pending, err := store.PendingTranslations(ctx, cfg.TranslationLanguages, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	var sources []string
	h.orch.deps.Generator = generation.GeneratorFunc(func(_ context.Context, req generation.Request) (generation.Response, error) {
		sources = append(sources, req.User)
		return generation.Response{}, assert.AnError
	})

	for range 3 {
		report, err := h.orch.Translate(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Failed)
	}

	first, second := pending[0].Article.Body, pending[1].Article.Body
	assert.Equal(t, []string{first, second, first}, sources)
}
