package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScorer(t *testing.T) {
	src := `
def score(item):
    if item.category == "baking":
        return item.default * 2
    if item.work_type == "how_to":
        return 1
    return item.language_weight + item.type_weight
`
	s, err := NewScorer("score.star", src, time.Second)
	require.NoError(t, err)

	ctx := context.Background()

	got, err := s.Score(ctx, ScoreInput{Category: "baking", Default: 1.5})
	require.NoError(t, err)
	assert.Equal(t, 3.0, got)

	got, err = s.Score(ctx, ScoreInput{Category: "garden", WorkType: "how_to"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, got)

	got, err = s.Score(ctx, ScoreInput{Category: "garden", LanguageWeight: 0.5, TypeWeight: 0.25})
	require.NoError(t, err)
	assert.Equal(t, 0.75, got)
}

func TestLoadScorer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "score.star")
	require.NoError(t, os.WriteFile(path, []byte("def score(item):\n    return True\n"), 0o644))

	s, err := LoadScorer(path, 0)
	require.NoError(t, err)

	got, err := s.Score(context.Background(), ScoreInput{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, got)

	_, err = LoadScorer(filepath.Join(t.TempDir(), "missing.star"), 0)
	require.Error(t, err)
}

func TestNewScorerRejectsBadScripts(t *testing.T) {
	tests := map[string]string{
		"syntax error":    "def score(item)\n    return 1\n",
		"missing score":   "def rank(item):\n    return 1\n",
		"not a function":  "score = 3\n",
		"wrong arity":     "def score(a, b):\n    return 1\n",
		"runtime failure": "x = 1 // 0\n",
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewScorer("score.star", src, time.Second)
			assert.Error(t, err)
		})
	}
}

func TestScoreErrors(t *testing.T) {
	ctx := context.Background()

	s, err := NewScorer("score.star", "def score(item):\n    return item.topic\n", time.Second)
	require.NoError(t, err)
	_, err = s.Score(ctx, ScoreInput{Topic: "bread"})
	assert.ErrorContains(t, err, "must return a number")

	s, err = NewScorer("score.star", "def score(item):\n    return item.nope\n", time.Second)
	require.NoError(t, err)
	_, err = s.Score(ctx, ScoreInput{})
	assert.Error(t, err)
}

func TestScoreIsCancelledOnTimeout(t *testing.T) {
	src := `
def score(item):
    total = 0
    for i in range(100000000):
        total += i
    return total
`
	s, err := NewScorer("score.star", src, 20*time.Millisecond)
	require.NoError(t, err)

	start := time.Now()
	_, err = s.Score(context.Background(), ScoreInput{})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
