package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// ScoreInput is what a scoring script sees for one candidate work item.
type ScoreInput struct {
	Partition      string
	Category       string
	Topic          string
	WorkType       string
	LanguageWeight float64
	TypeWeight     float64
	CategoryWeight float64
	// Default is the built-in weighted-product score.
	Default float64
}

// Scorer is a compiled Starlark scoring script. The script must define
//
//	def score(item):
//	    return <number>
//
// where item is a struct with the ScoreInput fields in snake_case.
type Scorer struct {
	fn      *starlark.Function
	timeout time.Duration
}

// LoadScorer compiles the script at path.
func LoadScorer(path string, timeout time.Duration) (*Scorer, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scoring script: %w", err)
	}
	return NewScorer(path, string(src), timeout)
}

// NewScorer compiles src. filename is used in error messages.
func NewScorer(filename, src string, timeout time.Duration) (*Scorer, error) {
	if timeout <= 0 {
		timeout = time.Second
	}

	thread := newThread("scoring-init")
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}

	globals, err := starlark.ExecFile(thread, filename, src, predeclared)
	if err != nil {
		return nil, fmt.Errorf("failed to load scoring script: %w", err)
	}
	globals.Freeze()

	fn, ok := globals["score"].(*starlark.Function)
	if !ok {
		return nil, fmt.Errorf("scoring script %s must define a score(item) function", filename)
	}
	if fn.NumParams() != 1 {
		return nil, fmt.Errorf("score must take exactly one parameter, got %d", fn.NumParams())
	}

	return &Scorer{fn: fn, timeout: timeout}, nil
}

func newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, _ string) {
			// print is silenced
		},
	}
}

// Score runs the script for one item. Scripts are cancelled after the
// configured timeout or when ctx is done.
func (s *Scorer) Score(ctx context.Context, in ScoreInput) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	thread := newThread("scoring")
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(ctx.Err().Error())
	})
	defer stop()

	item := starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"partition":       starlark.String(in.Partition),
		"category":        starlark.String(in.Category),
		"topic":           starlark.String(in.Topic),
		"work_type":       starlark.String(in.WorkType),
		"language_weight": starlark.Float(in.LanguageWeight),
		"type_weight":     starlark.Float(in.TypeWeight),
		"category_weight": starlark.Float(in.CategoryWeight),
		"default":         starlark.Float(in.Default),
	})

	v, err := starlark.Call(thread, s.fn, starlark.Tuple{item}, nil)
	if err != nil {
		return 0, fmt.Errorf("scoring script failed: %w", err)
	}

	return toFloat(v)
}

func toFloat(v starlark.Value) (float64, error) {
	switch val := v.(type) {
	case starlark.Float:
		return float64(val), nil
	case starlark.Int:
		f, ok := starlark.AsFloat(val)
		if !ok {
			return 0, fmt.Errorf("score %s is out of range", val)
		}
		return f, nil
	case starlark.Bool:
		if val {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("score must return a number, got %s", v.Type())
	}
}
