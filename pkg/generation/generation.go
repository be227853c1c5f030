// Package generation defines the text-generation capability the orchestrator
// calls, the prompts it sends, and an adapter for the Anthropic Messages API.
package generation

import (
	"context"
	"errors"
	"time"

	"github.com/autoscribe/autoscribe/pkg/telemetry"
)

// ErrEmptyResponse is returned when the upstream returns no text.
var ErrEmptyResponse = errors.New("generation returned no text")

// Request is one generation call.
type Request struct {
	System      string
	User        string
	MaxTokens   int64
	Temperature float64
}

// Usage is the token consumption reported by the upstream.
type Usage struct {
	InputTokens  int64 `json:"input_tokens" yaml:"input_tokens"`
	OutputTokens int64 `json:"output_tokens" yaml:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Response is the result of a generation call.
type Response struct {
	Content string
	Usage   Usage
	Model   string
}

// Generator produces text. Implementations may fail on transport or auth
// errors; malformed output is not an error.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (Response, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Instrumented wraps a generator with a span, a duration histogram and token
// counters.
type Instrumented struct {
	next     Generator
	workType string
	tel      *telemetry.Telemetry
}

// Instrument wraps next. workType labels the duration metric.
func Instrument(next Generator, workType string, tel *telemetry.Telemetry) *Instrumented {
	return &Instrumented{next: next, workType: workType, tel: tel}
}

// Generate implements Generator.
func (g *Instrumented) Generate(ctx context.Context, req Request) (Response, error) {
	ctx, span := g.tel.Tracer.StartGenerationSpan(ctx, g.workType, req.MaxTokens)
	defer span.End()

	log := telemetry.FromContext(ctx).WithField("work_type", g.workType)

	start := time.Now()
	resp, err := g.next.Generate(ctx, req)
	if err != nil {
		telemetry.RecordError(span, err)
		g.tel.Metrics.RecordGeneration(g.workType, "error", time.Since(start))
		log.WithError(err).WithField("duration", time.Since(start).String()).Debug("Generation call failed")
		return resp, err
	}

	span.SetAttributes(telemetry.AttrModel.String(resp.Model))
	telemetry.RecordSuccess(span)
	g.tel.Metrics.RecordGeneration(g.workType, "success", time.Since(start))
	g.tel.Metrics.RecordTokens(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	log.WithField("model", resp.Model).
		WithField("input_tokens", resp.Usage.InputTokens).
		WithField("output_tokens", resp.Usage.OutputTokens).
		Debug("Generation call finished")
	return resp, nil
}
