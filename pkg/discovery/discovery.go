// Package discovery proposes topics to write about for each partition.
//
// Discovery is a flaky upstream. Guarded wraps any Discoverer in a per
// partition circuit breaker and falls back to evergreen topics derived from
// the category names, so target selection always has something to rank.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/autoscribe/autoscribe/pkg/breaker"
	"github.com/autoscribe/autoscribe/pkg/budget"
	"github.com/autoscribe/autoscribe/pkg/generation"
	"github.com/autoscribe/autoscribe/pkg/stores"
	"github.com/autoscribe/autoscribe/pkg/telemetry"
)

// ErrNoTopics is returned when the upstream answer contained no usable topic.
var ErrNoTopics = errors.New("discovery returned no topics")

// ErrBudgetDenied is returned when the budget gate refuses a discovery call.
var ErrBudgetDenied = errors.New("discovery denied by budget")

// Topic is a candidate article topic. Category is the category slug.
type Topic struct {
	Category string `json:"category" yaml:"category"`
	Topic    string `json:"topic" yaml:"topic"`
}

// Discoverer proposes up to maxPerCategory topics per category for a
// partition.
type Discoverer interface {
	Discover(ctx context.Context, partition string, categories []stores.Category, maxPerCategory int) ([]Topic, error)
}

var evergreenTemplates = []string{
	"A beginner's guide to %s",
	"Common %s mistakes and how to avoid them",
	"How to get started with %s",
	"%s: frequently asked questions answered",
	"Essential %s tips from the experts",
}

// Evergreen returns topics derived from the category names alone.
func Evergreen(categories []stores.Category, maxPerCategory int) []Topic {
	n := min(maxPerCategory, len(evergreenTemplates))
	topics := make([]Topic, 0, len(categories)*max(n, 0))
	for _, c := range categories {
		name := strings.ToLower(c.Name)
		for i := 0; i < n; i++ {
			t := fmt.Sprintf(evergreenTemplates[i], name)
			topics = append(topics, Topic{Category: c.Slug, Topic: strings.ToUpper(t[:1]) + t[1:]})
		}
	}
	return topics
}

// EvergreenOnly is a Discoverer that never calls upstream.
type EvergreenOnly struct{}

// Discover implements Discoverer.
func (EvergreenOnly) Discover(_ context.Context, _ string, categories []stores.Category, maxPerCategory int) ([]Topic, error) {
	return Evergreen(categories, maxPerCategory), nil
}

// Guarded routes discovery through a circuit breaker with a per-call
// timeout.
type Guarded struct {
	next    Discoverer
	breaker *breaker.Breaker
	timeout time.Duration
	logger  *telemetry.Logger
}

// NewGuarded wraps next. A zero timeout disables the per-call deadline.
func NewGuarded(next Discoverer, b *breaker.Breaker, timeout time.Duration, logger *telemetry.Logger) *Guarded {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Guarded{
		next:    next,
		breaker: b,
		timeout: timeout,
		logger:  logger.NewComponentLogger("discovery"),
	}
}

// Discover never fails: upstream errors and open circuits yield evergreen
// topics.
func (g *Guarded) Discover(ctx context.Context, partition string, categories []stores.Category, maxPerCategory int) ([]Topic, error) {
	primary := func(ctx context.Context) ([]Topic, error) {
		if g.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		topics, err := g.next.Discover(ctx, partition, categories, maxPerCategory)
		if errors.Is(err, ErrBudgetDenied) {
			// The upstream was never called, so its circuit learns nothing.
			return nil, breaker.Neutral(err)
		}
		return topics, err
	}

	fallback := func(err error) []Topic {
		g.logger.WithPartition(partition).
			WithError(err).
			WithField("breaker", g.breaker.State(partition).State.String()).
			Warn("Discovery unavailable, using evergreen topics")
		return Evergreen(categories, maxPerCategory)
	}

	return breaker.Execute(ctx, g.breaker, partition, primary, fallback), nil
}

// Gate decides whether a call of the given cost may run.
type Gate interface {
	CanRunOperation(ctx context.Context, cost int64) (budget.Decision, error)
}

// UsageRecorder appends spent tokens to the ledger.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, day string, inputTokens, outputTokens int64) error
}

// GeneratorDiscoverer asks a Generator for topics.
type GeneratorDiscoverer struct {
	gen       generation.Generator
	maxTokens int64
	gate      Gate
	usage     UsageRecorder
}

// GeneratorOption configures a GeneratorDiscoverer.
type GeneratorOption func(*GeneratorDiscoverer)

// WithBudget checks every call against gate and records its usage. Without
// it discovery spends tokens the ledger never sees.
func WithBudget(gate Gate, usage UsageRecorder) GeneratorOption {
	return func(d *GeneratorDiscoverer) {
		d.gate = gate
		d.usage = usage
	}
}

// NewGeneratorDiscoverer creates a discoverer backed by gen.
func NewGeneratorDiscoverer(gen generation.Generator, maxTokens int64, opts ...GeneratorOption) *GeneratorDiscoverer {
	d := &GeneratorDiscoverer{gen: gen, maxTokens: maxTokens}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Discover implements Discoverer.
func (d *GeneratorDiscoverer) Discover(ctx context.Context, partition string, categories []stores.Category, maxPerCategory int) ([]Topic, error) {
	var day string
	if d.gate != nil {
		decision, err := d.gate.CanRunOperation(ctx, d.maxTokens)
		if err != nil {
			return nil, fmt.Errorf("failed to check discovery budget: %w", err)
		}
		if !decision.Allowed {
			return nil, fmt.Errorf("%w: %s", ErrBudgetDenied, decision.Reason)
		}
		day = decision.Snapshot.Day
	}

	names := make([]string, 0, len(categories))
	for _, c := range categories {
		names = append(names, c.Name)
	}

	resp, err := d.gen.Generate(ctx, generation.DiscoveryRequest(partition, names, maxPerCategory, d.maxTokens))

	// Tokens spent on a failed call still count.
	if d.usage != nil && resp.Usage.Total() > 0 {
		if rerr := d.usage.RecordUsage(ctx, day, resp.Usage.InputTokens, resp.Usage.OutputTokens); rerr != nil {
			return nil, fmt.Errorf("failed to record discovery usage: %w", rerr)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to discover topics for %s: %w", partition, err)
	}

	topics := ParseTopics(resp.Content, categories, maxPerCategory)
	if len(topics) == 0 {
		return nil, ErrNoTopics
	}
	return topics, nil
}

var listMarker = regexp.MustCompile(`^(?:[-*]|\d+[.)])\s*`)

// ParseTopics reads "category | topic" lines. Lines naming an unknown
// category, duplicates and topics beyond maxPerCategory are dropped.
func ParseTopics(text string, categories []stores.Category, maxPerCategory int) []Topic {
	bySlug := make(map[string]string, len(categories)*2)
	for _, c := range categories {
		bySlug[strings.ToLower(c.Name)] = c.Slug
		bySlug[strings.ToLower(c.Slug)] = c.Slug
	}

	counts := make(map[string]int)
	seen := make(map[string]bool)
	var topics []Topic

	for _, line := range strings.Split(text, "\n") {
		line = listMarker.ReplaceAllString(strings.TrimSpace(line), "")
		cat, topic, found := strings.Cut(line, "|")
		if !found {
			continue
		}

		slug, ok := bySlug[strings.ToLower(strings.TrimSpace(cat))]
		topic = strings.Trim(strings.TrimSpace(topic), `"`)
		if !ok || topic == "" || counts[slug] >= maxPerCategory {
			continue
		}

		key := slug + "|" + strings.ToLower(topic)
		if seen[key] {
			continue
		}
		seen[key] = true
		counts[slug]++
		topics = append(topics, Topic{Category: slug, Topic: topic})
	}

	return topics
}
