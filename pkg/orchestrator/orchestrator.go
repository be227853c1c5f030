package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/autoscribe/autoscribe/pkg/budget"
	"github.com/autoscribe/autoscribe/pkg/config"
	"github.com/autoscribe/autoscribe/pkg/discovery"
	"github.com/autoscribe/autoscribe/pkg/generation"
	"github.com/autoscribe/autoscribe/pkg/lock"
	"github.com/autoscribe/autoscribe/pkg/queue"
	"github.com/autoscribe/autoscribe/pkg/stores"
	"github.com/autoscribe/autoscribe/pkg/telemetry"
)

// Lock names.
const (
	PrimaryLock   = "orchestrator"
	TranslateLock = "translation"
)

// Phase is a step of the primary tick.
type Phase string

const (
	PhaseAcquireLock      Phase = "ACQUIRE_LOCK"
	PhaseCheckBudget      Phase = "CHECK_BUDGET"
	PhaseCheckDailyTarget Phase = "CHECK_DAILY_TARGET"
	PhaseBuildQueue       Phase = "BUILD_OR_RESUME_QUEUE"
	PhaseDrainQueue       Phase = "DRAIN_QUEUE"
	PhaseReleaseLock      Phase = "RELEASE_LOCK"
	PhaseTranslate        Phase = "TRANSLATE"
)

// Status is how a tick ended.
type Status string

const (
	StatusSkipped         Status = "skipped"
	StatusBudgetExhausted Status = "budget_exhausted"
	StatusDailyCapReached Status = "daily_cap_reached"
	StatusTargetReached   Status = "target_reached"
	StatusNoWork          Status = "no_work"
	StatusDrained         Status = "drained"
	StatusItemCap         Status = "item_cap"
	StatusCancelled       Status = "cancelled"
	StatusFailed          Status = "failed"
	StatusDisabled        Status = "disabled"
	StatusCompleted       Status = "completed"
)

// Documents persists primary and derived documents.
type Documents interface {
	InsertArticle(ctx context.Context, rec stores.ArticleRecord) (id string, inserted bool, err error)
	HasArticle(ctx context.Context, language, slug string) (bool, error)
	InsertTranslation(ctx context.Context, rec stores.TranslationRecord) error
	PendingTranslations(ctx context.Context, languages []string, limit int) ([]stores.PendingTranslation, error)
	MarkTranslationAttempt(ctx context.Context, articleID string) error
}

// Usage is the token ledger.
type Usage interface {
	budget.Ledger
	RecordUsage(ctx context.Context, day string, inputTokens, outputTokens int64) error
}

// Jobs tracks the daily target and progress.
type Jobs interface {
	UpsertDailyTarget(ctx context.Context, day string, target int) (*stores.DailyJob, error)
	IncrementProgress(ctx context.Context, day string, n int) error
	JobForDay(ctx context.Context, day string) (*stores.DailyJob, error)
}

// Categories lists the categories to generate for.
type Categories interface {
	ListCategories(ctx context.Context) ([]stores.Category, error)
}

// Scorer overrides the built-in target score.
type Scorer interface {
	Score(ctx context.Context, in config.ScoreInput) (float64, error)
}

// Config holds the orchestrator limits.
type Config struct {
	Languages            []string
	TranslationLanguages []string

	DailyTarget     int
	MaxItemsPerTick int
	MaxAttempts     int
	PacingDelay     time.Duration
	LockTTL         time.Duration

	GenerationTimeout    time.Duration
	ArticleMaxTokens     int64
	TranslationMaxTokens int64

	ArticleEstimate     int64
	TranslationEstimate int64
	Complexity          string
	TopicsPerCategory   int

	TranslationBatch          int
	MaxTranslationsPerArticle int

	Weights config.Weights
}

// ConfigFrom maps the application configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Languages:                 cfg.Orchestrator.Languages,
		TranslationLanguages:      cfg.Orchestrator.TranslationLanguages,
		DailyTarget:               cfg.Orchestrator.DailyTarget,
		MaxItemsPerTick:           cfg.Orchestrator.MaxItemsPerTick,
		MaxAttempts:               cfg.Orchestrator.MaxAttempts,
		PacingDelay:               cfg.Orchestrator.PacingDelay,
		LockTTL:                   cfg.Orchestrator.LockTTL,
		GenerationTimeout:         cfg.Generation.Timeout,
		ArticleMaxTokens:          cfg.Generation.ArticleMaxTokens,
		TranslationMaxTokens:      cfg.Generation.TranslationMaxTokens,
		ArticleEstimate:           cfg.Orchestrator.ArticleEstimate,
		TranslationEstimate:       cfg.Orchestrator.TranslationEstimate,
		Complexity:                cfg.Orchestrator.Complexity,
		TopicsPerCategory:         cfg.Discovery.TopicsPerCategory,
		TranslationBatch:          cfg.Orchestrator.TranslationBatch,
		MaxTranslationsPerArticle: cfg.Orchestrator.MaxTranslationsPerArticle,
		Weights:                   cfg.Weights,
	}
}

func (c *Config) setDefaults() {
	if c.DailyTarget <= 0 {
		c.DailyTarget = 10
	}
	if c.MaxItemsPerTick <= 0 {
		c.MaxItemsPerTick = 5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Minute
	}
	if c.ArticleMaxTokens <= 0 {
		c.ArticleMaxTokens = 4096
	}
	if c.TranslationMaxTokens <= 0 {
		c.TranslationMaxTokens = 4096
	}
	if c.ArticleEstimate <= 0 {
		c.ArticleEstimate = 6000
	}
	if c.TranslationEstimate <= 0 {
		c.TranslationEstimate = 5000
	}
	if c.Complexity == "" {
		c.Complexity = "standard"
	}
	if c.TopicsPerCategory <= 0 {
		c.TopicsPerCategory = 3
	}
	if c.TranslationBatch <= 0 {
		c.TranslationBatch = 3
	}
	if c.MaxTranslationsPerArticle <= 0 {
		c.MaxTranslationsPerArticle = 3
	}
	if len(c.Weights.WorkTypes) == 0 {
		c.Weights.WorkTypes = map[string]float64{"article": 1}
	}
}

// Deps are the collaborators of an Orchestrator. Scorer and Telemetry are
// optional.
type Deps struct {
	Documents  Documents
	Usage      Usage
	Jobs       Jobs
	Categories Categories

	Generator  generation.Generator
	Discoverer discovery.Discoverer

	Governor  *budget.Governor
	Estimator *budget.Estimator
	Locks     *lock.Manager
	Queue     *queue.Queue
	State     stores.StateStore

	Scorer    Scorer
	Telemetry *telemetry.Telemetry
}

func (d Deps) validate() error {
	var missing []string
	check := func(name string, ok bool) {
		if !ok {
			missing = append(missing, name)
		}
	}
	check("documents", d.Documents != nil)
	check("usage", d.Usage != nil)
	check("jobs", d.Jobs != nil)
	check("categories", d.Categories != nil)
	check("generator", d.Generator != nil)
	check("discoverer", d.Discoverer != nil)
	check("governor", d.Governor != nil)
	check("estimator", d.Estimator != nil)
	check("locks", d.Locks != nil)
	check("queue", d.Queue != nil)
	check("state", d.State != nil)

	if len(missing) > 0 {
		return NewError(ErrorClassConfiguration, fmt.Sprintf("missing dependencies %v", missing), nil)
	}
	return nil
}

// Orchestrator runs primary generation ticks and translation passes.
type Orchestrator struct {
	cfg  Config
	deps Deps

	tel     *telemetry.Telemetry
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// guards cfg.Weights
	weightsMu sync.RWMutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the clock used for tick timing.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep overrides the pacing sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// New creates an orchestrator.
func New(cfg Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if len(cfg.Languages) == 0 {
		return nil, NewError(ErrorClassConfiguration, "at least one language is required", nil)
	}
	cfg.setDefaults()

	tel := deps.Telemetry
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}

	o := &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		tel:     tel,
		logger:  tel.Logger.NewComponentLogger("orchestrator"),
		metrics: tel.Metrics,
		events:  tel.Events,
		now:     time.Now,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(o)
	}

	return o, nil
}

// SetWeights replaces the scoring weights used by the next queue build.
func (o *Orchestrator) SetWeights(w config.Weights) {
	if len(w.WorkTypes) == 0 {
		w.WorkTypes = map[string]float64{"article": 1}
	}

	o.weightsMu.Lock()
	o.cfg.Weights = w
	o.weightsMu.Unlock()

	o.logger.WithField("languages", len(w.Languages)).
		WithField("work_types", len(w.WorkTypes)).
		Info("Scoring weights updated")
}

func (o *Orchestrator) weights() config.Weights {
	o.weightsMu.RLock()
	defer o.weightsMu.RUnlock()
	return o.cfg.Weights
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// fail logs a classified error and records it.
func (o *Orchestrator) fail(logger *telemetry.Logger, err error) {
	class := Classify(err)
	o.metrics.RecordError(string(class))

	l := logger.WithError(err).WithField("error_class", string(class))
	var e *Error
	if errors.As(err, &e) {
		if e.Phase != "" {
			l = l.WithPhase(e.Phase)
		}
		if len(e.Details) > 0 {
			l = l.WithFields(e.Details)
		}
	}
	if IsFatal(err) {
		l.Error("Tick failed")
		return
	}
	l.Warn("Tick ended early")
}
