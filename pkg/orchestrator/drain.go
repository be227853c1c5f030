package orchestrator

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/autoscribe/autoscribe/pkg/extract"
	"github.com/autoscribe/autoscribe/pkg/generation"
	"github.com/autoscribe/autoscribe/pkg/queue"
	"github.com/autoscribe/autoscribe/pkg/stores"
	"github.com/autoscribe/autoscribe/pkg/telemetry"
)

// OutcomeKind tags the result of processing one work item.
type OutcomeKind int

const (
	// Proceed means the item produced a document (or hit an existing one)
	// and its index is committed.
	Proceed OutcomeKind = iota
	// Skip means the item is committed without a document.
	Skip
	// Fatal ends the tick without committing the item.
	Fatal
)

func (k OutcomeKind) String() string {
	switch k {
	case Proceed:
		return "proceed"
	case Skip:
		return "skip"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the result of processing one work item.
type Outcome struct {
	Kind      OutcomeKind
	Reason    string
	Err       error
	Slug      string
	Duplicate bool
	Usage     generation.Usage
	// Called is set once the generator was invoked.
	Called bool
}

// Skip reasons that do not come from the budget.
const (
	reasonMaxAttempts      = "max_attempts"
	reasonGenerationFailed = "generation_failed"
)

const attemptsKey = "queue:attempts"

// attemptState counts generation failures of the item at Index.
type attemptState struct {
	DayKey   string `json:"day_key"`
	Index    int    `json:"index"`
	Attempts int    `json:"attempts"`
}

func (o *Orchestrator) drain(ctx context.Context, report *TickReport, logger *telemetry.Logger, day string) error {
	processed := 0
	calledUpstream := false

	defer func() {
		if remaining, err := o.deps.Queue.Remaining(context.WithoutCancel(ctx)); err == nil {
			report.QueueRemaining = remaining
			o.metrics.SetQueueDepth(remaining)
		}
	}()

	for {
		if ctx.Err() != nil {
			report.Status = StatusCancelled
			return nil
		}
		if processed >= o.cfg.MaxItemsPerTick {
			report.Status = StatusItemCap
			return nil
		}

		peek, err := o.deps.Queue.PeekNext(ctx)
		if err != nil {
			return NewError(ErrorClassUnexpected, "failed to read queue", err).WithPhase(PhaseDrainQueue)
		}
		if peek.Done {
			report.Status = StatusDrained
			return nil
		}

		snap, err := o.deps.Governor.Stats(ctx)
		if err != nil {
			return NewError(ErrorClassUnexpected, "failed to compute budget", err).WithPhase(PhaseDrainQueue)
		}
		o.recordBudget(snap)
		if snap.Exhausted() {
			report.Status = StatusBudgetExhausted
			logger.WithField("remaining", snap.Remaining).Info("Budget exhausted, stopping drain")
			return nil
		}

		if calledUpstream {
			if err := o.sleep(ctx, o.cfg.PacingDelay); err != nil {
				report.Status = StatusCancelled
				return nil
			}
		}
		if err := o.renew(ctx, PrimaryLock, PhaseDrainQueue); err != nil {
			return err
		}

		outcome := o.processItem(ctx, report.TickID, logger, day, peek)
		processed++
		calledUpstream = outcome.Called
		report.TokensUsed += outcome.Usage.Total()

		if outcome.Kind == Fatal {
			report.Failed++
			o.metrics.RecordItem(kindPrimary, "failed")
			return outcome.Err
		}

		if err := o.deps.Queue.CommitIndex(ctx, peek.Index); err != nil {
			return NewError(ErrorClassUnexpected, "failed to commit queue cursor", err).
				WithPhase(PhaseDrainQueue).
				WithDetail("index", peek.Index)
		}

		switch {
		case outcome.Kind == Skip:
			report.Skipped++
			o.metrics.RecordItem(kindPrimary, "skipped")
			_ = o.events.PublishItemSkipped(report.TickID, peek.Item.Partition, peek.Item.Topic, outcome.Reason)
		case outcome.Duplicate:
			report.Duplicates++
			o.metrics.RecordItem(kindPrimary, "duplicate")
		default:
			report.Generated++
			o.metrics.RecordItem(kindPrimary, "generated")
			_ = o.events.PublishItemGenerated(report.TickID, peek.Item.Partition, outcome.Slug, outcome.Usage.Total())
		}
	}
}

// processItem runs one work item through budget check, generation,
// extraction and persistence. It never commits the queue itself.
func (o *Orchestrator) processItem(ctx context.Context, tickID string, logger *telemetry.Logger, day string, peek queue.Peek) Outcome {
	item := peek.Item
	ctx, span := o.tel.Tracer.StartItemSpan(ctx, peek.Index, item.Partition, item.Topic, item.WorkType)
	defer span.End()
	log := logger.WithItem(peek.Index, item.Partition, item.Topic).WithField("work_type", item.WorkType)

	outcome := o.process(ctx, log, day, peek)

	span.SetAttributes(telemetry.AttrOutcome.String(outcome.Kind.String()))
	if outcome.Err != nil {
		telemetry.RecordError(span, outcome.Err)
	}

	switch outcome.Kind {
	case Skip:
		log.WithField("reason", outcome.Reason).Info("Item skipped")
	case Fatal:
		log.WithError(outcome.Err).Warn("Item failed")
	default:
		log.WithField("slug", outcome.Slug).
			WithField("duplicate", outcome.Duplicate).
			WithField("tokens", outcome.Usage.Total()).
			Info("Item generated")
	}

	return outcome
}

func (o *Orchestrator) process(ctx context.Context, log *telemetry.Logger, day string, peek queue.Peek) Outcome {
	item := peek.Item

	estimate := o.deps.Estimator.Adjusted(ctx, item.WorkType, item.Partition, o.cfg.ArticleEstimate)
	decision, err := o.deps.Governor.CanRunOperation(ctx, estimate)
	if err != nil {
		return fatal(NewError(ErrorClassUnexpected, "failed to check budget", err))
	}
	if !decision.Allowed {
		o.metrics.RecordError(string(ErrorClassCapacityDenied))
		return Outcome{Kind: Skip, Reason: string(decision.Reason)}
	}

	if o.attempts(ctx, day, peek.Index) >= o.cfg.MaxAttempts {
		return Outcome{Kind: Skip, Reason: reasonMaxAttempts}
	}

	req := generation.ArticleRequest(generation.ArticleBrief{
		Topic:      item.Topic,
		Category:   item.CategoryName,
		Language:   item.Partition,
		WorkType:   item.WorkType,
		Complexity: item.Complexity,
	}, o.cfg.ArticleMaxTokens)

	resp, genErr := o.generate(ctx, item.WorkType, req)
	done := func(out Outcome) Outcome {
		out.Called = true
		out.Usage = resp.Usage
		return out
	}

	// Tokens spent on a failed call still count against the budget.
	if resp.Usage.Total() > 0 {
		if err := o.deps.Usage.RecordUsage(ctx, day, resp.Usage.InputTokens, resp.Usage.OutputTokens); err != nil {
			return done(fatal(NewError(ErrorClassUnexpected, "failed to record usage", err)))
		}
	}

	if genErr != nil {
		if ctx.Err() != nil {
			return done(fatal(ctx.Err()))
		}

		n := o.recordAttempt(ctx, log, day, peek.Index)
		class := ErrorClassUpstreamUnavailable
		if errors.Is(genErr, generation.ErrEmptyResponse) {
			class = ErrorClassMalformedOutput
		}
		err := NewError(class, "generation failed", genErr).
			WithPhase(PhaseDrainQueue).
			WithDetail("attempts", n).
			WithDetail("topic", item.Topic)
		o.metrics.RecordError(string(class))

		if n >= o.cfg.MaxAttempts {
			log.WithError(err).Warn("Giving up on item")
			return done(Outcome{Kind: Skip, Reason: reasonGenerationFailed, Err: err})
		}
		return done(fatal(err))
	}

	doc := extract.Extract(resp.Content, extract.Hints{Topic: item.Topic, Category: item.CategoryName})
	payload, err := json.Marshal(doc)
	if err != nil {
		return done(fatal(NewError(ErrorClassUnexpected, "failed to encode document", err)))
	}

	slug := ItemSlug(item)
	rec := stores.ArticleRecord{
		ID:              uuid.New().String(),
		Slug:            slug,
		Language:        item.Partition,
		CategoryID:      item.CategoryID,
		Topic:           item.Topic,
		WorkType:        item.WorkType,
		Title:           doc.Title,
		MetaDescription: doc.MetaDescription,
		Body:            extract.Render(doc),
		Document:        string(payload),
		ModelID:         resp.Model,
		InputTokens:     resp.Usage.InputTokens,
		OutputTokens:    resp.Usage.OutputTokens,
	}

	_, inserted, err := o.deps.Documents.InsertArticle(ctx, rec)
	if err != nil && !errors.Is(err, stores.ErrDuplicate) {
		return done(fatal(NewError(ErrorClassUnexpected, "failed to store document", err)))
	}
	if err != nil || !inserted {
		o.metrics.RecordError(string(ErrorClassPersistenceConflict))
		inserted = false
	}

	if inserted {
		if err := o.deps.Jobs.IncrementProgress(ctx, day, 1); err != nil {
			return done(fatal(NewError(ErrorClassUnexpected, "failed to record progress", err)))
		}
	}

	if err := o.deps.Estimator.Update(ctx, item.WorkType, item.Partition, o.cfg.ArticleEstimate, resp.Usage.Total()); err != nil {
		log.WithError(err).Warn("Failed to update estimate model")
	}
	o.clearAttempts(ctx, log)

	return done(Outcome{Kind: Proceed, Slug: slug, Duplicate: !inserted})
}

func fatal(err error) Outcome {
	return Outcome{Kind: Fatal, Err: err}
}

// generate calls the generator with the configured timeout.
func (o *Orchestrator) generate(ctx context.Context, workType string, req generation.Request) (generation.Response, error) {
	if o.cfg.GenerationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.GenerationTimeout)
		defer cancel()
	}
	return generation.Instrument(o.deps.Generator, workType, o.tel).Generate(ctx, req)
}

func (o *Orchestrator) attempts(ctx context.Context, day string, index int) int {
	st := stores.GetOr(ctx, o.deps.State, attemptsKey, attemptState{})
	if st.DayKey != day || st.Index != index {
		return 0
	}
	return st.Attempts
}

func (o *Orchestrator) recordAttempt(ctx context.Context, log *telemetry.Logger, day string, index int) int {
	n := o.attempts(ctx, day, index) + 1
	if err := o.deps.State.Set(ctx, attemptsKey, attemptState{DayKey: day, Index: index, Attempts: n}); err != nil {
		log.WithError(err).Warn("Failed to record attempt")
	}
	return n
}

func (o *Orchestrator) clearAttempts(ctx context.Context, log *telemetry.Logger) {
	if err := o.deps.State.Delete(ctx, attemptsKey); err != nil {
		log.WithError(err).Warn("Failed to clear attempts")
	}
}
