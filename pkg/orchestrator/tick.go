package orchestrator

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/autoscribe/autoscribe/pkg/budget"
	"github.com/autoscribe/autoscribe/pkg/lock"
	"github.com/autoscribe/autoscribe/pkg/telemetry"
)

const (
	kindPrimary     = "primary"
	kindTranslation = "translation"
)

type tickBody func(ctx context.Context, report *TickReport, logger *telemetry.Logger) error

// Tick runs one primary tick:
// ACQUIRE_LOCK, CHECK_BUDGET, CHECK_DAILY_TARGET, BUILD_OR_RESUME_QUEUE,
// DRAIN_QUEUE, RELEASE_LOCK. A tick that finds the lock held returns at
// once with StatusSkipped.
func (o *Orchestrator) Tick(ctx context.Context) (TickReport, error) {
	return o.run(ctx, kindPrimary, PrimaryLock, o.primary)
}

// Translate runs one translation pass under its own lock.
func (o *Orchestrator) Translate(ctx context.Context) (TickReport, error) {
	return o.run(ctx, kindTranslation, TranslateLock, o.translate)
}

func (o *Orchestrator) run(ctx context.Context, kind, lockName string, body tickBody) (TickReport, error) {
	report := TickReport{
		TickID:    uuid.New().String(),
		Kind:      kind,
		StartedAt: o.now(),
	}
	logger := o.logger.WithTickID(report.TickID).WithField("kind", kind)

	ctx, span := o.tel.Tracer.StartTickSpan(ctx, report.TickID, kind)
	defer span.End()
	ctx = logger.WithContext(ctx)

	_ = o.events.PublishTickStarted(report.TickID, kind)
	logger.WithPhase(string(PhaseAcquireLock)).Debug("Acquiring lock")

	res, err := lock.WithLock(ctx, o.deps.Locks, lockName, o.cfg.LockTTL, func(ctx context.Context) (struct{}, error) {
		defer logger.WithPhase(string(PhaseReleaseLock)).Debug("Releasing lock")
		return struct{}{}, body(ctx, &report, logger)
	})

	switch {
	case err != nil && errors.Is(err, context.Canceled):
		report.Status = StatusCancelled
	case err != nil:
		report.Status = StatusFailed
	case res.Skipped:
		report.Status = StatusSkipped
		logger.Info("Lock is held elsewhere, skipping")
	}

	report.Duration = o.now().Sub(report.StartedAt)
	o.metrics.RecordTick(kind, string(report.Status), report.Duration)
	span.SetAttributes(telemetry.AttrTickStatus.String(string(report.Status)))

	if err != nil {
		report.Error = err.Error()
		o.fail(logger, err)
		telemetry.RecordError(span, err)
		_ = o.events.PublishTickFailed(report.TickID, err.Error())
		return report, err
	}

	telemetry.RecordSuccess(span)
	_ = o.events.PublishTickCompleted(report.TickID, string(report.Status), report.fields())
	logger.WithFields(report.fields()).Info("Tick finished")

	return report, nil
}

// renew extends the tick's lock before the next unit of work, so the TTL
// bounds one unit rather than the whole tick.
func (o *Orchestrator) renew(ctx context.Context, name string, phase Phase) error {
	ok, err := o.deps.Locks.Renew(ctx, name, o.cfg.LockTTL)
	if err != nil {
		return NewError(ErrorClassUnexpected, "failed to renew lock", err).WithPhase(phase).WithDetail("lock", name)
	}
	if !ok {
		return NewError(ErrorClassLockContention, "lost lock mid-tick", ErrLockLost).WithPhase(phase).WithDetail("lock", name)
	}
	return nil
}

func (o *Orchestrator) startPhase(ctx context.Context, phase Phase) (context.Context, trace.Span) {
	return o.tel.Tracer.StartPhaseSpan(ctx, string(phase))
}

func (o *Orchestrator) primary(ctx context.Context, report *TickReport, logger *telemetry.Logger) error {
	// CHECK_BUDGET
	phaseCtx, span := o.startPhase(ctx, PhaseCheckBudget)
	snap, err := o.deps.Governor.Stats(phaseCtx)
	span.End()
	if err != nil {
		return NewError(ErrorClassUnexpected, "failed to compute budget", err).WithPhase(PhaseCheckBudget)
	}
	o.recordBudget(snap)

	if snap.Exhausted() {
		report.Status = StatusBudgetExhausted
		logger.WithPhase(string(PhaseCheckBudget)).
			WithField("remaining", snap.Remaining).
			WithField("emergency", snap.EmergencyMode).
			Info("Budget exhausted")
		return nil
	}
	if snap.SpentToday >= snap.DailyCapFixed {
		report.Status = StatusDailyCapReached
		logger.WithPhase(string(PhaseCheckBudget)).
			WithField("spent_today", snap.SpentToday).
			WithField("daily_cap", snap.DailyCapFixed).
			Info("Daily budget spent")
		return nil
	}

	// CHECK_DAILY_TARGET
	day := o.deps.Governor.Today()
	phaseCtx, span = o.startPhase(ctx, PhaseCheckDailyTarget)
	job, err := o.deps.Jobs.UpsertDailyTarget(phaseCtx, day, o.dailyTarget(phaseCtx, snap))
	span.End()
	if err != nil {
		return NewError(ErrorClassUnexpected, "failed to load daily job", err).WithPhase(PhaseCheckDailyTarget)
	}
	if job.Progress >= job.Target {
		report.Status = StatusTargetReached
		logger.WithPhase(string(PhaseCheckDailyTarget)).
			WithField("target", job.Target).
			WithField("progress", job.Progress).
			Info("Daily target reached")
		return nil
	}

	// BUILD_OR_RESUME_QUEUE
	phaseCtx, span = o.startPhase(ctx, PhaseBuildQueue)
	size, err := o.buildOrResume(phaseCtx, logger.WithPhase(string(PhaseBuildQueue)), day, job.Target-job.Progress)
	span.End()
	if err != nil {
		return err
	}
	if size == 0 {
		report.Status = StatusNoWork
		logger.WithPhase(string(PhaseBuildQueue)).Info("No work items to generate")
		return nil
	}

	// DRAIN_QUEUE
	phaseCtx, span = o.startPhase(ctx, PhaseDrainQueue)
	defer span.End()
	return o.drain(phaseCtx, report, logger.WithPhase(string(PhaseDrainQueue)), day)
}

// dailyTarget is the configured target bounded by what the fixed daily
// budget can pay for at the current average estimate.
func (o *Orchestrator) dailyTarget(ctx context.Context, snap budget.Snapshot) int {
	avg := o.averageEstimate(ctx)
	target := o.cfg.DailyTarget
	if avg > 0 {
		target = min(target, int(snap.DailyCapFixed/avg))
	}
	return max(1, target)
}

func (o *Orchestrator) averageEstimate(ctx context.Context) int64 {
	w := o.weights()
	var sum, n int64
	for _, lang := range o.cfg.Languages {
		for workType := range w.WorkTypes {
			sum += o.deps.Estimator.Adjusted(ctx, workType, lang, o.cfg.ArticleEstimate)
			n++
		}
	}
	if n == 0 {
		return o.cfg.ArticleEstimate
	}
	return sum / n
}

// buildOrResume returns the number of items left in today's queue, building
// a new one unless an unfinished queue for today exists.
func (o *Orchestrator) buildOrResume(ctx context.Context, logger *telemetry.Logger, day string, limit int) (int, error) {
	q := o.deps.Queue

	if _, err := q.Init(ctx); err != nil {
		return 0, NewError(ErrorClassStateCorruption, "failed to initialise queue", err).WithPhase(PhaseBuildQueue)
	}
	today, err := q.IsForToday(ctx)
	if err != nil {
		return 0, NewError(ErrorClassUnexpected, "failed to read queue", err).WithPhase(PhaseBuildQueue)
	}
	remaining, err := q.Remaining(ctx)
	if err != nil {
		return 0, NewError(ErrorClassUnexpected, "failed to read queue", err).WithPhase(PhaseBuildQueue)
	}
	if today && remaining > 0 {
		logger.WithField("remaining", remaining).Info("Resuming today's queue")
		o.metrics.SetQueueDepth(remaining)
		return remaining, nil
	}

	items, err := o.buildTargets(ctx, logger, limit)
	if err != nil {
		return 0, err
	}
	if err := q.Reset(ctx, items); err != nil {
		return 0, NewError(ErrorClassUnexpected, "failed to store queue", err).WithPhase(PhaseBuildQueue)
	}
	o.clearAttempts(ctx, logger)

	logger.WithField("day", day).WithField("items", len(items)).Info("Built new queue")
	o.metrics.SetQueueDepth(len(items))
	return len(items), nil
}

func (o *Orchestrator) recordBudget(s budget.Snapshot) {
	o.metrics.SetBudget(s.UsedUnits, s.Remaining, s.UtilizationRate, s.RiskScore, s.EmergencyMode)
}
