package orchestrator

import (
	"context"
	"time"

	"github.com/autoscribe/autoscribe/pkg/telemetry"
)

// Runner is what the scheduler drives.
type Runner interface {
	Tick(ctx context.Context) (TickReport, error)
	Translate(ctx context.Context) (TickReport, error)
}

// Scheduler runs primary ticks and translation passes on fixed intervals.
// Both run on the same goroutine, so they never overlap in one process.
type Scheduler struct {
	runner            Runner
	tickInterval      time.Duration
	translateInterval time.Duration
	logger            *telemetry.Logger
}

// NewScheduler creates a scheduler. A non-positive translate interval
// disables the translation phase.
func NewScheduler(runner Runner, tickInterval, translateInterval time.Duration, logger *telemetry.Logger) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = 15 * time.Minute
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Scheduler{
		runner:            runner,
		tickInterval:      tickInterval,
		translateInterval: translateInterval,
		logger:            logger.NewComponentLogger("scheduler"),
	}
}

// Run executes one primary tick immediately and then keeps ticking until ctx
// is done. Tick errors are logged and retried on the next interval.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.WithField("tick_interval", s.tickInterval.String()).
		WithField("translate_interval", s.translateInterval.String()).
		Info("Scheduler started")

	s.tick(ctx)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	var translate <-chan time.Time
	if s.translateInterval > 0 {
		t := time.NewTicker(s.translateInterval)
		defer t.Stop()
		translate = t.C
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		case <-translate:
			s.translate(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	report, err := s.runner.Tick(ctx)
	s.log(report, err)
}

func (s *Scheduler) translate(ctx context.Context) {
	report, err := s.runner.Translate(ctx)
	s.log(report, err)
}

func (s *Scheduler) log(report TickReport, err error) {
	l := s.logger.WithTickID(report.TickID).WithField("status", string(report.Status))
	switch {
	case err == nil:
		l.Debug("Scheduled run finished")
	case IsFatal(err):
		l.WithError(err).Error("Scheduled run failed, retrying on next interval")
	default:
		l.WithError(err).Warn("Scheduled run ended early")
	}
}
