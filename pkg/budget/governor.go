// Package budget tracks token consumption against a monthly cap and decides
// whether another unit of work may run.
//
// The Governor derives everything from the usage ledger on demand; the only
// state it keeps is the emergency latch. The Estimator learns a correction
// factor per (work type, partition) from past estimate errors.
package budget

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/autoscribe/autoscribe/pkg/stores"
	"github.com/autoscribe/autoscribe/pkg/telemetry"
)

// DayLayout is the layout of day keys used by the ledger and the queue.
const DayLayout = "2006-01-02"

const emergencyKey = "budget:emergency"

// Emergency thresholds, in percent of the monthly cap.
const (
	emergencyUtilization    = 98.0
	emergencyOveragePercent = 10.0
	emergencyClearBelow     = 95.0
)

// Ledger is the append-only usage record the governor reads from.
type Ledger interface {
	MonthlyUsage(ctx context.Context, year int, month time.Month) (int64, error)
	DailyUsage(ctx context.Context, day string) (int64, error)
}

// Status is the coarse health signal derived from a snapshot.
type Status string

const (
	StatusHealthy    Status = "HEALTHY"
	StatusMonitoring Status = "MONITORING"
	StatusAttention  Status = "ATTENTION"
	StatusWarning    Status = "WARNING"
	StatusCritical   Status = "CRITICAL"
	StatusEmergency  Status = "EMERGENCY"
)

// Reason explains a CanRunOperation denial.
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonEmergency            Reason = "emergency_mode"
	ReasonInsufficientCapacity Reason = "insufficient_remaining_budget"
	ReasonDailyCapExceeded     Reason = "daily_cap_exceeded"
)

// Snapshot is the budget state at one instant. It is recomputed on demand
// and never stored.
type Snapshot struct {
	UsedUnits        int64   `json:"used_units" yaml:"used_units"`
	MonthlyCap       int64   `json:"monthly_cap" yaml:"monthly_cap"`
	Remaining        int64   `json:"remaining" yaml:"remaining"`
	DailyCapFixed    int64   `json:"daily_cap_fixed" yaml:"daily_cap_fixed"`
	SpentToday       int64   `json:"spent_today" yaml:"spent_today"`
	Day              string  `json:"day" yaml:"day"`
	DaysInPeriod     int     `json:"days_in_period" yaml:"days_in_period"`
	DaysElapsed      int     `json:"days_elapsed" yaml:"days_elapsed"`
	DaysRemaining    int     `json:"days_remaining" yaml:"days_remaining"`
	UtilizationRate  float64 `json:"utilization_rate" yaml:"utilization_rate"`
	ProjectedUsage   float64 `json:"projected_usage" yaml:"projected_usage"`
	ProjectedOverage float64 `json:"projected_overage" yaml:"projected_overage"`
	RiskScore        float64 `json:"risk_score" yaml:"risk_score"`
	Status           Status  `json:"status" yaml:"status"`
	EmergencyMode    bool    `json:"emergency_mode" yaml:"emergency_mode"`
}

// Exhausted reports whether no further work can run this period.
func (s Snapshot) Exhausted() bool {
	return s.EmergencyMode || s.Remaining <= 0
}

// Decision is the result of CanRunOperation.
type Decision struct {
	Allowed  bool     `json:"allowed" yaml:"allowed"`
	Reason   Reason   `json:"reason,omitempty" yaml:"reason,omitempty"`
	Cost     int64    `json:"cost" yaml:"cost"`
	Snapshot Snapshot `json:"snapshot" yaml:"snapshot"`
}

type emergencyState struct {
	Active bool      `json:"active"`
	Since  time.Time `json:"since"`
	Reason string    `json:"reason"`
}

// Config holds the governor limits.
type Config struct {
	MonthlyCap int64
	Location   *time.Location
}

// Governor gates work against the monthly and fixed daily budget.
type Governor struct {
	cfg     Config
	ledger  Ledger
	store   stores.StateStore
	now     func() time.Time
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher

	// guards the emergency latch read-modify-write
	mu sync.Mutex
}

// Option configures a Governor.
type Option func(*Governor)

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// WithTelemetry wires logging, metrics and events.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(g *Governor) {
		g.logger = tel.Logger.NewComponentLogger("budget")
		g.metrics = tel.Metrics
		g.events = tel.Events
	}
}

// NewGovernor creates a governor over ledger, keeping its latch in store.
func NewGovernor(cfg Config, ledger Ledger, store stores.StateStore, opts ...Option) (*Governor, error) {
	if cfg.MonthlyCap <= 0 {
		return nil, fmt.Errorf("monthly cap must be positive, got %d", cfg.MonthlyCap)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	g := &Governor{
		cfg:    cfg,
		ledger: ledger,
		store:  store,
		now:    time.Now,
		logger: telemetry.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Today returns the current day key in the governor's time zone.
func (g *Governor) Today() string {
	return g.now().In(g.cfg.Location).Format(DayLayout)
}

// Stats computes the current snapshot and updates the emergency latch.
func (g *Governor) Stats(ctx context.Context) (Snapshot, error) {
	now := g.now().In(g.cfg.Location)
	day := now.Format(DayLayout)

	used, err := g.ledger.MonthlyUsage(ctx, now.Year(), now.Month())
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read monthly usage: %w", err)
	}
	spentToday, err := g.ledger.DailyUsage(ctx, day)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read daily usage: %w", err)
	}

	snap := compute(g.cfg.MonthlyCap, used, spentToday, now)
	snap.Day = day

	g.mu.Lock()
	active, err := g.updateLatch(ctx, snap, now)
	g.mu.Unlock()
	if err != nil {
		return Snapshot{}, err
	}

	snap.EmergencyMode = active
	snap.Status = status(snap)

	g.metrics.SetBudget(snap.UsedUnits, snap.Remaining, snap.UtilizationRate, snap.RiskScore, snap.EmergencyMode)

	return snap, nil
}

// compute derives every field except the latch and status.
func compute(monthlyCap, used, spentToday int64, now time.Time) Snapshot {
	daysInPeriod := daysIn(now.Year(), now.Month())
	daysElapsed := now.Day()

	snap := Snapshot{
		UsedUnits:     used,
		MonthlyCap:    monthlyCap,
		Remaining:     max(0, monthlyCap-used),
		DailyCapFixed: monthlyCap / int64(daysInPeriod),
		SpentToday:    spentToday,
		DaysInPeriod:  daysInPeriod,
		DaysElapsed:   daysElapsed,
		DaysRemaining: daysInPeriod - daysElapsed + 1,
	}

	snap.UtilizationRate = float64(used) / float64(monthlyCap) * 100
	snap.ProjectedUsage = float64(used) / float64(daysElapsed) * float64(daysInPeriod)
	snap.ProjectedOverage = math.Max(0, snap.ProjectedUsage-float64(monthlyCap))
	snap.RiskScore = riskScore(snap)

	return snap
}

func riskScore(s Snapshot) float64 {
	utilFactor := math.Min(1, s.UtilizationRate/100)
	overagePct := s.ProjectedOverage / float64(s.MonthlyCap) * 100
	overageFactor := math.Min(1, overagePct/10)
	// Late in the month the same utilization is less alarming.
	timeFactor := 1 - float64(s.DaysRemaining)/float64(s.DaysInPeriod)

	score := 50*utilFactor + 30*overageFactor + 20*timeFactor*utilFactor
	return math.Round(math.Min(100, math.Max(0, score))*10) / 10
}

func status(s Snapshot) Status {
	overagePct := s.ProjectedOverage / float64(s.MonthlyCap) * 100
	switch {
	case s.EmergencyMode:
		return StatusEmergency
	case s.UtilizationRate >= 90 || overagePct > 5:
		return StatusCritical
	case s.UtilizationRate >= 80 || s.ProjectedOverage > 0:
		return StatusWarning
	case s.UtilizationRate >= 65 || s.RiskScore >= 50:
		return StatusAttention
	case s.UtilizationRate >= 40:
		return StatusMonitoring
	default:
		return StatusHealthy
	}
}

// updateLatch activates or clears the persisted emergency flag.
func (g *Governor) updateLatch(ctx context.Context, s Snapshot, now time.Time) (bool, error) {
	state := stores.GetOr(ctx, g.store, emergencyKey, emergencyState{})
	overagePct := s.ProjectedOverage / float64(s.MonthlyCap) * 100

	switch {
	case !state.Active && (s.UtilizationRate >= emergencyUtilization || overagePct > emergencyOveragePercent):
		state = emergencyState{
			Active: true,
			Since:  now,
			Reason: fmt.Sprintf("utilization %.1f%%, projected overage %.1f%%", s.UtilizationRate, overagePct),
		}
		if err := g.store.Set(ctx, emergencyKey, state); err != nil {
			return false, fmt.Errorf("failed to persist emergency mode: %w", err)
		}
		g.logger.WithField("utilization", s.UtilizationRate).
			WithField("projected_overage", s.ProjectedOverage).
			Error("Budget emergency mode activated")
		_ = g.events.PublishBudgetEmergency(true, s.UtilizationRate)

	case state.Active && s.UtilizationRate < emergencyClearBelow && s.ProjectedOverage <= 0:
		if err := g.store.Delete(ctx, emergencyKey); err != nil {
			return false, fmt.Errorf("failed to clear emergency mode: %w", err)
		}
		state.Active = false
		g.logger.WithField("utilization", s.UtilizationRate).Info("Budget emergency mode cleared")
		_ = g.events.PublishBudgetEmergency(false, s.UtilizationRate)
	}

	return state.Active, nil
}

// DeactivateEmergency clears the emergency latch explicitly. The next Stats
// call re-activates it if the thresholds are still exceeded.
func (g *Governor) DeactivateEmergency(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.store.Delete(ctx, emergencyKey); err != nil {
		return fmt.Errorf("failed to clear emergency mode: %w", err)
	}
	g.logger.Warn("Budget emergency mode deactivated manually")
	_ = g.events.PublishBudgetEmergency(false, 0)
	return nil
}

// CanRunOperation decides whether a unit of estimated cost may run now.
func (g *Governor) CanRunOperation(ctx context.Context, cost int64) (Decision, error) {
	if cost < 0 {
		return Decision{}, fmt.Errorf("estimated cost must not be negative, got %d", cost)
	}

	snap, err := g.Stats(ctx)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Allowed: true, Cost: cost, Snapshot: snap}
	switch {
	case snap.EmergencyMode:
		d.Allowed, d.Reason = false, ReasonEmergency
	case snap.Remaining < cost:
		d.Allowed, d.Reason = false, ReasonInsufficientCapacity
	case snap.SpentToday+cost > snap.DailyCapFixed:
		d.Allowed, d.Reason = false, ReasonDailyCapExceeded
	}

	if !d.Allowed {
		g.logger.WithField("cost", cost).
			WithField("reason", string(d.Reason)).
			WithField("remaining", snap.Remaining).
			WithField("spent_today", snap.SpentToday).
			WithField("daily_cap", snap.DailyCapFixed).
			Info("Operation denied by budget")
	}

	return d, nil
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
