package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/autoscribe/autoscribe/pkg/breaker"
	"github.com/autoscribe/autoscribe/pkg/budget"
	"github.com/autoscribe/autoscribe/pkg/config"
	"github.com/autoscribe/autoscribe/pkg/discovery"
	"github.com/autoscribe/autoscribe/pkg/generation"
	"github.com/autoscribe/autoscribe/pkg/lock"
	"github.com/autoscribe/autoscribe/pkg/orchestrator"
	"github.com/autoscribe/autoscribe/pkg/queue"
	"github.com/autoscribe/autoscribe/pkg/stores"
	"github.com/autoscribe/autoscribe/pkg/telemetry"
)

// primaryQueue is the name of the day's generation queue.
const primaryQueue = "primary"

// app holds the components every command shares. Upstream clients are only
// created by orchestrator, so read-only commands work without credentials.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger *telemetry.Logger

	db    *stores.SQLiteStore
	state stores.StateStore

	governor  *budget.Governor
	estimator *budget.Estimator
	locks     *lock.Manager
	queue     *queue.Queue
	breaker   *breaker.Breaker
}

// openApp loads the configuration, opens and migrates the database and
// constructs the budget, lock and queue components.
func openApp(ctx context.Context, flags *globalFlags) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}

	telCfg := cfg.Telemetry
	telCfg.ServiceVersion = flags.version
	if flags.verbose {
		telCfg.Logging.Level = "debug"
	}
	tel, err := telemetry.NewTelemetry(&telCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	// Item events are high volume; the log gets the ones an operator acts on.
	tel.Events.Subscribe(telemetry.LogSink(tel.Logger), telemetry.FilterByType(
		telemetry.EventTypeTickCompleted,
		telemetry.EventTypeTickFailed,
		telemetry.EventTypeBreakerStateChanged,
		telemetry.EventTypeBudgetEmergency,
	))

	a := &app{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.NewComponentLogger("cli"),
	}

	if err := a.openStores(ctx); err != nil {
		a.Close()
		return nil, err
	}

	loc := cfg.Location()
	a.governor, err = budget.NewGovernor(budget.Config{
		MonthlyCap: cfg.Budget.MonthlyCap,
		Location:   loc,
	}, a.db, a.state, budget.WithTelemetry(tel))
	if err != nil {
		a.Close()
		return nil, err
	}

	a.estimator = budget.NewEstimator(a.state, tel)
	a.locks = lock.NewManager(a.state, lock.WithLogger(tel.Logger))
	a.queue = queue.New(a.state, primaryQueue, queue.WithLocation(loc), queue.WithLogger(tel.Logger))
	a.breaker = breaker.New(
		breaker.WithThreshold(cfg.Discovery.BreakerThreshold),
		breaker.WithCooldown(cfg.Discovery.BreakerCooldown),
		breaker.WithLogger(tel.Logger),
		breaker.WithStateChangeHook(func(partition string, from, to breaker.State) {
			tel.Metrics.SetBreakerState(partition, float64(to))
			_ = tel.Events.PublishBreakerStateChanged(partition, from.String(), to.String())
		}),
	)

	return a, nil
}

func (a *app) openStores(ctx context.Context) error {
	sc := a.cfg.Store

	if dir := filepath.Dir(sc.DatabasePath); sc.DatabasePath != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := stores.NewSQLiteStore(stores.Config{
		Path:        sc.DatabasePath,
		BusyTimeout: sc.BusyTimeout,
	})
	if err != nil {
		return err
	}
	if err := db.Init(ctx); err != nil {
		return err
	}
	a.db = db

	if err := db.Migrate(ctx); err != nil {
		return err
	}

	switch sc.StateBackend {
	case "file":
		fs, err := stores.NewFileStore(sc.StatePath, stores.WithFileLogger(a.tel.Logger.Zerolog()))
		if err != nil {
			return err
		}
		a.state = fs
	default:
		a.state = db
	}

	a.logger.WithField("database", sc.DatabasePath).
		WithField("state_backend", sc.StateBackend).
		Debug("Stores opened")

	return nil
}

// seedCategories upserts the configured categories.
func (a *app) seedCategories(ctx context.Context) error {
	for _, c := range a.cfg.Categories {
		if _, err := a.db.UpsertCategory(ctx, stores.Category{Name: c.Name, Slug: c.Slug, Weight: c.Weight}); err != nil {
			return fmt.Errorf("failed to seed category %s: %w", c.Slug, err)
		}
	}
	return nil
}

// orchestrator creates the upstream clients and the orchestrator.
func (a *app) orchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	if err := a.seedCategories(ctx); err != nil {
		return nil, err
	}

	gc := a.cfg.Generation
	gen, err := generation.NewAnthropicGenerator(generation.AnthropicConfig{
		APIKey:     gc.APIKey,
		Model:      gc.Model,
		BaseURL:    gc.BaseURL,
		MaxRetries: gc.MaxRetries,
		Timeout:    gc.Timeout,
	}, a.tel.Logger)
	if err != nil {
		return nil, orchestrator.NewError(orchestrator.ErrorClassConfiguration, "failed to create generator", err)
	}

	var disc discovery.Discoverer = discovery.EvergreenOnly{}
	if !a.cfg.Discovery.Disabled {
		disc = discovery.NewGuarded(
			discovery.NewGeneratorDiscoverer(gen, gc.DiscoveryMaxTokens, discovery.WithBudget(a.governor, a.db)),
			a.breaker, a.cfg.Discovery.Timeout, a.tel.Logger,
		)
	}

	deps := orchestrator.Deps{
		Documents:  a.db,
		Usage:      a.db,
		Jobs:       a.db,
		Categories: a.db,
		Generator:  gen,
		Discoverer: disc,
		Governor:   a.governor,
		Estimator:  a.estimator,
		Locks:      a.locks,
		Queue:      a.queue,
		State:      a.state,
		Telemetry:  a.tel,
	}

	if script := a.cfg.Scoring.Script; script != "" {
		scorer, err := config.LoadScorer(script, a.cfg.Scoring.Timeout)
		if err != nil {
			return nil, orchestrator.NewError(orchestrator.ErrorClassConfiguration, "failed to load scoring script", err)
		}
		deps.Scorer = scorer
	}

	return orchestrator.New(orchestrator.ConfigFrom(a.cfg), deps)
}

// Close flushes telemetry and closes the database.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.WithError(err).Warn("Telemetry shutdown failed")
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close database")
		}
	}
}
