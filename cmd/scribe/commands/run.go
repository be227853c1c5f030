package commands

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/autoscribe/autoscribe/pkg/config"
	"github.com/autoscribe/autoscribe/pkg/orchestrator"
)

func newRunCommand(flags *globalFlags) *cobra.Command {
	var (
		noWatch   bool
		noMetrics bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until interrupted",
		Long: `Run primary ticks and translation passes on their configured intervals.

The first tick starts immediately. Weight changes in the config file are
picked up without a restart. Prometheus metrics are served on the
configured listen address.`,
		Example: `  # Run with the default intervals
  scribe run -c autoscribe.yaml

  # Run without the config watcher
  scribe run -c autoscribe.yaml --no-watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			o, err := a.orchestrator(ctx)
			if err != nil {
				return err
			}

			if !noMetrics {
				if err := a.tel.StartMetricsServer(); err != nil {
					return err
				}
			}

			g, ctx := errgroup.WithContext(ctx)

			if flags.configPath != "" && !noWatch {
				w, err := config.NewWatcher(flags.configPath, 0, a.tel.Logger, func(cfg *config.Config) {
					o.SetWeights(cfg.Weights)
				})
				if err != nil {
					return err
				}
				g.Go(func() error {
					w.Run(ctx)
					return nil
				})
			}

			oc := a.cfg.Orchestrator
			translateEvery := oc.TranslateInterval
			if len(oc.TranslationLanguages) == 0 {
				translateEvery = 0
			}
			sched := orchestrator.NewScheduler(o, oc.TickInterval, translateEvery, a.tel.Logger)

			a.logger.WithField("tick_interval", oc.TickInterval.String()).
				WithField("translate_interval", translateEvery.String()).
				Info("Scheduler started")

			g.Go(func() error {
				return sched.Run(ctx)
			})

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			a.logger.Info("Scheduler stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload weights when the config file changes")
	cmd.Flags().BoolVar(&noMetrics, "no-metrics", false, "do not serve Prometheus metrics")

	return cmd
}
