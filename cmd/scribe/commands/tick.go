package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/autoscribe/autoscribe/pkg/orchestrator"
)

func newTickCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one primary generation tick",
		Long: `Run a single primary tick and print its report.

The tick acquires the orchestrator lock, checks the budget and the daily
target, builds or resumes today's queue and drains it until the per-tick
item cap, the budget or the queue runs out.`,
		Example: `  # Run one tick with a config file
  scribe tick -c autoscribe.yaml

  # Print the report as JSON
  scribe tick -c autoscribe.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, flags, (*orchestrator.Orchestrator).Tick)
		},
	}
}

func newTranslateCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "translate",
		Short: "Run one translation pass",
		Long: `Translate published articles into the configured translation languages.

Each language of each article is checked against the budget on its own, so
a pass stops spending as soon as the remaining capacity is used up.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, flags, (*orchestrator.Orchestrator).Translate)
		},
	}
}

func runOnce(cmd *cobra.Command, flags *globalFlags, fn func(*orchestrator.Orchestrator, context.Context) (orchestrator.TickReport, error)) error {
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

	report, err := fn(o, ctx)
	if perr := printResult(cmd.OutOrStdout(), flags, report); perr != nil {
		return perr
	}
	return err
}
