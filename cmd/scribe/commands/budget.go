package commands

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/autoscribe/autoscribe/pkg/budget"
	"github.com/autoscribe/autoscribe/pkg/stores"
)

// estimateView is one learned estimate model.
type estimateView struct {
	Key      string  `json:"key" yaml:"key"`
	Samples  int     `json:"samples" yaml:"samples"`
	AvgError float64 `json:"avg_error" yaml:"avg_error"`
}

// budgetView is the output of "budget status".
type budgetView struct {
	Snapshot  budget.Snapshot  `json:"budget" yaml:"budget"`
	Job       *stores.DailyJob `json:"daily_job,omitempty" yaml:"daily_job,omitempty"`
	Estimates []estimateView   `json:"estimates" yaml:"estimates"`
}

func newBudgetCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect and manage the token budget",
	}

	cmd.AddCommand(newBudgetStatusCommand(flags))
	cmd.AddCommand(newBudgetResetEmergencyCommand(flags))

	return cmd
}

func newBudgetStatusCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the budget snapshot, today's target and estimate models",
		Example: `  scribe budget status -c autoscribe.yaml
  scribe budget status -c autoscribe.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			snap, err := a.governor.Stats(ctx)
			if err != nil {
				return err
			}

			job, err := a.db.JobForDay(ctx, snap.Day)
			if err != nil && !errors.Is(err, stores.ErrNotFound) {
				return err
			}

			view := budgetView{Snapshot: snap, Job: job, Estimates: []estimateView{}}
			for _, key := range a.estimator.Keys(ctx) {
				workType, partition, _ := strings.Cut(key, ":")
				m, ok := a.estimator.Model(ctx, workType, partition)
				if !ok {
					continue
				}
				view.Estimates = append(view.Estimates, estimateView{
					Key:      key,
					Samples:  len(m.Samples),
					AvgError: m.AvgError,
				})
			}

			return printResult(cmd.OutOrStdout(), flags, view)
		},
	}
}

func newBudgetResetEmergencyCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-emergency",
		Short: "Clear the emergency latch",
		Long: `Clear the emergency latch set when utilization crossed the emergency
threshold. The latch is set again on the next check if usage is still too
high.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.governor.DeactivateEmergency(ctx); err != nil {
				return err
			}
			return nil
		},
	}
}
