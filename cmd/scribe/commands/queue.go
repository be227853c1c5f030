package commands

import (
	"github.com/spf13/cobra"

	"github.com/autoscribe/autoscribe/pkg/queue"
)

// queueView is the output of "queue show".
type queueView struct {
	Name      string           `json:"name" yaml:"name"`
	DayKey    string           `json:"day_key" yaml:"day_key"`
	ForToday  bool             `json:"for_today" yaml:"for_today"`
	Cursor    int              `json:"cursor" yaml:"cursor"`
	Remaining int              `json:"remaining" yaml:"remaining"`
	Items     []queue.WorkItem `json:"items,omitempty" yaml:"items,omitempty"`
}

func newQueueCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the work queue",
	}

	cmd.AddCommand(newQueueShowCommand(flags))
	cmd.AddCommand(newQueueClearCommand(flags))

	return cmd
}

func newQueueShowCommand(flags *globalFlags) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the queue cursor and pending items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			s, err := a.queue.Snapshot(ctx)
			if err != nil {
				return err
			}
			today, err := a.queue.IsForToday(ctx)
			if err != nil {
				return err
			}

			view := queueView{
				Name:      a.queue.Name(),
				DayKey:    s.DayKey,
				ForToday:  today,
				Cursor:    s.Cursor,
				Remaining: s.Remaining(),
				Items:     s.Items[s.Cursor:],
			}
			if all {
				view.Items = s.Items
			}

			return printResult(cmd.OutOrStdout(), flags, view)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include already processed items")

	return cmd
}

func newQueueClearCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the queue so the next tick rebuilds it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.queue.Clear(ctx); err != nil {
				return err
			}
			a.logger.WithField("queue", a.queue.Name()).Info("Queue cleared")
			return nil
		},
	}
}
