package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/autoscribe/autoscribe/pkg/lock"
	"github.com/autoscribe/autoscribe/pkg/orchestrator"
)

// lockView is one entry of "lock show".
type lockView struct {
	Name   string       `json:"name" yaml:"name"`
	Held   bool         `json:"held" yaml:"held"`
	Record *lock.Record `json:"record,omitempty" yaml:"record,omitempty"`
}

var lockNames = []string{orchestrator.PrimaryLock, orchestrator.TranslateLock}

func newLockCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect and release orchestrator locks",
	}

	cmd.AddCommand(newLockShowCommand(flags))
	cmd.AddCommand(newLockReleaseCommand(flags))

	return cmd
}

func newLockShowCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the orchestrator and translation locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			now := time.Now()
			views := make([]lockView, 0, len(lockNames))
			for _, name := range lockNames {
				rec, found, err := a.locks.Inspect(ctx, name)
				if err != nil {
					return err
				}
				v := lockView{Name: name}
				if found {
					v.Held = rec.HeldAt(now)
					v.Record = &rec
				}
				views = append(views, v)
			}

			return printResult(cmd.OutOrStdout(), flags, views)
		},
	}
}

func newLockReleaseCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "release <name>",
		Short: "Force release a lock left behind by a dead process",
		Long: `Delete a lock record regardless of its owner.

Only use this when the holder is known to be gone. Expired locks are taken
over automatically by the next tick.`,
		Example: `  scribe lock release orchestrator
  scribe lock release translation`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: lockNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.locks.ForceRelease(ctx, args[0]); err != nil {
				return err
			}
			a.logger.WithField("lock", args[0]).Warn("Lock force released")
			return nil
		},
	}
}
