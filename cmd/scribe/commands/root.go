package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	verbose    bool
	jsonOutput bool
	version    string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	flags := &globalFlags{version: version}

	rootCmd := &cobra.Command{
		Use:   "scribe",
		Short: "autoscribe - budget-aware content generation",
		Long: `autoscribe generates articles and their translations with a language model
while keeping token spend inside a monthly budget.

Each tick takes a lock, checks the budget, builds or resumes the day's
prioritized queue and drains it one item at a time. Progress is persisted
after every item so a restarted process resumes where it stopped.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flags.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand(flags))
	rootCmd.AddCommand(newTickCommand(flags))
	rootCmd.AddCommand(newTranslateCommand(flags))
	rootCmd.AddCommand(newBudgetCommand(flags))
	rootCmd.AddCommand(newQueueCommand(flags))
	rootCmd.AddCommand(newLockCommand(flags))
	rootCmd.AddCommand(newMigrateCommand(flags))

	return rootCmd
}
