package commands

import (
	"github.com/spf13/cobra"
)

func newMigrateCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and seed categories",
		Long: `Create or upgrade the SQLite schema and upsert the categories listed in
the configuration. Every other command migrates on start as well, so this
is mostly useful for provisioning.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.seedCategories(ctx); err != nil {
				return err
			}

			categories, err := a.db.ListCategories(ctx)
			if err != nil {
				return err
			}
			count, err := a.db.CountArticles(ctx)
			if err != nil {
				return err
			}

			a.logger.WithField("database", a.cfg.Store.DatabasePath).
				WithField("categories", len(categories)).
				WithField("articles", count).
				Info("Database ready")
			return nil
		},
	}
}
