package main

import (
	"context"

	"github.com/spf13/cobra"
)

func migrateCMD() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the session, result and outbox tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			db, err := connectDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migrations applied", "database", cfg.Database.Name)
			return nil
		},
	}
}
