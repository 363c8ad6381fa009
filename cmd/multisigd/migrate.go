package main

import (
	"github.com/spf13/cobra"
)

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, flush, err := setup()
			if err != nil {
				return err
			}
			defer flush()
			db, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer closeDatabase(db)
			if err := migrate(db); err != nil {
				return err
			}
			logger.Info("schema migrated", "driver", cfg.DatabaseDriver)
			return nil
		},
	}
}
