package main

import (
	"github.com/spf13/cobra"

	"snackloader-backend/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema and exit",
	RunE: func(_ *cobra.Command, _ []string) error {
		gormDB, err := db.Init(&cfg.Database)
		if err != nil {
			return err
		}
		if sqlDB, err := gormDB.DB(); err == nil {
			defer sqlDB.Close()
		}
		logger.Info().Str("driver", cfg.Database.Driver).Msg("schema is up to date")
		return nil
	},
}
