package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dealpay/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the postgres ledger schema",
	Long: `Run gorm auto-migration for the deals and payments tables.

The bolt ledger creates its buckets on open and needs no migration.

Examples:
  dealpay migrate
  dealpay migrate --env-file prod.env`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.LedgerDriver != "postgres" {
		log.Info("nothing to migrate", "ledger_driver", cfg.LedgerDriver)
		return nil
	}

	db, err := database.Connect(cfg.DB, false, log)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}
	defer sqlDB.Close()

	return database.Migrate(db, log)
}
