package database

import (
	"fmt"
	"log/slog"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"dealpay/config"
	"dealpay/ledger"
)

// Connect opens the postgres ledger database and, when autoMigrate is
// set, brings the schema up to date.
func Connect(cfg config.DBConfig, autoMigrate bool, log *slog.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database %s@%s:%s: %w", cfg.Name, cfg.Host, cfg.Port, err)
	}
	log.Info("connected to database", "host", cfg.Host, "name", cfg.Name)

	if autoMigrate {
		if err := Migrate(db, log); err != nil {
			return nil, err
		}
	}
	return db, nil
}

func Migrate(db *gorm.DB, log *slog.Logger) error {
	log.Info("starting auto-migration")
	if err := ledger.Migrate(db); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	log.Info("auto-migration completed")
	return nil
}
