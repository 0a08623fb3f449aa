package database

import (
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"example.com/bloodsync/services/inventory/config"
	"example.com/bloodsync/services/inventory/internal/models"
)

// Connect opens the write and read-only database connections, applies
// pool settings and runs migrations on the write connection. When no
// read-only DSN is configured the write connection serves reads too.
func Connect(cfg config.DatabaseConfig) (*gorm.DB, *gorm.DB, error) {
	db, err := open(cfg, cfg.DSN)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to write database")
	}

	readOnlyDB := db
	if cfg.ReadOnlyDSN != "" && cfg.ReadOnlyDSN != cfg.DSN {
		readOnlyDB, err = open(cfg, cfg.ReadOnlyDSN)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to connect to read-only database")
		}
	}

	// Migrate only through the write connection
	if err := models.SetupModels(db); err != nil {
		return nil, nil, errors.Wrap(err, "failed to run migrations")
	}

	return db, readOnlyDB, nil
}

func open(cfg config.DatabaseConfig, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get DB instance")
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	return db, nil
}

// Close closes the underlying connection pool of a gorm database.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
