package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dailygrid/backend/internal/facts"
	"github.com/dailygrid/backend/internal/progress"
	"github.com/dailygrid/backend/internal/syncer"
	"github.com/dailygrid/backend/internal/users"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&facts.Result{},
		&facts.Score{},
		&syncer.QueueEntry{},
		&progress.Row{},
		&users.Profile{},
		&kvRecord{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	// A crash mid-push leaves in_flight rows stranded. They were never
	// confirmed delivered, so they go back to pending on every open.
	if err := requeueStrandedEntries(db); err != nil && logger != nil {
		logger.Warn("stranded outbound entry requeue failed", zap.Error(err))
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

func requeueStrandedEntries(db *gorm.DB) error {
	return db.Model(&syncer.QueueEntry{}).
		Where("status = ?", string(syncer.StatusInFlight)).
		Update("status", string(syncer.StatusPending)).Error
}
