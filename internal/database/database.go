// Package database holds the application database: reminders and calendar
// credentials, stored through GORM on PostgreSQL or SQLite.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/joaopcouto/adapsync/internal/model"
)

// New opens the application database. When databaseURL is set PostgreSQL is
// used, otherwise SQLite at sqlitePath. The schema is migrated on open.
func New(databaseURL, sqlitePath string, log *slog.Logger) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}

	var dialector gorm.Dialector
	if databaseURL != "" {
		dialector = postgres.Open(databaseURL)
	} else {
		if !strings.HasPrefix(sqlitePath, "file:") {
			if err := os.MkdirAll(filepath.Dir(sqlitePath), 0o750); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		dialector = sqlite.Open(sqlitePath)
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.AutoMigrate(&model.Reminder{}, &model.CalendarCredential{}); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	switch name := db.Dialector.Name(); strings.ToLower(name) {
	case "postgres":
		log.Info("database connected", "backend", "postgres")
	case "sqlite":
		log.Info("database connected", "backend", "sqlite", "path", sqlitePath)
	default:
		log.Info("database connected", "backend", name)
	}
	return db, nil
}

// Ping checks that the database answers.
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("getting sql handle: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("getting sql handle: %w", err)
	}
	return sqlDB.Close()
}
