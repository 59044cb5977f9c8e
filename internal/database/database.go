package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	appLogger "github.com/evanharte/playsync/internal/logger"

	// Pure Go SQLite driver (no CGO required)
	_ "modernc.org/sqlite"
)

// Database wraps the GORM database connection
type Database struct {
	db     *gorm.DB
	logger *appLogger.Logger
}

// NewDatabase creates a new database connection at the given path
func NewDatabase(dbPath string, log *appLogger.Logger) (*Database, error) {
	// Ensure the directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// We handle logging ourselves
	gormLogger := logger.Default.LogMode(logger.Silent)

	// DriverName routes GORM through the pure Go driver
	dialector := sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        dbPath,
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	// SQLite supports only one writer at a time
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// WAL keeps concurrent readers from blocking on the single writer
	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil && log != nil {
		log.Warn("Failed to enable WAL mode", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if err := db.Exec("PRAGMA synchronous=NORMAL").Error; err != nil && log != nil {
		log.Warn("Failed to set synchronous mode", map[string]interface{}{
			"error": err.Error(),
		})
	}

	database := &Database{
		db:     db,
		logger: log,
	}

	if err := database.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if log != nil {
		log.Info("Database connection established", map[string]interface{}{
			"path": dbPath,
		})
	}

	return database, nil
}

// migrate runs database migrations
func (d *Database) migrate() error {
	if d.logger != nil {
		d.logger.Info("Running database migrations", nil)
	}

	err := d.db.AutoMigrate(
		&User{},
		&UserCredential{},
		&Book{},
		&MediaProgress{},
		&ListeningDay{},
		&SyncSettings{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate: %w", err)
	}

	if d.logger != nil {
		d.logger.Info("Database migrations completed successfully", nil)
	}

	return nil
}

// GetDB returns the underlying GORM database handle
func (d *Database) GetDB() *gorm.DB {
	return d.db
}

// Close closes the database connection
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}
