package database

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"auto-trade-bot-go/internal/config"
	"auto-trade-bot-go/internal/models"
)

// NewDatabase opens the configured store and performs auto-migration.
func NewDatabase(cfg *config.Database) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// AutoMigrate creates or extends the schema. Migration is strictly additive:
// the trade ledger, risk events and audit rows are never dropped.
func AutoMigrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Signal{},
		&models.Position{},
		&models.Trade{},
		&models.RiskEvent{},
		&models.SystemGuard{},
		&models.ACELog{},
		&models.NotificationEvent{},
		&models.Candle{},
		&models.Balance{},
		&models.CalendarEvent{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	return seedGuard(db)
}

// seedGuard ensures the singleton guard row exists so every reader can assume
// its presence.
func seedGuard(db *gorm.DB) error {
	guard := models.SystemGuard{ID: 1, TradingEnabled: true}
	if err := db.FirstOrCreate(&guard, models.SystemGuard{ID: 1}).Error; err != nil {
		return fmt.Errorf("failed to seed system guard row: %w", err)
	}
	return nil
}
