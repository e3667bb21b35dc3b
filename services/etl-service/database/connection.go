package database

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/config"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func InitDB(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.SQLitePath)
	default:
		dialector = postgres.Open(cfg.DSN())
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	return db, nil
}

func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.ETLTask{}, &models.ETLRule{}, &models.TargetDocument{}); err != nil {
		return fmt.Errorf("auto migrate failed: %w", err)
	}
	return nil
}
