package config

import (
	"github.com/andrewpaige1/ideaflow-api/models"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens the database named by cfg.DatabaseURL and migrates the board tables.
func Connect(cfg *Config) (*gorm.DB, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("no database url configured")
	}
	dialector := sqlite.Open(cfg.DatabaseURL)
	if cfg.UsesPostgres() {
		dialector = postgres.Open(cfg.DatabaseURL)
	}

	level := logger.Warn
	if cfg.Env == Production {
		level = logger.Error
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect database")
	}

	if err := db.AutoMigrate(models.Tables()...); err != nil {
		return nil, errors.Wrap(err, "failed to auto migrate database")
	}
	return db, nil
}
