package db

import (
	"fmt"

	"github.com/recitalhq/recital/internal/models"
	"gorm.io/gorm"
)

// StoreModels returns the GORM models owned by the session store.
func StoreModels() []interface{} {
	return []interface{}{
		&models.RecordingSession{},
		&models.AudioFragment{},
		&models.FinalizeJobLog{},
	}
}

// LocalModels returns the GORM models kept in the client-local database.
func LocalModels() []interface{} {
	return []interface{}{
		&models.QueuedFragment{},
	}
}

// AutoMigrate creates or updates the session store tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(StoreModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// AutoMigrateLocal creates or updates the client-local tables.
func AutoMigrateLocal(db *gorm.DB) error {
	if err := db.AutoMigrate(LocalModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate local: %w", err)
	}
	return nil
}

// Reset drops all session store tables and recreates them empty.
func Reset(db *gorm.DB) error {
	if err := db.Migrator().DropTable(StoreModels()...); err != nil {
		return fmt.Errorf("db: drop tables: %w", err)
	}
	return AutoMigrate(db)
}
