package database

import (
	"fmt"

	"github.com/tarefev/calorimeter-backend/internal/models"

	"gorm.io/gorm"
)

// AutoMigrate runs database schema migrations for all models.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.User{},
		&models.AuthAccount{},
		&models.Session{},
		&models.LinkToken{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
