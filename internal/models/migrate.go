package models

import (
	"fmt"

	"gorm.io/gorm"
)

// AutoMigrate creates or updates the tables this service reads and writes
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&Nas{},
		&Service{},
		&Subscriber{},
		&SharingDetection{},
		&SharingDetectionSetting{},
		&SystemPreference{},
		&AuditLog{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
