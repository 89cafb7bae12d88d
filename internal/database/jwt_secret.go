package database

import (
	"errors"

	"gorm.io/gorm"

	"github.com/proisp/sharing/internal/logging"
	"github.com/proisp/sharing/internal/models"
)

const jwtSecretKey = "jwt_secret"

// ErrEmptyJWTSecret is returned when no usable signing secret exists
var ErrEmptyJWTSecret = errors.New("jwt secret is empty")

// EnsureJWTSecret returns the signing secret shared with the console.
// A non-empty secret persisted in system_preferences wins; otherwise fallback is persisted.
// An empty secret is never returned.
func EnsureJWTSecret(db *gorm.DB, fallback string) (string, error) {
	var pref models.SystemPreference
	err := db.Where("key = ?", jwtSecretKey).First(&pref).Error
	if err == nil && pref.Value != "" {
		logging.Info().Msg("JWT secret loaded from database")
		return pref.Value, nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}
	if fallback == "" {
		return "", ErrEmptyJWTSecret
	}

	if err == nil {
		// Row exists with an empty value; claim it only while it is still empty
		res := db.Model(&models.SystemPreference{}).
			Where("key = ? AND (value = '' OR value IS NULL)", jwtSecretKey).
			Update("value", fallback)
		if res.Error != nil {
			return "", res.Error
		}
		if res.RowsAffected == 0 {
			return storedJWTSecret(db)
		}
		logging.Warn().Msg("Empty JWT secret in database replaced with configured secret")
		return fallback, nil
	}

	pref = models.SystemPreference{
		Key:       jwtSecretKey,
		Value:     fallback,
		ValueType: "string",
	}
	if err := db.Create(&pref).Error; err != nil {
		// Lost a race with another instance; use what it stored
		return storedJWTSecret(db)
	}

	logging.Info().Msg("JWT secret persisted to database")
	return fallback, nil
}

func storedJWTSecret(db *gorm.DB) (string, error) {
	var pref models.SystemPreference
	if err := db.Where("key = ?", jwtSecretKey).First(&pref).Error; err != nil {
		return "", err
	}
	if pref.Value == "" {
		return "", ErrEmptyJWTSecret
	}
	return pref.Value, nil
}
