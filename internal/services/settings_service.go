package services

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/proisp/sharing/internal/database"
	"github.com/proisp/sharing/internal/logging"
	"github.com/proisp/sharing/internal/models"
	"github.com/proisp/sharing/internal/sharing"
)

// SettingsUpdate is a partial settings change. Nil fields are left unchanged.
type SettingsUpdate struct {
	Enabled             *bool   `json:"enabled"`
	ScanTime            *string `json:"scan_time" validate:"omitempty,hhmm"`
	RetentionDays       *int    `json:"retention_days" validate:"omitempty,oneof=7 14 30 60 90"`
	MinSuspicionLevel   *string `json:"min_suspicion_level" validate:"omitempty,oneof=low medium high"`
	ConnectionThreshold *int    `json:"connection_threshold" validate:"omitempty,gt=0"`
	RepeatThreshold     *int    `json:"repeat_threshold" validate:"omitempty,gt=0"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once

	scanTimePattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "" || name == "-" {
				return f.Name
			}
			return name
		})
		_ = validate.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
			return scanTimePattern.MatchString(fl.Field().String())
		})
	})
	return validate
}

// validateUpdate returns ErrInvalidSettings describing every rejected field
func validateUpdate(u SettingsUpdate) error {
	err := getValidator().Struct(u)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", sharing.ErrInvalidSettings, err)
	}

	messages := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "hhmm":
			messages = append(messages, fe.Field()+" must be HH:MM")
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param()))
		case "gt":
			messages = append(messages, fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param()))
		default:
			messages = append(messages, fe.Field()+" is invalid")
		}
	}
	return fmt.Errorf("%w: %s", sharing.ErrInvalidSettings, strings.Join(messages, "; "))
}

// SettingsService owns the sharing detection settings singleton
type SettingsService struct {
	db    *gorm.DB
	cache database.Cache
	log   zerolog.Logger
}

func NewSettingsService(db *gorm.DB, cache database.Cache) *SettingsService {
	return &SettingsService{
		db:    db,
		cache: cache,
		log:   logging.Component("sharing-settings"),
	}
}

// EnsureDefaults installs the default settings row if none exists
func (s *SettingsService) EnsureDefaults(ctx context.Context) error {
	defaults := models.DefaultSharingDetectionSetting()
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&defaults).Error; err != nil {
		return fmt.Errorf("install default sharing settings: %w", err)
	}
	return nil
}

// Get returns the current settings from cache, then the database, then defaults
func (s *SettingsService) Get(ctx context.Context) (models.SharingDetectionSetting, error) {
	var settings models.SharingDetectionSetting
	if err := s.cache.Get(ctx, database.CacheKeySharingSettings, &settings); err == nil {
		settings.ID = models.SettingsID
		return settings, nil
	} else if !errors.Is(err, database.ErrCacheMiss) {
		s.log.Warn().Err(err).Msg("Settings cache read failed")
	}

	settings, err := s.load(s.db.WithContext(ctx))
	if err != nil {
		return models.DefaultSharingDetectionSetting(), err
	}

	if err := s.cache.Set(ctx, database.CacheKeySharingSettings, settings, database.CacheTTLSettings); err != nil {
		s.log.Warn().Err(err).Msg("Settings cache write failed")
	}
	return settings, nil
}

func (s *SettingsService) load(db *gorm.DB) (models.SharingDetectionSetting, error) {
	var settings models.SharingDetectionSetting
	err := db.First(&settings, models.SettingsID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.DefaultSharingDetectionSetting(), nil
	}
	if err != nil {
		return settings, fmt.Errorf("load sharing settings: %w", err)
	}
	return settings, nil
}

// Update validates and applies a partial change. Invalid input is rejected with
// ErrInvalidSettings before anything is written.
func (s *SettingsService) Update(ctx context.Context, u SettingsUpdate) (models.SharingDetectionSetting, error) {
	if err := validateUpdate(u); err != nil {
		return models.SharingDetectionSetting{}, err
	}

	var settings models.SharingDetectionSetting
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		settings, err = s.load(tx)
		if err != nil {
			return err
		}

		if u.Enabled != nil {
			settings.Enabled = *u.Enabled
		}
		if u.ScanTime != nil {
			settings.ScanTime = *u.ScanTime
		}
		if u.RetentionDays != nil {
			settings.RetentionDays = *u.RetentionDays
		}
		if u.MinSuspicionLevel != nil {
			level, err := sharing.ParseSuspicionLevel(*u.MinSuspicionLevel)
			if err != nil {
				return fmt.Errorf("%w: %v", sharing.ErrInvalidSettings, err)
			}
			settings.MinSuspicionLevel = level
		}
		if u.ConnectionThreshold != nil {
			settings.ConnectionThreshold = *u.ConnectionThreshold
		}
		if u.RepeatThreshold != nil {
			settings.RepeatThreshold = *u.RepeatThreshold
		}

		settings.ID = models.SettingsID
		return tx.Save(&settings).Error
	})
	if err != nil {
		if errors.Is(err, sharing.ErrInvalidSettings) {
			return models.SharingDetectionSetting{}, err
		}
		return models.SharingDetectionSetting{}, fmt.Errorf("save sharing settings: %w", err)
	}

	if err := s.cache.Delete(ctx, database.CacheKeySharingSettings); err != nil {
		s.log.Warn().Err(err).Msg("Settings cache invalidation failed")
	}

	s.log.Info().
		Bool("enabled", settings.Enabled).
		Str("scan_time", settings.ScanTime).
		Int("retention_days", settings.RetentionDays).
		Str("min_suspicion_level", settings.MinSuspicionLevel.String()).
		Msg("Sharing detection settings updated")
	return settings, nil
}
