package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/proisp/sharing/internal/models"
	"github.com/proisp/sharing/internal/sharing"
)

// History query defaults
const (
	DefaultHistoryDays  = 7
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

// HistoryFilter selects detection history records. Zero values mean "any".
type HistoryFilter struct {
	Days           int
	SuspicionLevel sharing.SuspicionLevel
	Username       string
	Page           int
	Limit          int
}

// normalize applies the paging defaults
func (f HistoryFilter) normalize() HistoryFilter {
	if f.Days < 1 {
		f.Days = DefaultHistoryDays
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 || f.Limit > MaxHistoryLimit {
		f.Limit = DefaultHistoryLimit
	}
	return f
}

// HistoryPage is one page of history, newest first
type HistoryPage struct {
	Records []models.SharingDetection
	Page    int
	Limit   int
	Total   int64
}

func (p HistoryPage) TotalPages() int64 {
	if p.Limit <= 0 {
		return 0
	}
	return (p.Total + int64(p.Limit) - 1) / int64(p.Limit)
}

// HistoryStore is the append-only detection log
type HistoryStore interface {
	Append(ctx context.Context, records []models.SharingDetection) error
	List(ctx context.Context, filter HistoryFilter, now time.Time) (HistoryPage, error)
	Since(ctx context.Context, cutoff time.Time) ([]models.SharingDetection, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteAll(ctx context.Context) (int64, error)
}

// GormHistoryStore keeps history in the sharing_detections table
type GormHistoryStore struct {
	db *gorm.DB
}

func NewGormHistoryStore(db *gorm.DB) *GormHistoryStore {
	return &GormHistoryStore{db: db}
}

// Append writes the records of one scan in a single transaction
func (s *GormHistoryStore) Append(ctx context.Context, records []models.SharingDetection) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(&records, 200).Error; err != nil {
		return fmt.Errorf("append detection history: %w", err)
	}
	return nil
}

func (s *GormHistoryStore) List(ctx context.Context, filter HistoryFilter, now time.Time) (HistoryPage, error) {
	filter = filter.normalize()
	page := HistoryPage{Page: filter.Page, Limit: filter.Limit}

	query := s.db.WithContext(ctx).Model(&models.SharingDetection{}).
		Where("detected_at >= ?", now.UTC().AddDate(0, 0, -filter.Days))
	if filter.SuspicionLevel != 0 {
		query = query.Where("suspicion_level = ?", filter.SuspicionLevel)
	}
	if filter.Username != "" {
		query = query.Where("LOWER(username) LIKE ?", "%"+strings.ToLower(filter.Username)+"%")
	}

	if err := query.Count(&page.Total).Error; err != nil {
		return page, fmt.Errorf("count detection history: %w", err)
	}

	offset := (filter.Page - 1) * filter.Limit
	if err := query.Order("detected_at DESC, id DESC").Offset(offset).Limit(filter.Limit).
		Find(&page.Records).Error; err != nil {
		return page, fmt.Errorf("list detection history: %w", err)
	}
	return page, nil
}

// Since returns every record detected at or after cutoff, oldest first
func (s *GormHistoryStore) Since(ctx context.Context, cutoff time.Time) ([]models.SharingDetection, error) {
	var records []models.SharingDetection
	if err := s.db.WithContext(ctx).Where("detected_at >= ?", cutoff.UTC()).
		Order("detected_at, id").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("read detection history: %w", err)
	}
	return records, nil
}

// DeleteBefore removes records strictly older than cutoff
func (s *GormHistoryStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("detected_at < ?", cutoff.UTC()).Delete(&models.SharingDetection{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete detection history: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *GormHistoryStore) DeleteAll(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&models.SharingDetection{})
	if result.Error != nil {
		return 0, fmt.Errorf("purge detection history: %w", result.Error)
	}
	return result.RowsAffected, nil
}
