package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/proisp/sharing/internal/database"
	"github.com/proisp/sharing/internal/models"
	"github.com/proisp/sharing/internal/sharing"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), database.GormConfig())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.AutoMigrate(db))
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func newTestSettings(t *testing.T, db *gorm.DB) *SettingsService {
	t.Helper()
	s := NewSettingsService(db, database.NewMemoryCache(16, time.Minute))
	require.NoError(t, s.EnsureDefaults(context.Background()))
	return s
}

// fakeSessions is a SessionSource returning fixed sessions. When block is set,
// Collect signals on started and waits for release.
type fakeSessions struct {
	mu       sync.Mutex
	sessions []sharing.Session
	failures []NasFailure
	err      error
	calls    int

	block   bool
	started chan struct{}
	release chan struct{}
}

func (f *fakeSessions) Collect(ctx context.Context, nasIDs ...uint) ([]sharing.Session, []NasFailure, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()

	if block {
		f.started <- struct{}{}
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(nasIDs) == 0 {
		return append([]sharing.Session(nil), f.sessions...), f.failures, f.err
	}

	var out []sharing.Session
	for _, s := range f.sessions {
		for _, id := range nasIDs {
			if s.NasID == id {
				out = append(out, s)
			}
		}
	}
	return out, f.failures, f.err
}

func (f *fakeSessions) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// failingHistory wraps a store and fails every Append
type failingHistory struct {
	HistoryStore
	err error
}

func (f failingHistory) Append(context.Context, []models.SharingDetection) error {
	return f.err
}

func detection(username string, level sharing.SuspicionLevel, score int, at time.Time) models.SharingDetection {
	return models.SharingDetection{
		ScanID:          "scan",
		SubscriberID:    uint(len(username)),
		Username:        username,
		FullName:        username + " full",
		SuspicionLevel:  level,
		TTLStatus:       sharing.TTLRouterDetected,
		ConfidenceScore: score,
		DetectedAt:      at.UTC(),
		ScanType:        sharing.ScanAutomatic,
	}
}
