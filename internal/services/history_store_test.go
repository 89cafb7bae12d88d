package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proisp/sharing/internal/models"
	"github.com/proisp/sharing/internal/sharing"
)

var testNow = time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC)

func TestHistoryListFilters(t *testing.T) {
	ctx := context.Background()
	store := NewGormHistoryStore(openTestDB(t))

	require.NoError(t, store.Append(ctx, []models.SharingDetection{
		detection("Alice", sharing.LevelHigh, 90, testNow.Add(-1*time.Hour)),
		detection("alicia", sharing.LevelMedium, 40, testNow.Add(-2*time.Hour)),
		detection("bob", sharing.LevelMedium, 35, testNow.Add(-3*time.Hour)),
		detection("carol", sharing.LevelHigh, 75, testNow.AddDate(0, 0, -10)),
	}))

	page, err := store.List(ctx, HistoryFilter{}, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	require.Len(t, page.Records, 3)
	assert.Equal(t, "Alice", page.Records[0].Username)
	assert.Equal(t, "bob", page.Records[2].Username)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, DefaultHistoryLimit, page.Limit)

	page, err = store.List(ctx, HistoryFilter{Days: 30, SuspicionLevel: sharing.LevelHigh}, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)

	page, err = store.List(ctx, HistoryFilter{Username: "ALI"}, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)

	page, err = store.List(ctx, HistoryFilter{Page: 2, Limit: 2}, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	assert.Equal(t, int64(2), page.TotalPages())
	require.Len(t, page.Records, 1)
	assert.Equal(t, "bob", page.Records[0].Username)
}

func TestHistoryRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewGormHistoryStore(openTestDB(t))

	r := sharing.DetectionResult{
		SubscriberID:    7,
		Username:        "dave",
		TTLStatus:       sharing.TTLMultipleOS,
		TTLValues:       []int{128, 64},
		SuspicionLevel:  sharing.LevelMedium,
		ConfidenceScore: 60,
		Reasons:         []string{sharing.ReasonMultipleDevices},
	}
	require.NoError(t, store.Append(ctx, []models.SharingDetection{
		models.NewSharingDetection(r, "scan-1", sharing.ScanManual, testNow),
	}))

	records, err := store.Since(ctx, testNow.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, records, 1)
	got := records[0]
	assert.Equal(t, "scan-1", got.ScanID)
	assert.Equal(t, sharing.ScanManual, got.ScanType)
	assert.Equal(t, sharing.TTLMultipleOS, got.TTLStatus)
	assert.Equal(t, models.IntList{128, 64}, got.TTLValues)
	assert.Equal(t, models.StringList{sharing.ReasonMultipleDevices}, got.Reasons)
	assert.True(t, got.DetectedAt.Equal(testNow))
}

func TestHistoryDeleteBeforeKeepsBoundary(t *testing.T) {
	ctx := context.Background()
	store := NewGormHistoryStore(openTestDB(t))

	cutoff := testNow.AddDate(0, 0, -30)
	require.NoError(t, store.Append(ctx, []models.SharingDetection{
		detection("old", sharing.LevelHigh, 80, cutoff.Add(-time.Second)),
		detection("edge", sharing.LevelHigh, 80, cutoff),
		detection("new", sharing.LevelHigh, 80, cutoff.Add(time.Second)),
	}))

	deleted, err := store.DeleteBefore(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	records, err := store.Since(ctx, cutoff.AddDate(-1, 0, 0))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "edge", records[0].Username)
	assert.Equal(t, "new", records[1].Username)
}

func TestHistoryDeleteAll(t *testing.T) {
	ctx := context.Background()
	store := NewGormHistoryStore(openTestDB(t))

	require.NoError(t, store.Append(ctx, []models.SharingDetection{
		detection("a", sharing.LevelHigh, 80, testNow),
		detection("b", sharing.LevelMedium, 40, testNow),
	}))

	deleted, err := store.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	deleted, err = store.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestHistoryAppendEmpty(t *testing.T) {
	store := NewGormHistoryStore(openTestDB(t))
	assert.NoError(t, store.Append(context.Background(), nil))
}
