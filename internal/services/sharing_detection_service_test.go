package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/proisp/sharing/internal/models"
	"github.com/proisp/sharing/internal/sharing"
)

type testEnv struct {
	db       *gorm.DB
	sessions *fakeSessions
	history  *GormHistoryStore
	settings *SettingsService
	svc      *SharingDetectionService
	clock    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := openTestDB(t)
	env := &testEnv{
		db: db,
		sessions: &fakeSessions{sessions: []sharing.Session{
			{SubscriberID: 1, Username: "alice", NasID: 1, NasName: "core-1", ConnectionCount: 50, TTLSamples: []int{128, 127}},
			{SubscriberID: 2, Username: "bob", NasID: 1, NasName: "core-1", ConnectionCount: 600, TTLSamples: []int{64}},
			{SubscriberID: 3, Username: "carol", NasID: 2, NasName: "edge-2", ConnectionCount: 10, TTLSamples: []int{128, 64}},
			{SubscriberID: 4, Username: "dave", NasID: 2, NasName: "edge-2", ConnectionCount: 10, TTLSamples: []int{128}},
			{SubscriberID: 5, Username: "erin", NasID: 2, NasName: "edge-2", ConnectionCount: 900, TTLSamples: []int{128, 64}},
		}},
		history:  NewGormHistoryStore(db),
		settings: newTestSettings(t, db),
		clock:    testNow,
	}
	env.svc = NewSharingDetectionService(db, env.sessions, sharing.NewAnalyzer(4), env.history, env.settings,
		SharingDetectionConfig{Location: time.UTC})
	env.svc.now = func() time.Time { return env.clock }
	return env
}

func (e *testEnv) records(t *testing.T) []models.SharingDetection {
	t.Helper()
	var records []models.SharingDetection
	require.NoError(t, e.db.Order("id").Find(&records).Error)
	return records
}

func TestRunScanPersistsAtOrAboveMinimum(t *testing.T) {
	env := newTestEnv(t)

	summary, err := env.svc.RunScan(context.Background(), sharing.ScanManual)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Scanned)
	assert.Equal(t, 4, summary.Suspicious)
	assert.Equal(t, 4, summary.SavedCount)
	assert.NotEmpty(t, summary.ScanID)
	assert.False(t, env.svc.Running())

	records := env.records(t)
	require.Len(t, records, 4)
	var usernames []string
	for _, r := range records {
		usernames = append(usernames, r.Username)
		assert.Equal(t, summary.ScanID, r.ScanID)
		assert.Equal(t, sharing.ScanManual, r.ScanType)
		assert.True(t, r.DetectedAt.Equal(testNow))
	}
	assert.ElementsMatch(t, []string{"alice", "bob", "carol", "erin"}, usernames)
}

func TestRunScanHonoursHighMinimum(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.settings.Update(context.Background(), SettingsUpdate{MinSuspicionLevel: ptr("high")})
	require.NoError(t, err)

	summary, err := env.svc.RunScan(context.Background(), sharing.ScanAutomatic)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SavedCount)

	records := env.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, "erin", records[0].Username)
	assert.Equal(t, sharing.LevelHigh, records[0].SuspicionLevel)
	assert.Equal(t, 90, records[0].ConfidenceScore)
}

func TestRunScanAppliesRetention(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cutoff := testNow.AddDate(0, 0, -30)
	require.NoError(t, env.history.Append(ctx, []models.SharingDetection{
		detection("expired", sharing.LevelHigh, 80, cutoff.Add(-time.Second)),
		detection("boundary", sharing.LevelHigh, 80, cutoff),
	}))

	summary, err := env.svc.RunScan(ctx, sharing.ScanManual)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.RetentionDeleted)

	for _, r := range env.records(t) {
		assert.NotEqual(t, "expired", r.Username)
	}
	assert.Len(t, env.records(t), 5)
}

func TestRunScanRejectsConcurrentTrigger(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.block = true
	env.sessions.started = make(chan struct{}, 1)
	env.sessions.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := env.svc.RunScan(context.Background(), sharing.ScanAutomatic)
		done <- err
	}()
	<-env.sessions.started
	assert.True(t, env.svc.Running())

	_, err := env.svc.RunScan(context.Background(), sharing.ScanManual)
	assert.ErrorIs(t, err, sharing.ErrScanAlreadyRunning)

	_, err = env.svc.PurgeHistory(context.Background())
	assert.ErrorIs(t, err, sharing.ErrScanAlreadyRunning)

	close(env.sessions.release)
	require.NoError(t, <-done)

	assert.Equal(t, 1, env.sessions.callCount())
	records := env.records(t)
	assert.Len(t, records, 4)
	for _, r := range records {
		assert.Equal(t, sharing.ScanAutomatic, r.ScanType)
	}
}

func TestRunScanPersistenceFailure(t *testing.T) {
	env := newTestEnv(t)
	env.svc.history = failingHistory{HistoryStore: env.history, err: errors.New("database is locked")}

	_, err := env.svc.RunScan(context.Background(), sharing.ScanManual)
	require.Error(t, err)
	assert.False(t, env.svc.Running())
	assert.Empty(t, env.records(t))

	// the gate is released and the next scan proceeds
	env.svc.history = env.history
	summary, err := env.svc.RunScan(context.Background(), sharing.ScanManual)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.SavedCount)
}

func TestRunScanCollectFailure(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.err = errors.New("nas table unavailable")

	_, err := env.svc.RunScan(context.Background(), sharing.ScanManual)
	require.Error(t, err)
	assert.False(t, env.svc.Running())
}

func TestRunScanReportsUnreachableNAS(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.failures = []NasFailure{{NasID: 3, NasName: "edge-3", Error: "i/o timeout"}}

	summary, err := env.svc.RunScan(context.Background(), sharing.ScanManual)
	require.NoError(t, err)
	require.Len(t, summary.UnreachableNAS, 1)
	assert.Equal(t, "edge-3", summary.UnreachableNAS[0].NasName)
	assert.Equal(t, 4, summary.SavedCount)
}

func TestCheckScheduleRunsOncePerDay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	day := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)

	env.svc.initSchedule(ctx, day.Add(time.Hour))

	assert.False(t, env.svc.checkSchedule(ctx, day.Add(2*time.Hour+59*time.Minute)))
	assert.Zero(t, env.sessions.callCount())

	assert.True(t, env.svc.checkSchedule(ctx, day.Add(3*time.Hour)))
	assert.False(t, env.svc.checkSchedule(ctx, day.Add(3*time.Hour+time.Minute)))
	assert.False(t, env.svc.checkSchedule(ctx, day.Add(23*time.Hour)))
	assert.Equal(t, 1, env.sessions.callCount())

	// a missed exact minute still triggers later the same day
	next := day.AddDate(0, 0, 1)
	assert.False(t, env.svc.checkSchedule(ctx, next.Add(time.Hour)))
	assert.True(t, env.svc.checkSchedule(ctx, next.Add(3*time.Hour+7*time.Minute)))
	assert.Equal(t, 2, env.sessions.callCount())

	for _, r := range env.records(t) {
		assert.Equal(t, sharing.ScanAutomatic, r.ScanType)
	}
}

func TestCheckScheduleSkipsDayWhenStartedLate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	day := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)

	env.svc.initSchedule(ctx, day.Add(9*time.Hour))
	assert.False(t, env.svc.checkSchedule(ctx, day.Add(9*time.Hour+time.Minute)))
	assert.Zero(t, env.sessions.callCount())

	assert.True(t, env.svc.checkSchedule(ctx, day.AddDate(0, 0, 1).Add(3*time.Hour)))
}

func TestCheckScheduleDisabled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.settings.Update(ctx, SettingsUpdate{Enabled: ptr(false)})
	require.NoError(t, err)

	day := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)
	env.svc.initSchedule(ctx, day)
	assert.False(t, env.svc.checkSchedule(ctx, day.Add(3*time.Hour)))
	assert.Zero(t, env.sessions.callCount())
}

func TestCheckScheduleRetriesWhenBusy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	day := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)
	env.svc.initSchedule(ctx, day)

	require.True(t, env.svc.gate.TryStart())
	assert.False(t, env.svc.checkSchedule(ctx, day.Add(3*time.Hour)))
	env.svc.gate.Finish()

	assert.True(t, env.svc.checkSchedule(ctx, day.Add(3*time.Hour+time.Minute)))
}

func TestCheckScheduleUsesLocation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.svc.loc = time.FixedZone("UTC+3", 3*3600)

	// midnight UTC is 03:00 at UTC+3
	day := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)
	env.svc.initSchedule(ctx, day.Add(-4*time.Hour))
	assert.True(t, env.svc.checkSchedule(ctx, day))
}

func TestServeStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	env.svc.tick = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.svc.Serve(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.Equal(t, "sharing-detection-scheduler", env.svc.String())
}

func TestPurgeHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.RunScan(ctx, sharing.ScanManual)
	require.NoError(t, err)

	deleted, err := env.svc.PurgeHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), deleted)
	assert.Empty(t, env.records(t))
}

func TestLiveSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.failures = []NasFailure{{NasID: 3, NasName: "edge-3", Error: "connection refused"}}

	snap, err := env.svc.LiveSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Results, 5)
	assert.Equal(t, "alice", snap.Results[0].Username)
	assert.Equal(t, 5, snap.Stats.TotalOnline)
	assert.Equal(t, 4, snap.Stats.SuspiciousCount)
	assert.Equal(t, 1, snap.Stats.HighRiskCount)
	assert.Equal(t, 2, snap.Stats.HighConnections)
	assert.Len(t, snap.UnreachableNAS, 1)
	assert.True(t, snap.GeneratedAt.Equal(testNow))

	// nothing is persisted
	assert.Empty(t, env.records(t))
}

func TestOnlineCount(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.db.Create(&[]models.Subscriber{
		{Username: "alice", IsOnline: true},
		{Username: "bob", IsOnline: true},
		{Username: "zed", IsOnline: false},
	}).Error)

	count, err := env.svc.OnlineCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestSubscriberDetails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	nasID := uint(2)
	require.NoError(t, env.db.Create(&[]models.Subscriber{
		{ID: 3, Username: "carol", FullName: "Carol C", IsOnline: true, NasID: &nasID},
		{ID: 8, Username: "frank", IsOnline: false},
		{ID: 9, Username: "gone", IsOnline: true, NasID: &nasID},
	}).Error)

	_, err := env.svc.SubscriberDetails(ctx, 404)
	assert.ErrorIs(t, err, ErrSubscriberNotFound)

	detail, err := env.svc.SubscriberDetails(ctx, 8)
	require.NoError(t, err)
	assert.False(t, detail.IsOnline)
	assert.Nil(t, detail.Analysis)

	detail, err = env.svc.SubscriberDetails(ctx, 9)
	require.NoError(t, err)
	assert.False(t, detail.IsOnline)
	assert.NotEmpty(t, detail.Message)

	detail, err = env.svc.SubscriberDetails(ctx, 3)
	require.NoError(t, err)
	assert.True(t, detail.IsOnline)
	require.NotNil(t, detail.Analysis)
	assert.Equal(t, sharing.TTLMultipleOS, detail.Analysis.TTLStatus)
	assert.Equal(t, 60, detail.Analysis.ConfidenceScore)

	env.sessions.failures = []NasFailure{{NasID: 2, NasName: "edge-2", Error: "i/o timeout"}}
	_, err = env.svc.SubscriberDetails(ctx, 3)
	assert.ErrorIs(t, err, sharing.ErrUnreachableNAS)
}
