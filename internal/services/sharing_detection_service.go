package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/proisp/sharing/internal/logging"
	"github.com/proisp/sharing/internal/metrics"
	"github.com/proisp/sharing/internal/models"
	"github.com/proisp/sharing/internal/sharing"
)

// DefaultTickInterval is how often the scheduler compares the clock with scan_time
const DefaultTickInterval = time.Minute

var (
	ErrSubscriberNotFound = errors.New("subscriber not found")
	ErrNasNotFound        = errors.New("nas not found")
)

// ScanSummary describes one completed scan
type ScanSummary struct {
	ScanID           string           `json:"scan_id"`
	ScanType         sharing.ScanType `json:"scan_type"`
	Scanned          int              `json:"scanned"`
	Suspicious       int              `json:"suspicious"`
	SavedCount       int              `json:"saved_count"`
	RetentionDeleted int64            `json:"retention_deleted"`
	UnreachableNAS   []NasFailure     `json:"unreachable_nas"`
	DurationMS       int64            `json:"duration_ms"`
}

// Snapshot is a live, unpersisted analysis of every online session
type Snapshot struct {
	Results        []sharing.DetectionResult `json:"results"`
	Stats          sharing.AggregateStats    `json:"stats"`
	UnreachableNAS []NasFailure              `json:"unreachable_nas"`
	GeneratedAt    time.Time                 `json:"generated_at"`
}

// SubscriberDetail is the live analysis of one subscriber
type SubscriberDetail struct {
	SubscriberID uint                     `json:"subscriber_id"`
	Username     string                   `json:"username"`
	FullName     string                   `json:"full_name"`
	IsOnline     bool                     `json:"is_online"`
	Message      string                   `json:"message,omitempty"`
	Analysis     *sharing.DetectionResult `json:"analysis,omitempty"`
}

// SharingDetectionConfig tunes the scheduler
type SharingDetectionConfig struct {
	Location     *time.Location
	TickInterval time.Duration
}

// SharingDetectionService runs live analysis, manual scans and the daily automatic scan
type SharingDetectionService struct {
	db       *gorm.DB
	sessions SessionSource
	analyzer *sharing.Analyzer
	history  HistoryStore
	settings *SettingsService

	loc  *time.Location
	tick time.Duration
	now  func() time.Time

	gate scanGate

	mu          sync.Mutex
	scheduled   bool
	lastRunDate string

	log zerolog.Logger
}

func NewSharingDetectionService(
	db *gorm.DB,
	sessions SessionSource,
	analyzer *sharing.Analyzer,
	history HistoryStore,
	settings *SettingsService,
	cfg SharingDetectionConfig,
) *SharingDetectionService {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	return &SharingDetectionService{
		db:       db,
		sessions: sessions,
		analyzer: analyzer,
		history:  history,
		settings: settings,
		loc:      cfg.Location,
		tick:     cfg.TickInterval,
		now:      time.Now,
		log:      logging.Component("sharing-detection"),
	}
}

// Serve runs the scheduler loop until ctx is cancelled
func (s *SharingDetectionService) Serve(ctx context.Context) error {
	s.log.Info().Dur("tick", s.tick).Str("timezone", s.loc.String()).Msg("Scheduler started")

	s.initSchedule(ctx, s.now())

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.checkSchedule(ctx, s.now())
		}
	}
}

func (s *SharingDetectionService) String() string {
	return "sharing-detection-scheduler"
}

// Location is the timezone scan_time and trend days are evaluated in
func (s *SharingDetectionService) Location() *time.Location {
	return s.loc
}

// Now returns the service clock
func (s *SharingDetectionService) Now() time.Time {
	return s.now()
}

// Running reports whether a scan is in progress
func (s *SharingDetectionService) Running() bool {
	return s.gate.Running()
}

// initSchedule skips today when the process starts after today's scan time
func (s *SharingDetectionService) initSchedule(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduled {
		return
	}
	s.scheduled = true

	settings, err := s.settings.Get(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Using default settings")
	}

	local := now.In(s.loc)
	if local.Format("15:04") > settings.ScanTime {
		s.lastRunDate = local.Format(dateLayout)
		s.log.Info().Str("scan_time", settings.ScanTime).Msg("Started after scan time, next automatic scan is tomorrow")
	}
}

// checkSchedule starts the automatic scan once per calendar day when the clock
// has reached scan_time. A trigger rejected by a running scan is retried on the
// next tick. It reports whether a scan ran.
func (s *SharingDetectionService) checkSchedule(ctx context.Context, now time.Time) bool {
	settings, err := s.settings.Get(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load settings, skipping schedule check")
		return false
	}
	if !settings.Enabled {
		return false
	}

	local := now.In(s.loc)
	today := local.Format(dateLayout)

	s.mu.Lock()
	due := s.lastRunDate != today && local.Format("15:04") >= settings.ScanTime
	s.mu.Unlock()
	if !due {
		return false
	}

	s.log.Info().Str("scan_time", settings.ScanTime).Msg("Starting scheduled scan")
	_, err = s.RunScan(ctx, sharing.ScanAutomatic)
	if errors.Is(err, sharing.ErrScanAlreadyRunning) {
		s.log.Info().Msg("Scan already in progress, retrying on next tick")
		return false
	}

	s.mu.Lock()
	s.lastRunDate = today
	s.mu.Unlock()

	if err != nil {
		s.log.Error().Err(err).Msg("Scheduled scan failed")
	}
	return true
}

// RunScan analyzes every online session and persists results at or above
// min_suspicion_level, then applies retention. It returns ErrScanAlreadyRunning
// when another scan holds the gate.
func (s *SharingDetectionService) RunScan(ctx context.Context, scanType sharing.ScanType) (ScanSummary, error) {
	if !s.gate.TryStart() {
		metrics.ScansTotal.WithLabelValues(string(scanType), "rejected").Inc()
		return ScanSummary{}, sharing.ErrScanAlreadyRunning
	}
	defer s.gate.Finish()

	metrics.ScanRunning.Set(1)
	defer metrics.ScanRunning.Set(0)

	start := s.now()
	summary := ScanSummary{ScanID: uuid.NewString(), ScanType: scanType}
	log := s.log.With().Str("scan_id", summary.ScanID).Str("scan_type", string(scanType)).Logger()

	settings, err := s.settings.Get(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Using default settings")
	}

	sessions, failures, err := s.sessions.Collect(ctx)
	if err != nil {
		metrics.ScansTotal.WithLabelValues(string(scanType), "failed").Inc()
		return summary, fmt.Errorf("collect sessions: %w", err)
	}
	summary.UnreachableNAS = failures

	results, stats := s.analyzer.Analyze(ctx, sessions, settings.ConnectionThreshold)
	summary.Scanned = len(results)
	summary.Suspicious = stats.SuspiciousCount

	detectedAt := s.now().UTC()
	var records []models.SharingDetection
	for _, r := range results {
		if r.SuspicionLevel.AtLeast(settings.MinSuspicionLevel) {
			records = append(records, models.NewSharingDetection(r, summary.ScanID, scanType, detectedAt))
		}
	}

	if err := s.history.Append(ctx, records); err != nil {
		metrics.ScansTotal.WithLabelValues(string(scanType), "failed").Inc()
		log.Error().Err(err).Int("pending", len(records)).Msg("Failed to save scan results")
		return summary, err
	}
	summary.SavedCount = len(records)
	for _, r := range records {
		metrics.DetectionsSaved.WithLabelValues(r.SuspicionLevel.String()).Inc()
	}

	summary.RetentionDeleted = s.applyRetention(ctx, detectedAt, settings.RetentionDays)

	elapsed := s.now().Sub(start)
	summary.DurationMS = elapsed.Milliseconds()
	metrics.ScanDuration.WithLabelValues(string(scanType)).Observe(elapsed.Seconds())
	metrics.ScansTotal.WithLabelValues(string(scanType), "success").Inc()

	log.Info().
		Int("scanned", summary.Scanned).
		Int("suspicious", summary.Suspicious).
		Int("saved", summary.SavedCount).
		Int("unreachable_nas", len(failures)).
		Int64("retention_deleted", summary.RetentionDeleted).
		Dur("duration", elapsed).
		Msg("Scan completed")
	return summary, nil
}

// applyRetention deletes records detected before now - retentionDays. Records exactly
// at the boundary are kept.
func (s *SharingDetectionService) applyRetention(ctx context.Context, now time.Time, retentionDays int) int64 {
	if retentionDays <= 0 {
		return 0
	}
	cutoff := now.AddDate(0, 0, -retentionDays)
	deleted, err := s.history.DeleteBefore(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Time("cutoff", cutoff).Msg("Retention sweep failed")
		return 0
	}
	if deleted > 0 {
		metrics.RetentionDeleted.Add(float64(deleted))
		s.log.Info().Int64("deleted", deleted).Int("retention_days", retentionDays).Msg("Cleaned up old detection records")
	}
	return deleted
}

// PurgeHistory deletes all detection history. It is rejected while a scan runs.
func (s *SharingDetectionService) PurgeHistory(ctx context.Context) (int64, error) {
	if !s.gate.TryStart() {
		return 0, sharing.ErrScanAlreadyRunning
	}
	defer s.gate.Finish()

	deleted, err := s.history.DeleteAll(ctx)
	if err != nil {
		return 0, err
	}
	s.log.Warn().Int64("deleted", deleted).Msg("Detection history purged")
	return deleted, nil
}

// LiveSnapshot analyzes every online session without persisting anything
func (s *SharingDetectionService) LiveSnapshot(ctx context.Context) (Snapshot, error) {
	settings, err := s.settings.Get(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Using default settings")
	}

	sessions, failures, err := s.sessions.Collect(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("collect sessions: %w", err)
	}

	results, stats := s.analyzer.Analyze(ctx, sessions, settings.ConnectionThreshold)
	metrics.SessionsAnalyzed.Set(float64(len(results)))

	if failures == nil {
		failures = []NasFailure{}
	}
	return Snapshot{
		Results:        results,
		Stats:          stats,
		UnreachableNAS: failures,
		GeneratedAt:    s.now().UTC(),
	}, nil
}

// OnlineCount is the number of subscribers marked online, without querying any NAS
func (s *SharingDetectionService) OnlineCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Subscriber{}).
		Where("is_online = ?", true).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count online subscribers: %w", err)
	}
	return count, nil
}

// SubscriberDetails analyzes the live session of one subscriber on its NAS
func (s *SharingDetectionService) SubscriberDetails(ctx context.Context, subscriberID uint) (SubscriberDetail, error) {
	var sub models.Subscriber
	err := s.db.WithContext(ctx).First(&sub, subscriberID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SubscriberDetail{}, ErrSubscriberNotFound
	}
	if err != nil {
		return SubscriberDetail{}, fmt.Errorf("load subscriber: %w", err)
	}

	detail := SubscriberDetail{
		SubscriberID: sub.ID,
		Username:     sub.Username,
		FullName:     sub.FullName,
	}
	if !sub.IsOnline || sub.NasID == nil {
		detail.Message = "Subscriber is offline"
		return detail, nil
	}

	sessions, failures, err := s.sessions.Collect(ctx, *sub.NasID)
	if err != nil {
		return detail, fmt.Errorf("collect sessions: %w", err)
	}
	if len(failures) > 0 {
		return detail, fmt.Errorf("nas %s: %s: %w", failures[0].NasName, failures[0].Error, sharing.ErrUnreachableNAS)
	}

	for _, session := range sessions {
		if session.Username != sub.Username {
			continue
		}
		settings, err := s.settings.Get(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("Using default settings")
		}
		result := s.analyzer.Evaluate(session, settings.ConnectionThreshold)
		detail.IsOnline = true
		detail.Analysis = &result
		return detail, nil
	}

	detail.Message = "No active session on NAS"
	return detail, nil
}
