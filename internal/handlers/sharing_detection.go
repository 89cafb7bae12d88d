package handlers

import (
	"errors"
	"fmt"
	"sort"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/proisp/sharing/internal/logging"
	"github.com/proisp/sharing/internal/services"
	"github.com/proisp/sharing/internal/sharing"
)

const (
	defaultTrendDays  = 7
	maxTrendDays      = 365
	defaultRepeatDays = 30
)

type SharingDetectionHandler struct {
	detection *services.SharingDetectionService
	settings  *services.SettingsService
	rules     *services.NasRuleService
	history   services.HistoryStore
	log       zerolog.Logger
}

func NewSharingDetectionHandler(
	detection *services.SharingDetectionService,
	settings *services.SettingsService,
	rules *services.NasRuleService,
	history services.HistoryStore,
) *SharingDetectionHandler {
	return &SharingDetectionHandler{
		detection: detection,
		settings:  settings,
		rules:     rules,
		history:   history,
		log:       logging.Component("api"),
	}
}

// Register mounts the sharing detection routes on r
func (h *SharingDetectionHandler) Register(r fiber.Router) {
	r.Get("/", h.List)
	r.Get("/stats", h.GetStats)
	r.Get("/subscriber/:id", h.GetSubscriberDetails)
	r.Get("/nas-rules", h.ListNASRuleStatus)
	r.Post("/nas/:nas_id/rules", h.GenerateTTLRules)
	r.Delete("/nas/:nas_id/rules", h.RemoveTTLRules)
	r.Post("/scan", h.RunManualScan)
	r.Get("/history", h.GetHistory)
	r.Delete("/history", h.PurgeHistory)
	r.Get("/trends", h.GetTrends)
	r.Get("/repeat-offenders", h.GetRepeatOffenders)
	r.Get("/settings", h.GetSettings)
	r.Put("/settings", h.UpdateSettings)
}

// errorStatus maps service errors onto HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, sharing.ErrInvalidSettings):
		return fiber.StatusBadRequest
	case errors.Is(err, sharing.ErrScanAlreadyRunning):
		return fiber.StatusConflict
	case errors.Is(err, services.ErrNasNotFound), errors.Is(err, services.ErrSubscriberNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, sharing.ErrUnreachableNAS):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func (h *SharingDetectionHandler) fail(c *fiber.Ctx, err error, message string) error {
	status := errorStatus(err)
	if status == fiber.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.Path()).Msg(message)
	} else {
		message = err.Error()
	}
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"message": message,
	})
}

// sortForDisplay orders results high risk first, then by connection count
func sortForDisplay(results []sharing.DetectionResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].SuspicionLevel != results[j].SuspicionLevel {
			return results[i].SuspicionLevel > results[j].SuspicionLevel
		}
		return results[i].ConnectionCount > results[j].ConnectionCount
	})
}

// List returns all online users with sharing detection analysis
func (h *SharingDetectionHandler) List(c *fiber.Ctx) error {
	snap, err := h.detection.LiveSnapshot(c.UserContext())
	if err != nil {
		return h.fail(c, err, "Failed to analyze online subscribers")
	}

	results := snap.Results
	if results == nil {
		results = []sharing.DetectionResult{}
	}
	sortForDisplay(results)

	return c.JSON(fiber.Map{
		"success":         true,
		"data":            results,
		"stats":           snap.Stats,
		"unreachable_nas": snap.UnreachableNAS,
		"generated_at":    snap.GeneratedAt,
	})
}

// GetStats returns the online count without querying any NAS
func (h *SharingDetectionHandler) GetStats(c *fiber.Ctx) error {
	count, err := h.detection.OnlineCount(c.UserContext())
	if err != nil {
		return h.fail(c, err, "Failed to count online subscribers")
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"total_online": count,
			"scan_running": h.detection.Running(),
		},
	})
}

// GetSubscriberDetails returns live sharing analysis for a specific subscriber
func (h *SharingDetectionHandler) GetSubscriberDetails(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid subscriber id",
		})
	}

	detail, err := h.detection.SubscriberDetails(c.UserContext(), uint(id))
	if err != nil {
		return h.fail(c, err, "Failed to analyze subscriber")
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    detail,
	})
}

// ListNASRuleStatus returns TTL rule status for all NAS devices
func (h *SharingDetectionHandler) ListNASRuleStatus(c *fiber.Ctx) error {
	statuses, err := h.rules.ListStatus(c.UserContext())
	if err != nil {
		return h.fail(c, err, "Failed to get NAS list")
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    statuses,
	})
}

func (h *SharingDetectionHandler) nasID(c *fiber.Ctx) (uint, bool) {
	id, err := c.ParamsInt("nas_id")
	if err != nil || id <= 0 {
		return 0, false
	}
	return uint(id), true
}

// GenerateTTLRules reconciles the TTL detection mangle rules on a NAS
func (h *SharingDetectionHandler) GenerateTTLRules(c *fiber.Ctx) error {
	nasID, ok := h.nasID(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid NAS id",
		})
	}

	result, err := h.rules.Generate(c.UserContext(), nasID)
	if errors.Is(err, sharing.ErrPartialRuleApplication) {
		return c.JSON(fiber.Map{
			"success": false,
			"message": err.Error(),
			"data":    result,
		})
	}
	if err != nil {
		return h.fail(c, err, "Failed to generate TTL rules")
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": fmt.Sprintf("TTL detection rules configured on %s (%d added, %d removed)", result.NasName, result.Added, result.Removed),
		"data":    result,
	})
}

// RemoveTTLRules removes TTL detection rules from a NAS
func (h *SharingDetectionHandler) RemoveTTLRules(c *fiber.Ctx) error {
	nasID, ok := h.nasID(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid NAS id",
		})
	}

	result, err := h.rules.Remove(c.UserContext(), nasID)
	if err != nil {
		return h.fail(c, err, "Failed to remove TTL rules")
	}

	return c.JSON(fiber.Map{
		"success":       true,
		"message":       fmt.Sprintf("Removed %d TTL detection rules from %s", result.Removed, result.NasName),
		"removed_count": result.Removed,
		"data":          result,
	})
}

// RunManualScan triggers an immediate scan
func (h *SharingDetectionHandler) RunManualScan(c *fiber.Ctx) error {
	summary, err := h.detection.RunScan(c.UserContext(), sharing.ScanManual)
	if err != nil {
		return h.fail(c, err, "Scan failed")
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": fmt.Sprintf("Scan completed. Saved %d detections from %d sessions", summary.SavedCount, summary.Scanned),
		"data":    summary,
	})
}

// GetHistory returns historical sharing detections
func (h *SharingDetectionHandler) GetHistory(c *fiber.Ctx) error {
	filter := services.HistoryFilter{
		Days:     c.QueryInt("days", services.DefaultHistoryDays),
		Username: c.Query("username"),
		Page:     c.QueryInt("page", 1),
		Limit:    c.QueryInt("limit", services.DefaultHistoryLimit),
	}
	if level := c.Query("suspicion_level"); level != "" {
		parsed, err := sharing.ParseSuspicionLevel(level)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false,
				"message": err.Error(),
			})
		}
		filter.SuspicionLevel = parsed
	}

	page, err := h.history.List(c.UserContext(), filter, h.detection.Now())
	if err != nil {
		return h.fail(c, err, "Failed to get history")
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    page.Records,
		"meta": fiber.Map{
			"page":       page.Page,
			"limit":      page.Limit,
			"total":      page.Total,
			"totalPages": page.TotalPages(),
		},
	})
}

// PurgeHistory deletes all detection history
func (h *SharingDetectionHandler) PurgeHistory(c *fiber.Ctx) error {
	deleted, err := h.detection.PurgeHistory(c.UserContext())
	if err != nil {
		return h.fail(c, err, "Failed to purge history")
	}

	h.log.Warn().Str("user", currentUsername(c)).Int64("deleted", deleted).Msg("Detection history purged via API")
	return c.JSON(fiber.Map{
		"success": true,
		"message": fmt.Sprintf("Deleted %d detection records", deleted),
		"deleted": deleted,
	})
}

// GetTrends returns per-day detection counts, one entry per day including empty days
func (h *SharingDetectionHandler) GetTrends(c *fiber.Ctx) error {
	days := c.QueryInt("days", defaultTrendDays)
	switch {
	case days < 1:
		days = defaultTrendDays
	case days > maxTrendDays:
		days = maxTrendDays
	}

	now := h.detection.Now()
	loc := h.detection.Location()
	records, err := h.history.Since(c.UserContext(), services.TrendWindowStart(days, now, loc))
	if err != nil {
		return h.fail(c, err, "Failed to get trends")
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    services.BuildTrends(records, days, now, loc),
	})
}

// GetRepeatOffenders returns subscribers detected multiple times
func (h *SharingDetectionHandler) GetRepeatOffenders(c *fiber.Ctx) error {
	days := c.QueryInt("days", defaultRepeatDays)
	if days < 1 {
		days = defaultRepeatDays
	}

	minCount := c.QueryInt("min_count", 0)
	if minCount < 1 {
		settings, err := h.settings.Get(c.UserContext())
		if err != nil {
			h.log.Warn().Err(err).Msg("Using default repeat threshold")
		}
		minCount = settings.RepeatThreshold
	}

	records, err := h.history.Since(c.UserContext(), h.detection.Now().AddDate(0, 0, -days))
	if err != nil {
		return h.fail(c, err, "Failed to get repeat offenders")
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    services.BuildRepeatOffenders(records, minCount),
	})
}

// GetSettings returns sharing detection settings
func (h *SharingDetectionHandler) GetSettings(c *fiber.Ctx) error {
	settings, err := h.settings.Get(c.UserContext())
	if err != nil {
		return h.fail(c, err, "Failed to load settings")
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    settings,
	})
}

// UpdateSettings applies a partial settings update
func (h *SharingDetectionHandler) UpdateSettings(c *fiber.Ctx) error {
	var req services.SettingsUpdate
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	settings, err := h.settings.Update(c.UserContext(), req)
	if err != nil {
		return h.fail(c, err, "Failed to save settings")
	}

	h.log.Info().Str("user", currentUsername(c)).Msg("Sharing detection settings changed via API")
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Settings updated",
		"data":    settings,
	})
}

func currentUsername(c *fiber.Ctx) string {
	username, _ := c.Locals("username").(string)
	return username
}
