package services

import (
	"math"
	"sort"
	"time"

	"github.com/proisp/sharing/internal/models"
	"github.com/proisp/sharing/internal/sharing"
)

const dateLayout = "2006-01-02"

// DailyTrend summarizes one calendar day of detections
type DailyTrend struct {
	Date            string  `json:"date"`
	TotalDetected   int     `json:"total_detected"`
	HighRiskCount   int     `json:"high_risk_count"`
	MediumRiskCount int     `json:"medium_risk_count"`
	AvgConfidence   float64 `json:"avg_confidence"`
}

// RepeatOffender is a subscriber detected several times within a window
type RepeatOffender struct {
	SubscriberID   uint      `json:"subscriber_id"`
	Username       string    `json:"username"`
	FullName       string    `json:"full_name"`
	DetectionCount int       `json:"detection_count"`
	AvgConfidence  float64   `json:"avg_confidence"`
	HighRiskCount  int       `json:"high_risk_count"`
	LastDetectedAt time.Time `json:"last_detected_at"`
	ServiceName    string    `json:"service_name"`
}

// TrendWindowStart is midnight, in loc, of the oldest day covered by a days-long trend ending today
func TrendWindowStart(days int, now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return today.AddDate(0, 0, -(days - 1))
}

// BuildTrends buckets records per calendar day in loc. It always returns
// exactly days buckets, oldest first, with empty days zero-filled.
func BuildTrends(records []models.SharingDetection, days int, now time.Time, loc *time.Location) []DailyTrend {
	if days < 1 {
		return []DailyTrend{}
	}

	start := TrendWindowStart(days, now, loc)
	trends := make([]DailyTrend, days)
	index := make(map[string]int, days)
	for i := range trends {
		date := start.AddDate(0, 0, i).Format(dateLayout)
		trends[i].Date = date
		index[date] = i
	}

	confidence := make([]int, days)
	for _, r := range records {
		i, ok := index[r.DetectedAt.In(loc).Format(dateLayout)]
		if !ok {
			continue
		}
		trends[i].TotalDetected++
		switch r.SuspicionLevel {
		case sharing.LevelHigh:
			trends[i].HighRiskCount++
		case sharing.LevelMedium:
			trends[i].MediumRiskCount++
		}
		confidence[i] += r.ConfidenceScore
	}

	for i := range trends {
		if trends[i].TotalDetected > 0 {
			trends[i].AvgConfidence = roundTo2(float64(confidence[i]) / float64(trends[i].TotalDetected))
		}
	}
	return trends
}

// BuildRepeatOffenders groups records by subscriber and keeps those detected at least
// minCount times. Ordered by detection count, then most recent detection, then username.
func BuildRepeatOffenders(records []models.SharingDetection, minCount int) []RepeatOffender {
	type key struct {
		id       uint
		username string
	}

	groups := make(map[key]*RepeatOffender)
	confidence := make(map[key]int)
	for _, r := range records {
		k := key{r.SubscriberID, r.Username}
		o, ok := groups[k]
		if !ok {
			o = &RepeatOffender{SubscriberID: r.SubscriberID, Username: r.Username}
			groups[k] = o
		}
		o.DetectionCount++
		confidence[k] += r.ConfidenceScore
		if r.SuspicionLevel == sharing.LevelHigh {
			o.HighRiskCount++
		}
		if !r.DetectedAt.Before(o.LastDetectedAt) {
			o.LastDetectedAt = r.DetectedAt
			o.FullName = r.FullName
			o.ServiceName = r.ServiceName
		}
	}

	offenders := make([]RepeatOffender, 0, len(groups))
	for k, o := range groups {
		if o.DetectionCount < minCount {
			continue
		}
		o.AvgConfidence = roundTo2(float64(confidence[k]) / float64(o.DetectionCount))
		offenders = append(offenders, *o)
	}

	sort.Slice(offenders, func(i, j int) bool {
		a, b := offenders[i], offenders[j]
		if a.DetectionCount != b.DetectionCount {
			return a.DetectionCount > b.DetectionCount
		}
		if !a.LastDetectedAt.Equal(b.LastDetectedAt) {
			return a.LastDetectedAt.After(b.LastDetectedAt)
		}
		return a.Username < b.Username
	})
	return offenders
}

func roundTo2(v float64) float64 {
	return math.Round(v*100) / 100
}
