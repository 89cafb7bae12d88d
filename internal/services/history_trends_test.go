package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proisp/sharing/internal/models"
	"github.com/proisp/sharing/internal/sharing"
)

func TestBuildTrendsFillsEveryDay(t *testing.T) {
	records := []models.SharingDetection{
		detection("a", sharing.LevelHigh, 90, testNow.Add(-time.Hour)),
		detection("b", sharing.LevelMedium, 40, testNow.Add(-2*time.Hour)),
		detection("c", sharing.LevelLow, 20, testNow.AddDate(0, 0, -3)),
		detection("d", sharing.LevelHigh, 80, testNow.AddDate(0, 0, -30)),
	}

	trends := BuildTrends(records, 7, testNow, time.UTC)
	require.Len(t, trends, 7)

	assert.Equal(t, "2024-05-14", trends[0].Date)
	assert.Equal(t, "2024-05-20", trends[6].Date)

	today := trends[6]
	assert.Equal(t, 2, today.TotalDetected)
	assert.Equal(t, 1, today.HighRiskCount)
	assert.Equal(t, 1, today.MediumRiskCount)
	assert.Equal(t, 65.0, today.AvgConfidence)

	assert.Equal(t, 1, trends[3].TotalDetected)
	assert.Zero(t, trends[3].HighRiskCount)

	for _, i := range []int{0, 1, 2, 4, 5} {
		assert.Zero(t, trends[i].TotalDetected, trends[i].Date)
		assert.Zero(t, trends[i].AvgConfidence, trends[i].Date)
	}
}

func TestBuildTrendsUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	// 22:30 UTC on the 19th is already the 20th at UTC+3
	records := []models.SharingDetection{
		detection("a", sharing.LevelHigh, 90, time.Date(2024, 5, 19, 22, 30, 0, 0, time.UTC)),
	}

	trends := BuildTrends(records, 2, testNow, loc)
	require.Len(t, trends, 2)
	assert.Equal(t, "2024-05-20", trends[1].Date)
	assert.Equal(t, 1, trends[1].TotalDetected)
	assert.Zero(t, trends[0].TotalDetected)
}

func TestBuildTrendsNoRecords(t *testing.T) {
	trends := BuildTrends(nil, 30, testNow, time.UTC)
	assert.Len(t, trends, 30)
	assert.Empty(t, BuildTrends(nil, 0, testNow, time.UTC))
}

func TestTrendWindowStart(t *testing.T) {
	start := TrendWindowStart(7, testNow, time.UTC)
	assert.Equal(t, time.Date(2024, 5, 14, 0, 0, 0, 0, time.UTC), start)
}

func TestBuildRepeatOffenders(t *testing.T) {
	var records []models.SharingDetection
	for i := 0; i < 4; i++ {
		records = append(records, detection("heavy", sharing.LevelHigh, 80, testNow.Add(-time.Duration(i)*time.Hour)))
	}
	for i := 0; i < 3; i++ {
		level := sharing.LevelMedium
		if i == 0 {
			level = sharing.LevelHigh
		}
		records = append(records, detection("mid", level, 40+i*10, testNow.AddDate(0, 0, -i)))
	}
	for i := 0; i < 3; i++ {
		records = append(records, detection("tie", sharing.LevelMedium, 50, testNow.AddDate(0, 0, -2-i)))
	}
	records = append(records, detection("once", sharing.LevelHigh, 99, testNow))

	offenders := BuildRepeatOffenders(records, 3)
	require.Len(t, offenders, 3)

	assert.Equal(t, "heavy", offenders[0].Username)
	assert.Equal(t, 4, offenders[0].DetectionCount)
	assert.Equal(t, 4, offenders[0].HighRiskCount)
	assert.Equal(t, 80.0, offenders[0].AvgConfidence)
	assert.True(t, offenders[0].LastDetectedAt.Equal(testNow))

	// equal counts: most recent detection first
	assert.Equal(t, "mid", offenders[1].Username)
	assert.Equal(t, 1, offenders[1].HighRiskCount)
	assert.Equal(t, 50.0, offenders[1].AvgConfidence)
	assert.Equal(t, "mid full", offenders[1].FullName)
	assert.Equal(t, "tie", offenders[2].Username)

	assert.Len(t, BuildRepeatOffenders(records, 1), 4)
	assert.Empty(t, BuildRepeatOffenders(records, 5))
}
