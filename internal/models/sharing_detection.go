package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/proisp/sharing/internal/sharing"
)

// IntList is stored as a JSON array in a text column
type IntList []int

func (l IntList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]int(l))
	return string(b), err
}

func (l *IntList) Scan(src interface{}) error {
	return scanJSON(src, (*[]int)(l))
}

// StringList is stored as a JSON array in a text column
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	return string(b), err
}

func (l *StringList) Scan(src interface{}) error {
	return scanJSON(src, (*[]string)(l))
}

func scanJSON(src interface{}, dest interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		return json.Unmarshal([]byte(v), dest)
	case []byte:
		return json.Unmarshal(v, dest)
	}
	return fmt.Errorf("cannot scan %T into JSON list", src)
}

// SharingDetection stores one detected sharing incident. Records are never updated.
type SharingDetection struct {
	ID              uint                   `gorm:"primaryKey" json:"id"`
	ScanID          string                 `gorm:"size:36;index" json:"scan_id"`
	SubscriberID    uint                   `gorm:"index" json:"subscriber_id"`
	Username        string                 `gorm:"size:100;index" json:"username"`
	FullName        string                 `gorm:"size:200" json:"full_name"`
	IPAddress       string                 `gorm:"size:45" json:"ip_address"`
	MACAddress      string                 `gorm:"size:50" json:"mac_address"`
	ServiceName     string                 `gorm:"size:100" json:"service_name"`
	NasID           uint                   `json:"nas_id"`
	NasName         string                 `gorm:"size:100" json:"nas_name"`
	ConnectionCount int                    `json:"connection_count"`
	TTLValues       IntList                `gorm:"type:text" json:"ttl_values"`
	TTLStatus       sharing.TTLStatus      `gorm:"type:varchar(30)" json:"ttl_status"`
	SuspicionLevel  sharing.SuspicionLevel `gorm:"type:varchar(20);index" json:"suspicion_level"`
	ConfidenceScore int                    `json:"confidence_score"` // 0-100
	Reasons         StringList             `gorm:"type:text" json:"reasons"`
	DetectedAt      time.Time              `gorm:"index" json:"detected_at"`
	ScanType        sharing.ScanType       `gorm:"size:20" json:"scan_type"`
	CreatedAt       time.Time              `json:"created_at"`
}

func (SharingDetection) TableName() string {
	return "sharing_detections"
}

// NewSharingDetection builds the history record for one analysis result
func NewSharingDetection(r sharing.DetectionResult, scanID string, scanType sharing.ScanType, detectedAt time.Time) SharingDetection {
	return SharingDetection{
		ScanID:          scanID,
		SubscriberID:    r.SubscriberID,
		Username:        r.Username,
		FullName:        r.FullName,
		IPAddress:       r.IPAddress,
		MACAddress:      r.MACAddress,
		ServiceName:     r.ServiceName,
		NasID:           r.NasID,
		NasName:         r.NasName,
		ConnectionCount: r.ConnectionCount,
		TTLValues:       IntList(r.TTLValues),
		TTLStatus:       r.TTLStatus,
		SuspicionLevel:  r.SuspicionLevel,
		ConfidenceScore: r.ConfidenceScore,
		Reasons:         StringList(r.Reasons),
		DetectedAt:      detectedAt.UTC(),
		ScanType:        scanType,
	}
}

// SettingsID is the primary key of the singleton settings row
const SettingsID = 1

// SharingDetectionSetting stores sharing detection configuration (singleton row)
type SharingDetectionSetting struct {
	ID                  uint                   `gorm:"primaryKey" json:"-"`
	Enabled             bool                   `json:"enabled"`
	ScanTime            string                 `gorm:"size:5" json:"scan_time"` // HH:MM format
	RetentionDays       int                    `json:"retention_days"`
	MinSuspicionLevel   sharing.SuspicionLevel `gorm:"type:varchar(20)" json:"min_suspicion_level"`
	ConnectionThreshold int                    `json:"connection_threshold"`
	RepeatThreshold     int                    `json:"repeat_threshold"` // Default min_count for repeat offenders
	UpdatedAt           time.Time              `json:"updated_at"`
}

func (SharingDetectionSetting) TableName() string {
	return "sharing_detection_settings"
}

// DefaultSharingDetectionSetting is the configuration installed on first start
func DefaultSharingDetectionSetting() SharingDetectionSetting {
	return SharingDetectionSetting{
		ID:                  SettingsID,
		Enabled:             true,
		ScanTime:            "03:00",
		RetentionDays:       30,
		MinSuspicionLevel:   sharing.LevelMedium,
		ConnectionThreshold: 500,
		RepeatThreshold:     3,
	}
}
