package models

import (
	"time"

	"gorm.io/gorm"
)

// Nas represents a NAS/Router device. Rows are owned by the NAS console; this service only reads them.
type Nas struct {
	ID          uint   `gorm:"column:id;primaryKey" json:"id"`
	Name        string `gorm:"column:name;size:100;not null" json:"name"`
	IPAddress   string `gorm:"column:ip_address;size:50;not null;uniqueIndex" json:"ip_address"`
	Description string `gorm:"column:description;size:255" json:"description"`

	// Mikrotik API
	APIUsername string `gorm:"column:api_username;size:100" json:"api_username"`
	APIPassword string `gorm:"column:api_password;size:255" json:"-"` // Hidden from API responses
	APIPort     int    `gorm:"column:api_port;default:8728" json:"api_port"`

	IsActive bool `gorm:"column:is_active;index" json:"is_active"`

	CreatedAt time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (Nas) TableName() string {
	return "nas_devices"
}
