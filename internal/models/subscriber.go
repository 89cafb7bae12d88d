package models

import (
	"time"

	"gorm.io/gorm"
)

// Subscriber represents a PPPoE subscriber. Only the fields used to enrich live sessions are mapped.
type Subscriber struct {
	ID        uint     `gorm:"primaryKey" json:"id"`
	Username  string   `gorm:"uniqueIndex;size:100;not null" json:"username"`
	FullName  string   `gorm:"size:255" json:"full_name"`
	ServiceID uint     `json:"service_id"`
	Service   *Service `gorm:"foreignKey:ServiceID" json:"service,omitempty"`

	// Network
	MACAddress string `gorm:"size:50;index" json:"mac_address"`
	IPAddress  string `gorm:"size:50" json:"ip_address"`
	NasID      *uint  `json:"nas_id"`

	// Session
	IsOnline bool       `gorm:"index" json:"is_online"`
	LastSeen *time.Time `json:"last_seen"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// Service is the subscriber's plan
type Service struct {
	ID   uint   `gorm:"column:id;primaryKey" json:"id"`
	Name string `gorm:"column:name;size:100;not null" json:"name"`
}

func (Service) TableName() string {
	return "services"
}
