package models

import (
	"time"

	"gorm.io/gorm"
)

// NasType represents the type of NAS device
type NasType string

const (
	NasTypeMikrotik NasType = "mikrotik"
	NasTypeOther    NasType = "other"
)

// Nas represents a NAS/Router device. The engine reads it to address
// Disconnect-Request packets.
type Nas struct {
	ID        uint    `gorm:"column:id;primaryKey" json:"id"`
	Name      string  `gorm:"column:name;size:100;not null" json:"name"`
	IPAddress string  `gorm:"column:ip_address;size:50;not null;uniqueIndex" json:"ip_address"`
	Type      NasType `gorm:"column:type;size:50;default:mikrotik" json:"type"`

	// RADIUS
	Secret  string `gorm:"column:secret;size:100;not null" json:"-"`
	CoAPort int    `gorm:"column:coa_port;default:3799" json:"coa_port"`

	IsActive bool `gorm:"column:is_active;default:true" json:"is_active"`

	CreatedAt time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (Nas) TableName() string {
	return "nas"
}
