package models

import (
	"time"

	"gorm.io/gorm"
)

// DurationUnit is the unit a package duration is expressed in
type DurationUnit string

const (
	DurationUnitMinute DurationUnit = "minute"
	DurationUnitHour   DurationUnit = "hour"
	DurationUnitDay    DurationUnit = "day"
	DurationUnitWeek   DurationUnit = "week"
	DurationUnitMonth  DurationUnit = "month"
	DurationUnitYear   DurationUnit = "year"
)

// unitSeconds maps each unit to its length in seconds. A month is 30 days
// and a year 365 days so that expiry and Max-All-Session always agree.
var unitSeconds = map[DurationUnit]int64{
	DurationUnitMinute: 60,
	DurationUnitHour:   3600,
	DurationUnitDay:    86400,
	DurationUnitWeek:   604800,
	DurationUnitMonth:  2592000,
	DurationUnitYear:   31536000,
}

// Seconds returns the length of one unit in seconds, or 0 for unknown units
func (u DurationUnit) Seconds() int64 {
	return unitSeconds[u]
}

// Valid reports whether the unit is known
func (u DurationUnit) Valid() bool {
	_, ok := unitSeconds[u]
	return ok
}

// Package represents a commercial internet package
type Package struct {
	ID          uint   `gorm:"column:id;primaryKey" json:"id"`
	Name        string `gorm:"column:name;size:100;not null" json:"name"`
	Description string `gorm:"column:description;type:text" json:"description"`

	// Duration
	DurationValue int          `gorm:"column:duration_value;not null" json:"duration_value"`
	DurationUnit  DurationUnit `gorm:"column:duration_unit;size:10;not null;default:day" json:"duration_unit"`

	// Pricing
	Price float64 `gorm:"column:price;type:decimal(15,2);not null" json:"price"`

	// Speed, kbps. 0 = use the engine default.
	UploadKbps   int64 `gorm:"column:upload_kbps;default:0" json:"upload_kbps"`
	DownloadKbps int64 `gorm:"column:download_kbps;default:0" json:"download_kbps"`

	// Quota, MB. nil = unlimited.
	DataLimitMB *int64 `gorm:"column:data_limit_mb" json:"data_limit_mb"`

	SimultaneousUsers int `gorm:"column:simultaneous_users;default:1" json:"simultaneous_users"`

	// Trial
	IsTrial            bool `gorm:"column:is_trial;default:false" json:"is_trial"`
	TrialDurationValue int  `gorm:"column:trial_duration_value;default:0" json:"trial_duration_value"` // same unit as DurationUnit

	// Status
	IsActive bool `gorm:"column:is_active;default:true" json:"is_active"`
	Priority int  `gorm:"column:priority;default:0" json:"priority"`

	// Timestamps
	CreatedAt time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (Package) TableName() string {
	return "packages"
}

// EffectiveDurationValue returns the trial duration for trial packages that
// define one, otherwise the regular duration.
func (p *Package) EffectiveDurationValue() int {
	if p.IsTrial && p.TrialDurationValue > 0 {
		return p.TrialDurationValue
	}
	return p.DurationValue
}

// DurationSeconds returns the billed period in seconds
func (p *Package) DurationSeconds() int64 {
	return int64(p.EffectiveDurationValue()) * p.DurationUnit.Seconds()
}

// Duration returns the billed period
func (p *Package) Duration() time.Duration {
	return time.Duration(p.DurationSeconds()) * time.Second
}

// HasDataLimit reports whether the package carries a data cap
func (p *Package) HasDataLimit() bool {
	return p.DataLimitMB != nil && *p.DataLimitMB > 0
}

// DataLimitBytes returns the data cap in bytes, 0 when unlimited
func (p *Package) DataLimitBytes() int64 {
	if !p.HasDataLimit() {
		return 0
	}
	return *p.DataLimitMB * 1024 * 1024
}
