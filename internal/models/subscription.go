package models

import (
	"time"

	"gorm.io/gorm"
)

// SubscriptionStatus represents the lifecycle state of a subscription
type SubscriptionStatus string

const (
	SubscriptionStatusPending   SubscriptionStatus = "pending"
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusSuspended SubscriptionStatus = "suspended"
	SubscriptionStatusBlocked   SubscriptionStatus = "blocked"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
	SubscriptionStatusFailed    SubscriptionStatus = "failed"
)

// Subscription binds a customer to a package for one billed period
type Subscription struct {
	ID         uint     `gorm:"primaryKey" json:"id"`
	CustomerID uint     `gorm:"not null;index" json:"customer_id"`
	Customer   Customer `gorm:"foreignKey:CustomerID" json:"customer"`
	PackageID  uint     `gorm:"not null;index" json:"package_id"`
	Package    Package  `gorm:"foreignKey:PackageID" json:"package"`

	Status    SubscriptionStatus `gorm:"size:20;not null;default:pending;index" json:"status"`
	StartsAt  *time.Time         `json:"starts_at"`
	ExpiresAt *time.Time         `gorm:"index" json:"expires_at"`
	DataUsed  int64              `gorm:"default:0" json:"data_used"` // bytes
	AutoRenew bool               `gorm:"default:false" json:"auto_renew"`

	// StatusReason is the operator supplied text shown to a suspended or
	// blocked user. Kept so a re-sync reproduces the same message.
	StatusReason string `gorm:"size:253" json:"status_reason"`
	Notes        string `gorm:"type:text" json:"notes"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}

// IsExpiredAt reports whether expires_at lies strictly before now.
// A subscription without an expiry never expires.
func (s *Subscription) IsExpiredAt(now time.Time) bool {
	return s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}

// TimeRemaining returns the time left before expiry, 0 once expired
func (s *Subscription) TimeRemaining(now time.Time) time.Duration {
	if s.ExpiresAt == nil {
		return 0
	}
	remaining := s.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}
