package models

import (
	"time"

	"gorm.io/gorm"
)

// Customer represents an internet subscriber account. Username and Password
// are what the NAS presents to RADIUS.
type Customer struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Username string `gorm:"uniqueIndex;size:64;not null" json:"username"`
	Password string `gorm:"size:253;not null" json:"-"` // cleartext, RADIUS PAP/CHAP
	FullName string `gorm:"size:255" json:"full_name"`
	Phone    string `gorm:"size:50" json:"phone"`
	Email    string `gorm:"size:255" json:"email"`

	// Wallet used for auto-renewal
	Balance float64 `gorm:"type:decimal(15,2);default:0" json:"balance"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Customer) TableName() string {
	return "customers"
}
