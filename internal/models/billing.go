package models

import (
	"time"
)

// TransactionType represents the type of transaction
type TransactionType string

const (
	TransactionTypeNew     TransactionType = "new"
	TransactionTypeRenewal TransactionType = "renewal"
	TransactionTypeRefund  TransactionType = "refund"
)

// Transaction represents a wallet movement
type Transaction struct {
	ID             uint            `gorm:"column:id;primaryKey" json:"id"`
	Type           TransactionType `gorm:"column:type;size:50;not null;index" json:"type"`
	Amount         float64         `gorm:"column:amount;type:decimal(15,2);not null" json:"amount"`
	BalanceBefore  float64         `gorm:"column:balance_before;type:decimal(15,2)" json:"balance_before"`
	BalanceAfter   float64         `gorm:"column:balance_after;type:decimal(15,2)" json:"balance_after"`
	Description    string          `gorm:"column:description;size:500" json:"description"`
	PackageName    string          `gorm:"column:package_name;size:100" json:"package_name"`
	CustomerID     uint            `gorm:"column:customer_id;not null;index" json:"customer_id"`
	SubscriptionID *uint           `gorm:"column:subscription_id;index" json:"subscription_id"`
	CreatedAt      time.Time       `gorm:"column:created_at;index" json:"created_at"`
}

func (Transaction) TableName() string {
	return "transactions"
}
