package store

import (
	"context"
	"time"

	"github.com/proisp/radsync/internal/models"
)

// SubscriptionRepository persists subscriptions. Reads preload the
// customer and the package.
type SubscriptionRepository interface {
	GetSubscription(ctx context.Context, id uint) (*models.Subscription, error)
	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	SaveSubscription(ctx context.Context, sub *models.Subscription) error
	// CurrentForCustomer lists the customer's subscriptions that hold a
	// service period: active, suspended or blocked.
	CurrentForCustomer(ctx context.Context, customerID uint) ([]models.Subscription, error)
	// ExpiredActive lists active subscriptions whose expires_at < now
	ExpiredActive(ctx context.Context, now time.Time) ([]models.Subscription, error)
	// AutoRenewDue lists active auto-renew subscriptions expiring within lookahead
	AutoRenewDue(ctx context.Context, now time.Time, lookahead time.Duration) ([]models.Subscription, error)
	ListActive(ctx context.Context) ([]models.Subscription, error)
	UpdateDataUsed(ctx context.Context, id uint, bytes int64) error
}

// currentStatuses hold a service period
var currentStatuses = []models.SubscriptionStatus{
	models.SubscriptionStatusActive,
	models.SubscriptionStatusSuspended,
	models.SubscriptionStatusBlocked,
}

func isCurrent(status models.SubscriptionStatus) bool {
	for _, s := range currentStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// PackageRepository persists packages
type PackageRepository interface {
	GetPackage(ctx context.Context, id uint) (*models.Package, error)
	ListPackages(ctx context.Context) ([]models.Package, error)
	SavePackage(ctx context.Context, pkg *models.Package) error
	DeletePackage(ctx context.Context, id uint) error
	// CountCurrentForPackage counts active, suspended and blocked
	// subscriptions on the package
	CountCurrentForPackage(ctx context.Context, packageID uint) (int64, error)
}

// CustomerRepository reads customers
type CustomerRepository interface {
	GetCustomer(ctx context.Context, id uint) (*models.Customer, error)
}

// WalletRepository moves money on customer balances
type WalletRepository interface {
	// Debit atomically takes amount from the customer's balance and records
	// entry. It returns ErrInsufficientBalance when the balance is short.
	Debit(ctx context.Context, customerID uint, amount float64, entry *models.Transaction) error
}

// Repository is every business-table operation the engine needs
type Repository interface {
	SubscriptionRepository
	PackageRepository
	CustomerRepository
	WalletRepository
}
