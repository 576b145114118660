package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/proisp/radsync/internal/models"
)

// GormRepository implements Repository over postgres
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository creates a repository over db
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

var _ Repository = (*GormRepository)(nil)

func (r *GormRepository) preloaded(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Preload("Customer").Preload("Package", func(db *gorm.DB) *gorm.DB {
		return db.Unscoped() // a deleted package still describes existing subscriptions
	})
}

func (r *GormRepository) GetSubscription(ctx context.Context, id uint) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.preloaded(ctx).First(&sub, id).Error; err != nil {
		return nil, wrap("get subscription", err)
	}
	return &sub, nil
}

func (r *GormRepository) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	return wrap("create subscription", r.db.WithContext(ctx).Omit(clause.Associations).Create(sub).Error)
}

func (r *GormRepository) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	return wrap("save subscription", r.db.WithContext(ctx).Omit(clause.Associations).Save(sub).Error)
}

func (r *GormRepository) CurrentForCustomer(ctx context.Context, customerID uint) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.preloaded(ctx).
		Where("customer_id = ? AND status IN ?", customerID, currentStatuses).
		Order("id").Find(&subs).Error
	return subs, wrap("current subscriptions for customer", err)
}

func (r *GormRepository) ExpiredActive(ctx context.Context, now time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.preloaded(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", models.SubscriptionStatusActive, now).
		Order("expires_at, id").Find(&subs).Error
	return subs, wrap("expired active subscriptions", err)
}

func (r *GormRepository) AutoRenewDue(ctx context.Context, now time.Time, lookahead time.Duration) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.preloaded(ctx).
		Where("status = ? AND auto_renew = ? AND expires_at IS NOT NULL AND expires_at >= ? AND expires_at <= ?",
			models.SubscriptionStatusActive, true, now, now.Add(lookahead)).
		Order("expires_at, id").Find(&subs).Error
	return subs, wrap("auto-renew subscriptions", err)
}

func (r *GormRepository) ListActive(ctx context.Context) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.preloaded(ctx).Where("status = ?", models.SubscriptionStatusActive).Order("id").Find(&subs).Error
	return subs, wrap("active subscriptions", err)
}

func (r *GormRepository) UpdateDataUsed(ctx context.Context, id uint, bytes int64) error {
	err := r.db.WithContext(ctx).Model(&models.Subscription{}).Where("id = ?", id).Update("data_used", bytes).Error
	return wrap("update data used", err)
}

func (r *GormRepository) GetPackage(ctx context.Context, id uint) (*models.Package, error) {
	var pkg models.Package
	if err := r.db.WithContext(ctx).First(&pkg, id).Error; err != nil {
		return nil, wrap("get package", err)
	}
	return &pkg, nil
}

func (r *GormRepository) ListPackages(ctx context.Context) ([]models.Package, error) {
	var pkgs []models.Package
	err := r.db.WithContext(ctx).Order("priority DESC, id").Find(&pkgs).Error
	return pkgs, wrap("list packages", err)
}

func (r *GormRepository) SavePackage(ctx context.Context, pkg *models.Package) error {
	return wrap("save package", r.db.WithContext(ctx).Save(pkg).Error)
}

func (r *GormRepository) DeletePackage(ctx context.Context, id uint) error {
	return wrap("delete package", r.db.WithContext(ctx).Delete(&models.Package{}, id).Error)
}

func (r *GormRepository) CountCurrentForPackage(ctx context.Context, packageID uint) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("package_id = ? AND status IN ?", packageID, currentStatuses).Count(&n).Error
	return n, wrap("count package subscriptions", err)
}

func (r *GormRepository) Debit(ctx context.Context, customerID uint, amount float64, entry *models.Transaction) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.Customer
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&c, customerID).Error; err != nil {
			return err
		}
		if c.Balance < amount {
			return ErrInsufficientBalance
		}
		entry.CustomerID = customerID
		entry.Amount = amount
		entry.BalanceBefore = c.Balance
		entry.BalanceAfter = c.Balance - amount
		if err := tx.Model(&c).Update("balance", entry.BalanceAfter).Error; err != nil {
			return err
		}
		return tx.Create(entry).Error
	})
	if errors.Is(err, ErrInsufficientBalance) {
		return fmt.Errorf("debit customer %d: %w", customerID, err)
	}
	return wrap("debit customer", err)
}

func (r *GormRepository) GetCustomer(ctx context.Context, id uint) (*models.Customer, error) {
	var c models.Customer
	if err := r.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, wrap("get customer", err)
	}
	return &c, nil
}
