package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/proisp/radsync/internal/models"
)

// MemoryRepository is an in-process Repository
type MemoryRepository struct {
	mu            sync.Mutex
	subscriptions map[uint]models.Subscription
	packages      map[uint]models.Package
	customers     map[uint]models.Customer
	deleted       map[uint]bool // soft-deleted packages
	ledger        []models.Transaction
	nextSubID     uint
	nextPkgID     uint
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		subscriptions: make(map[uint]models.Subscription),
		packages:      make(map[uint]models.Package),
		customers:     make(map[uint]models.Customer),
		deleted:       make(map[uint]bool),
	}
}

var _ Repository = (*MemoryRepository)(nil)

// PutCustomer inserts or replaces a customer
func (r *MemoryRepository) PutCustomer(c models.Customer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.customers[c.ID] = c
}

func (r *MemoryRepository) fill(sub models.Subscription) models.Subscription {
	sub.Customer = r.customers[sub.CustomerID]
	sub.Package = r.packages[sub.PackageID]
	return sub
}

func strip(sub *models.Subscription) models.Subscription {
	c := *sub
	c.Customer = models.Customer{}
	c.Package = models.Package{}
	return c
}

func (r *MemoryRepository) GetSubscription(ctx context.Context, id uint) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("get subscription %d: %w", id, ErrNotFound)
	}
	filled := r.fill(sub)
	return &filled, nil
}

func (r *MemoryRepository) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub.ID == 0 {
		r.nextSubID++
		sub.ID = r.nextSubID
	} else if sub.ID > r.nextSubID {
		r.nextSubID = sub.ID
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	r.subscriptions[sub.ID] = strip(sub)
	return nil
}

func (r *MemoryRepository) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	if sub.ID == 0 {
		return r.CreateSubscription(ctx, sub)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sub.UpdatedAt = time.Now()
	r.subscriptions[sub.ID] = strip(sub)
	return nil
}

func (r *MemoryRepository) list(match func(models.Subscription) bool) []models.Subscription {
	var out []models.Subscription
	for _, sub := range r.subscriptions {
		if match(sub) {
			out = append(out, r.fill(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *MemoryRepository) CurrentForCustomer(ctx context.Context, customerID uint) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(func(s models.Subscription) bool {
		return s.CustomerID == customerID && isCurrent(s.Status)
	}), nil
}

func (r *MemoryRepository) ExpiredActive(ctx context.Context, now time.Time) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(func(s models.Subscription) bool {
		return s.Status == models.SubscriptionStatusActive && s.IsExpiredAt(now)
	}), nil
}

func (r *MemoryRepository) AutoRenewDue(ctx context.Context, now time.Time, lookahead time.Duration) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(func(s models.Subscription) bool {
		return s.Status == models.SubscriptionStatusActive && s.AutoRenew && s.ExpiresAt != nil &&
			!s.ExpiresAt.Before(now) && !s.ExpiresAt.After(now.Add(lookahead))
	}), nil
}

func (r *MemoryRepository) ListActive(ctx context.Context) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(func(s models.Subscription) bool {
		return s.Status == models.SubscriptionStatusActive
	}), nil
}

func (r *MemoryRepository) UpdateDataUsed(ctx context.Context, id uint, bytes int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subscriptions[id]
	if !ok {
		return fmt.Errorf("update data used %d: %w", id, ErrNotFound)
	}
	sub.DataUsed = bytes
	r.subscriptions[id] = sub
	return nil
}

func (r *MemoryRepository) GetPackage(ctx context.Context, id uint) (*models.Package, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pkg, ok := r.packages[id]
	if !ok || r.deleted[id] {
		return nil, fmt.Errorf("get package %d: %w", id, ErrNotFound)
	}
	return &pkg, nil
}

func (r *MemoryRepository) ListPackages(ctx context.Context) ([]models.Package, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Package, 0, len(r.packages))
	for id, p := range r.packages {
		if r.deleted[id] {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) SavePackage(ctx context.Context, pkg *models.Package) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pkg.ID == 0 {
		r.nextPkgID++
		pkg.ID = r.nextPkgID
	} else if pkg.ID > r.nextPkgID {
		r.nextPkgID = pkg.ID
	}
	r.packages[pkg.ID] = *pkg
	delete(r.deleted, pkg.ID)
	return nil
}

func (r *MemoryRepository) DeletePackage(ctx context.Context, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pkg, ok := r.packages[id]
	if !ok || r.deleted[id] {
		return nil
	}
	pkg.DeletedAt = gorm.DeletedAt{Time: time.Now(), Valid: true}
	r.packages[id] = pkg
	r.deleted[id] = true
	return nil
}

func (r *MemoryRepository) CountCurrentForPackage(ctx context.Context, packageID uint) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.list(func(s models.Subscription) bool {
		return s.PackageID == packageID && isCurrent(s.Status)
	}))
	return int64(n), nil
}

// Debit takes amount from the customer's balance and appends entry to the ledger
func (r *MemoryRepository) Debit(ctx context.Context, customerID uint, amount float64, entry *models.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.customers[customerID]
	if !ok {
		return fmt.Errorf("debit customer %d: %w", customerID, ErrNotFound)
	}
	if c.Balance < amount {
		return fmt.Errorf("debit customer %d: %w", customerID, ErrInsufficientBalance)
	}
	entry.CustomerID = customerID
	entry.Amount = amount
	entry.BalanceBefore = c.Balance
	entry.BalanceAfter = c.Balance - amount
	entry.ID = uint(len(r.ledger) + 1)
	entry.CreatedAt = time.Now()
	c.Balance -= amount
	r.customers[customerID] = c
	r.ledger = append(r.ledger, *entry)
	return nil
}

// Ledger returns every transaction recorded by Debit
func (r *MemoryRepository) Ledger() []models.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Transaction(nil), r.ledger...)
}

func (r *MemoryRepository) GetCustomer(ctx context.Context, id uint) (*models.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.customers[id]
	if !ok {
		return nil, fmt.Errorf("get customer %d: %w", id, ErrNotFound)
	}
	return &c, nil
}
