package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proisp/radsync/internal/models"
	"github.com/proisp/radsync/internal/store"
)

func TestWalletBiller(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	repo.PutCustomer(models.Customer{ID: 7, Username: "carol", Balance: 12})
	biller := NewWalletBiller(repo, nil)

	sub := &models.Subscription{ID: 3, CustomerID: 7, Package: models.Package{Name: "Monthly 10M", Price: 10}}
	require.NoError(t, biller.Charge(ctx, sub))

	customer, err := repo.GetCustomer(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 2.0, customer.Balance)

	ledger := repo.Ledger()
	require.Len(t, ledger, 1)
	assert.Equal(t, models.TransactionTypeRenewal, ledger[0].Type)
	assert.Equal(t, "Auto-renewal: Monthly 10M", ledger[0].Description)
	assert.Equal(t, uint(7), ledger[0].CustomerID)
	require.NotNil(t, ledger[0].SubscriptionID)
	assert.Equal(t, uint(3), *ledger[0].SubscriptionID)

	err = biller.Charge(ctx, sub)
	assert.ErrorIs(t, err, store.ErrInsufficientBalance)
	assert.Len(t, repo.Ledger(), 1)
}
