package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/proisp/radsync/internal/models"
	"github.com/proisp/radsync/internal/store"
)

// Biller charges a customer for one more period of a subscription
type Biller interface {
	Charge(ctx context.Context, sub *models.Subscription) error
}

// WalletBiller pays renewals from the customer's balance
type WalletBiller struct {
	wallet store.WalletRepository
	logger *zap.Logger
}

// NewWalletBiller creates a biller over the wallet repository
func NewWalletBiller(wallet store.WalletRepository, logger *zap.Logger) *WalletBiller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WalletBiller{wallet: wallet, logger: logger}
}

// Charge debits the package price and records a renewal transaction.
// A short balance returns store.ErrInsufficientBalance.
func (b *WalletBiller) Charge(ctx context.Context, sub *models.Subscription) error {
	subID := sub.ID
	entry := &models.Transaction{
		Type:           models.TransactionTypeRenewal,
		Description:    fmt.Sprintf("Auto-renewal: %s", sub.Package.Name),
		PackageName:    sub.Package.Name,
		SubscriptionID: &subID,
	}
	if err := b.wallet.Debit(ctx, sub.CustomerID, sub.Package.Price, entry); err != nil {
		return err
	}
	b.logger.Info("WalletBiller: charged renewal",
		zap.Uint("subscription_id", sub.ID),
		zap.Uint("customer_id", sub.CustomerID),
		zap.Float64("amount", entry.Amount),
		zap.Float64("balance_after", entry.BalanceAfter))
	return nil
}
