package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/proisp/radsync/internal/store"
)

// UsageReader sums accounted traffic
type UsageReader interface {
	UsageSince(ctx context.Context, username string, since time.Time) (int64, error)
}

// UsageFailure is a subscription whose usage could not be refreshed
type UsageFailure struct {
	SubscriptionID uint
	Err            error
}

// UsageRefresher copies accounted traffic into subscriptions' data_used
type UsageRefresher struct {
	repo   store.SubscriptionRepository
	acct   UsageReader
	logger *zap.Logger
}

// NewUsageRefresher creates a usage refresher
func NewUsageRefresher(repo store.SubscriptionRepository, acct UsageReader, logger *zap.Logger) *UsageRefresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UsageRefresher{repo: repo, acct: acct, logger: logger}
}

// Refresh sets data_used of every active subscription to the octets
// accounted since it started. It returns how many were updated.
func (u *UsageRefresher) Refresh(ctx context.Context) (int, []UsageFailure) {
	subs, err := u.repo.ListActive(ctx)
	if err != nil {
		return 0, []UsageFailure{{Err: err}}
	}

	var (
		updated  int
		failures []UsageFailure
	)
	for i := range subs {
		sub := &subs[i]
		if sub.StartsAt == nil || sub.Customer.Username == "" {
			continue
		}
		used, err := u.acct.UsageSince(ctx, sub.Customer.Username, *sub.StartsAt)
		if err != nil {
			failures = append(failures, UsageFailure{SubscriptionID: sub.ID, Err: err})
			continue
		}
		if used == sub.DataUsed {
			continue
		}
		if err := u.repo.UpdateDataUsed(ctx, sub.ID, used); err != nil {
			failures = append(failures, UsageFailure{SubscriptionID: sub.ID, Err: err})
			continue
		}
		updated++
	}

	if updated > 0 {
		u.logger.Debug("UsageRefresher: data usage updated", zap.Int("subscriptions", updated))
	}
	return updated, failures
}
