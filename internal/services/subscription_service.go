package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/proisp/radsync/internal/lifecycle"
	"github.com/proisp/radsync/internal/lock"
	"github.com/proisp/radsync/internal/metrics"
	"github.com/proisp/radsync/internal/models"
	"github.com/proisp/radsync/internal/radius"
	"github.com/proisp/radsync/internal/store"
)

// errRenewalNotDue is returned when a subscription left the renewal window
// between listing and locking
var errRenewalNotDue = errors.New("renewal not due")

// SubscriptionOptions wires a SubscriptionService
type SubscriptionOptions struct {
	Repo       store.Repository
	Sync       *Synchronizer
	Locker     lock.Locker
	Retrier    *Retrier          // optional
	Biller     Biller            // optional, needed for renewals
	Terminator SessionTerminator // optional
	Metrics    *metrics.Metrics
	Logger     *zap.Logger

	DisconnectOnBlock  bool // end live sessions on suspend and block
	DisconnectOnExpiry bool // end live sessions when a subscription expires

	Now func() time.Time
}

// SubscriptionService applies purchases, payments and admin actions to
// subscriptions and keeps RADIUS in step. Every operation holds the
// customer's username lock from the first read to the last write.
type SubscriptionService struct {
	repo       store.Repository
	sync       *Synchronizer
	locker     lock.Locker
	retrier    *Retrier
	biller     Biller
	terminator SessionTerminator
	metrics    *metrics.Metrics
	logger     *zap.Logger

	disconnectOnBlock  bool
	disconnectOnExpiry bool
	now                func() time.Time
}

// NewSubscriptionService creates a subscription service
func NewSubscriptionService(opts SubscriptionOptions) *SubscriptionService {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewLocalLocker()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SubscriptionService{
		repo:               opts.Repo,
		sync:               opts.Sync,
		locker:             opts.Locker,
		retrier:            opts.Retrier,
		biller:             opts.Biller,
		terminator:         opts.Terminator,
		metrics:            opts.Metrics,
		logger:             opts.Logger,
		disconnectOnBlock:  opts.DisconnectOnBlock,
		disconnectOnExpiry: opts.DisconnectOnExpiry,
		now:                opts.Now,
	}
}

// Purchase creates a pending subscription. Nothing is written to RADIUS
// until the payment is confirmed.
func (s *SubscriptionService) Purchase(ctx context.Context, customerID, packageID uint, autoRenew bool) (*models.Subscription, error) {
	customer, err := s.repo.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	pkg, err := s.repo.GetPackage(ctx, packageID)
	if err != nil {
		return nil, err
	}
	if !pkg.IsActive {
		return nil, &radius.ValidationError{Field: "is_active", Reason: fmt.Sprintf("package %d is not offered", pkg.ID)}
	}
	if _, err := radius.ValidatePackage(pkg); err != nil {
		return nil, err
	}

	sub := &models.Subscription{
		CustomerID: customer.ID,
		PackageID:  pkg.ID,
		Status:     models.SubscriptionStatusPending,
		AutoRenew:  autoRenew,
	}
	if err := s.retrier.Do(ctx, "create subscription", func(ctx context.Context) error {
		return s.repo.CreateSubscription(ctx, sub)
	}); err != nil {
		return nil, err
	}
	sub.Customer = *customer
	sub.Package = *pkg

	s.logger.Info("SubscriptionService: purchase created",
		zap.Uint("subscription_id", sub.ID),
		zap.String("username", customer.Username),
		zap.String("package", pkg.Name))
	return sub, nil
}

// ConfirmPayment activates a pending subscription for one package period.
// Other active or suspended subscriptions of the customer are superseded.
// A blocked one stops the activation with an InconsistentStateError.
// Confirming an active subscription again resyncs it and supersedes any
// sibling left current by an earlier attempt that failed half way.
func (s *SubscriptionService) ConfirmPayment(ctx context.Context, id uint) (*models.Subscription, error) {
	var result *models.Subscription
	err := s.withSubscription(ctx, id, func(sub *models.Subscription) error {
		result = sub
		if sub.Status == models.SubscriptionStatusPending {
			if _, err := radius.ValidatePackage(&sub.Package); err != nil {
				return err
			}
		}

		current, err := s.repo.CurrentForCustomer(ctx, sub.CustomerID)
		if err != nil {
			return err
		}
		var siblings []models.Subscription
		for _, sib := range current {
			if sib.ID == sub.ID {
				continue
			}
			if sib.Status == models.SubscriptionStatusBlocked {
				return &lifecycle.InconsistentStateError{
					SubscriptionID: sub.ID,
					Status:         sub.Status,
					Event:          lifecycle.EventPaymentConfirmed,
					Reason:         fmt.Sprintf("customer has blocked subscription %d", sib.ID),
				}
			}
			siblings = append(siblings, sib)
		}

		now := s.now()
		if sub.Status == models.SubscriptionStatusActive {
			if len(siblings) == 0 {
				return nil // duplicate confirmation
			}
			if err := s.syncRetry(ctx, sub); err != nil {
				return err
			}
		} else if _, err := s.transition(ctx, sub, lifecycle.Input{
			Event:  lifecycle.EventPaymentConfirmed,
			Now:    now,
			Period: sub.Package.Duration(),
		}, true); err != nil {
			return err
		}

		for i := range siblings {
			if err := s.supersede(ctx, &siblings[i], sub.ID, now); err != nil {
				return err
			}
		}
		return nil
	})
	return result, err
}

// supersede expires a subscription replaced by a newer purchase. RADIUS
// already follows the new subscription, so only the record changes.
func (s *SubscriptionService) supersede(ctx context.Context, sib *models.Subscription, by uint, now time.Time) error {
	d, err := lifecycle.Decide(sib, lifecycle.Input{Event: lifecycle.EventSupersede, Now: now})
	if err != nil {
		return err
	}
	lifecycle.Apply(sib, d)
	sib.Notes = appendNote(sib.Notes, fmt.Sprintf("superseded by subscription %d", by))
	if err := s.save(ctx, sib); err != nil {
		return err
	}
	s.recordTransition(sib, d)
	return nil
}

// FailPayment marks a pending subscription failed. The user never had
// access through it, so RADIUS is not touched.
func (s *SubscriptionService) FailPayment(ctx context.Context, id uint) (*models.Subscription, error) {
	sub, _, err := s.apply(ctx, id, lifecycle.Input{Event: lifecycle.EventPaymentFailed}, false)
	return sub, err
}

// Suspend denies service until Resume. reason is shown to the user.
func (s *SubscriptionService) Suspend(ctx context.Context, id uint, reason string) (*models.Subscription, error) {
	sub, _, err := s.apply(ctx, id, lifecycle.Input{Event: lifecycle.EventSuspend, Reason: reason}, true)
	return sub, err
}

// Block denies service until Unblock. reason is shown to the user.
func (s *SubscriptionService) Block(ctx context.Context, id uint, reason string) (*models.Subscription, error) {
	sub, _, err := s.apply(ctx, id, lifecycle.Input{Event: lifecycle.EventBlock, Reason: reason}, true)
	return sub, err
}

// Resume reactivates a suspended subscription, or expires it if its period
// ended meanwhile.
func (s *SubscriptionService) Resume(ctx context.Context, id uint) (*models.Subscription, error) {
	sub, _, err := s.apply(ctx, id, lifecycle.Input{Event: lifecycle.EventResume}, true)
	return sub, err
}

// Unblock reactivates a blocked subscription, or expires it if its period
// ended meanwhile.
func (s *SubscriptionService) Unblock(ctx context.Context, id uint) (*models.Subscription, error) {
	sub, _, err := s.apply(ctx, id, lifecycle.Input{Event: lifecycle.EventUnblock}, true)
	return sub, err
}

// CheckExpiry expires the subscription if its period has ended
func (s *SubscriptionService) CheckExpiry(ctx context.Context, id uint) (*models.Subscription, error) {
	sub, _, err := s.expireAt(ctx, id, s.now())
	return sub, err
}

func (s *SubscriptionService) expireAt(ctx context.Context, id uint, now time.Time) (*models.Subscription, lifecycle.Decision, error) {
	return s.apply(ctx, id, lifecycle.Input{Event: lifecycle.EventExpire, Now: now}, true)
}

// Resync rewrites RADIUS for the subscription's username from the stored
// status without changing it
func (s *SubscriptionService) Resync(ctx context.Context, id uint) error {
	return s.withSubscription(ctx, id, func(sub *models.Subscription) error {
		target, err := s.governing(ctx, sub)
		if err != nil {
			return err
		}
		return s.syncRetry(ctx, target)
	})
}

// renewAt charges and extends an active subscription that expires within
// lookahead, bounded by one package period
func (s *SubscriptionService) renewAt(ctx context.Context, id uint, now time.Time, lookahead time.Duration) (*models.Subscription, error) {
	if s.biller == nil {
		return nil, errors.New("renewal: no biller configured")
	}
	var result *models.Subscription
	err := s.withSubscription(ctx, id, func(sub *models.Subscription) error {
		result = sub
		if !renewalDue(sub, now, lookahead) {
			return errRenewalNotDue
		}
		if sub.Package.DeletedAt.Valid || !sub.Package.IsActive {
			return &radius.ValidationError{Field: "package", Reason: fmt.Sprintf("package %d is no longer offered", sub.PackageID)}
		}

		if err := s.biller.Charge(ctx, sub); err != nil {
			return err
		}
		_, err := s.transition(ctx, sub, lifecycle.Input{
			Event:  lifecycle.EventRenew,
			Now:    now,
			Period: sub.Package.Duration(),
		}, true)
		if err != nil {
			s.logger.Error("SubscriptionService: renewal charged but not applied",
				zap.Uint("subscription_id", sub.ID),
				zap.Uint("customer_id", sub.CustomerID),
				zap.Error(err))
		}
		return err
	})
	return result, err
}

// renewalDue reports whether sub is active, unexpired and expires within
// lookahead and within one package period
func renewalDue(sub *models.Subscription, now time.Time, lookahead time.Duration) bool {
	if sub.Status != models.SubscriptionStatusActive || !sub.AutoRenew || sub.ExpiresAt == nil || sub.IsExpiredAt(now) {
		return false
	}
	window := lookahead
	if period := sub.Package.Duration(); period > 0 && period < window {
		window = period
	}
	return !sub.ExpiresAt.After(now.Add(window))
}

// apply runs one event under the username lock and ends live sessions
// afterwards when the event took access away
func (s *SubscriptionService) apply(ctx context.Context, id uint, in lifecycle.Input, writeRadius bool) (*models.Subscription, lifecycle.Decision, error) {
	var (
		result *models.Subscription
		d      lifecycle.Decision
	)
	err := s.withSubscription(ctx, id, func(sub *models.Subscription) error {
		result = sub
		if in.Now.IsZero() {
			in.Now = s.now()
		}
		var err error
		d, err = s.transition(ctx, sub, in, writeRadius)
		return err
	})
	if err != nil {
		return result, d, err
	}
	if d.Changed && d.TerminateSessions {
		s.terminate(ctx, result, d)
	}
	return result, d, nil
}

// transition decides in for sub, then persists and syncs the result so that
// a failure in between leaves the user with less access, never more:
// granting saves before syncing, denying syncs before saving.
func (s *SubscriptionService) transition(ctx context.Context, sub *models.Subscription, in lifecycle.Input, writeRadius bool) (lifecycle.Decision, error) {
	d, err := lifecycle.Decide(sub, in)
	if err != nil {
		return d, err
	}
	if !d.Changed && d.ExpiresAt == nil {
		return d, nil
	}

	next := *sub
	lifecycle.Apply(&next, d)

	if !writeRadius {
		if err := s.save(ctx, &next); err != nil {
			return d, err
		}
	} else if lifecycle.TargetFor(&next).Access {
		if err := s.save(ctx, &next); err != nil {
			return d, err
		}
		if err := s.syncRetry(ctx, &next); err != nil {
			*sub = next
			return d, err
		}
	} else {
		target, err := s.governing(ctx, &next)
		if err != nil {
			return d, err
		}
		if err := s.syncRetry(ctx, target); err != nil {
			return d, err
		}
		if err := s.save(ctx, &next); err != nil {
			return d, err
		}
	}

	*sub = next
	if d.Changed {
		s.recordTransition(sub, d)
	}
	return d, nil
}

// governing returns the subscription that decides the username's RADIUS
// state: sub itself, unless sub no longer holds a period and another
// unexpired one of the same customer does
func (s *SubscriptionService) governing(ctx context.Context, sub *models.Subscription) (*models.Subscription, error) {
	switch sub.Status {
	case models.SubscriptionStatusActive, models.SubscriptionStatusSuspended, models.SubscriptionStatusBlocked:
		return sub, nil
	}
	current, err := s.repo.CurrentForCustomer(ctx, sub.CustomerID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := len(current) - 1; i >= 0; i-- {
		c := &current[i]
		if c.ID != sub.ID && !c.IsExpiredAt(now) {
			return c, nil
		}
	}
	return sub, nil
}

func (s *SubscriptionService) terminate(ctx context.Context, sub *models.Subscription, d lifecycle.Decision) {
	if s.terminator == nil {
		return
	}
	if d.To == models.SubscriptionStatusExpired && !s.disconnectOnExpiry {
		return
	}
	if d.To != models.SubscriptionStatusExpired && !s.disconnectOnBlock {
		return
	}
	n, err := s.terminator.Terminate(ctx, sub.Customer.Username)
	if err != nil {
		s.logger.Warn("SubscriptionService: failed to terminate sessions",
			zap.Uint("subscription_id", sub.ID),
			zap.String("username", sub.Customer.Username),
			zap.Int("disconnected", n),
			zap.Error(err))
	}
}

// withSubscription loads the subscription, locks its username and hands fn
// a copy reloaded under the lock
func (s *SubscriptionService) withSubscription(ctx context.Context, id uint, fn func(sub *models.Subscription) error) error {
	sub, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	key := lockKey(sub)
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()

	sub, err = s.load(ctx, id)
	if err != nil {
		return err
	}
	return fn(sub)
}

func lockKey(sub *models.Subscription) string {
	if sub.Customer.Username != "" {
		return sub.Customer.Username
	}
	return fmt.Sprintf("customer:%d", sub.CustomerID)
}

func (s *SubscriptionService) load(ctx context.Context, id uint) (*models.Subscription, error) {
	var sub *models.Subscription
	err := s.retrier.Do(ctx, "get subscription", func(ctx context.Context) error {
		var err error
		sub, err = s.repo.GetSubscription(ctx, id)
		return err
	})
	return sub, err
}

func (s *SubscriptionService) save(ctx context.Context, sub *models.Subscription) error {
	return s.retrier.Do(ctx, "save subscription", func(ctx context.Context) error {
		return s.repo.SaveSubscription(ctx, sub)
	})
}

func (s *SubscriptionService) syncRetry(ctx context.Context, sub *models.Subscription) error {
	return s.retrier.Do(ctx, "sync", func(ctx context.Context) error {
		return s.sync.Sync(ctx, sub)
	})
}

func (s *SubscriptionService) recordTransition(sub *models.Subscription, d lifecycle.Decision) {
	s.metrics.RecordTransition(string(d.From), string(d.To))
	s.logger.Info("SubscriptionService: status changed",
		zap.Uint("subscription_id", sub.ID),
		zap.String("username", sub.Customer.Username),
		zap.String("event", string(d.Event)),
		zap.String("from", string(d.From)),
		zap.String("to", string(d.To)),
		zap.Bool("forced", d.Forced))
}

func appendNote(notes, note string) string {
	if notes == "" {
		return note
	}
	return notes + "\n" + note
}
