// Package lifecycle decides subscription status transitions. It performs no
// I/O: callers persist the result and hand it to the synchronizer.
package lifecycle

import (
	"time"

	"github.com/proisp/radsync/internal/models"
	"github.com/proisp/radsync/internal/radius"
)

// Event is something that happened to a subscription
type Event string

const (
	EventPaymentConfirmed Event = "payment_confirmed"
	EventPaymentFailed    Event = "payment_failed"
	EventExpire           Event = "expire" // time passed; expires only if due
	EventSuspend          Event = "suspend"
	EventBlock            Event = "block"
	EventResume           Event = "resume"
	EventUnblock          Event = "unblock"
	EventSupersede        Event = "supersede" // another purchase took over
	EventRenew            Event = "renew"     // paid extension of an active period
)

// Input is an event together with what it needs to be decided
type Input struct {
	Event  Event
	Now    time.Time
	Reason string
	// Period is the package duration; required for payment and renewal.
	Period time.Duration
}

// Decision is the outcome of applying an Input to a subscription
type Decision struct {
	Event   Event
	From    models.SubscriptionStatus
	To      models.SubscriptionStatus
	Changed bool
	// Forced is set when the expiry guard replaced the requested status
	// with expired.
	Forced bool
	// TerminateSessions asks the caller to disconnect live sessions
	TerminateSessions bool
	Reason            string

	// Set when the billed period (re)starts or extends
	StartsAt      *time.Time
	ExpiresAt     *time.Time
	ResetDataUsed bool
}

// Decide computes the transition for sub. It never mutates sub.
func Decide(sub *models.Subscription, in Input) (Decision, error) {
	d := Decision{Event: in.Event, From: sub.Status, To: sub.Status, Reason: in.Reason}
	expired := sub.IsExpiredAt(in.Now)

	reject := func(reason string) (Decision, error) {
		return Decision{}, &InconsistentStateError{SubscriptionID: sub.ID, Status: sub.Status, Event: in.Event, Reason: reason}
	}

	// Expiry guard: an active subscription past its expiry can only become
	// expired, whatever was asked.
	if sub.Status == models.SubscriptionStatusActive && expired && in.Event != EventSupersede {
		d.To = models.SubscriptionStatusExpired
		d.Changed = true
		d.Forced = in.Event != EventExpire
		d.TerminateSessions = true
		d.Reason = ""
		return d, nil
	}

	switch in.Event {
	case EventExpire:
		return d, nil

	case EventPaymentConfirmed:
		switch sub.Status {
		case models.SubscriptionStatusPending:
			if in.Period <= 0 {
				return reject("package has no duration")
			}
			start := in.Now
			end := start.Add(in.Period)
			d.To = models.SubscriptionStatusActive
			d.Changed = true
			d.StartsAt = &start
			d.ExpiresAt = &end
			d.ResetDataUsed = true
			return d, nil
		case models.SubscriptionStatusActive:
			return d, nil // duplicate confirmation
		}
		return reject("only pending subscriptions can be paid")

	case EventPaymentFailed:
		switch sub.Status {
		case models.SubscriptionStatusPending:
			d.To = models.SubscriptionStatusFailed
			d.Changed = true
			return d, nil
		case models.SubscriptionStatusFailed:
			return d, nil
		}
		return reject("only pending subscriptions can fail payment")

	case EventSuspend:
		switch sub.Status {
		case models.SubscriptionStatusActive:
			d.To = models.SubscriptionStatusSuspended
			d.Changed = true
			d.TerminateSessions = true
			return d, nil
		case models.SubscriptionStatusSuspended:
			return d, nil
		}
		return reject("only active subscriptions can be suspended")

	case EventBlock:
		switch sub.Status {
		case models.SubscriptionStatusActive, models.SubscriptionStatusSuspended:
			d.To = models.SubscriptionStatusBlocked
			d.Changed = true
			d.TerminateSessions = sub.Status == models.SubscriptionStatusActive
			return d, nil
		case models.SubscriptionStatusBlocked:
			return d, nil
		}
		return reject("only active or suspended subscriptions can be blocked")

	case EventResume:
		switch sub.Status {
		case models.SubscriptionStatusSuspended:
			return reactivate(d, expired), nil
		case models.SubscriptionStatusActive:
			return d, nil
		}
		return reject("only suspended subscriptions can be resumed")

	case EventUnblock:
		switch sub.Status {
		case models.SubscriptionStatusBlocked:
			return reactivate(d, expired), nil
		case models.SubscriptionStatusActive:
			return d, nil
		}
		return reject("only blocked subscriptions can be unblocked")

	case EventSupersede:
		switch sub.Status {
		case models.SubscriptionStatusActive, models.SubscriptionStatusSuspended:
			d.To = models.SubscriptionStatusExpired
			d.Changed = true
			return d, nil
		}
		return reject("only active or suspended subscriptions can be superseded")

	case EventRenew:
		if sub.Status != models.SubscriptionStatusActive {
			return reject("only active subscriptions can be renewed")
		}
		if in.Period <= 0 {
			return reject("package has no duration")
		}
		base := in.Now
		if sub.ExpiresAt != nil && sub.ExpiresAt.After(base) {
			base = *sub.ExpiresAt
		}
		end := base.Add(in.Period)
		d.ExpiresAt = &end
		return d, nil
	}

	return reject("unknown event")
}

// reactivate applies the expiry guard to a transition back into active
func reactivate(d Decision, expired bool) Decision {
	d.Changed = true
	d.Reason = ""
	if expired {
		d.To = models.SubscriptionStatusExpired
		d.Forced = true
		return d
	}
	d.To = models.SubscriptionStatusActive
	return d
}

// Apply writes a decision onto sub
func Apply(sub *models.Subscription, d Decision) {
	sub.Status = d.To
	if d.StartsAt != nil {
		t := *d.StartsAt
		sub.StartsAt = &t
	}
	if d.ExpiresAt != nil {
		t := *d.ExpiresAt
		sub.ExpiresAt = &t
	}
	if d.ResetDataUsed {
		sub.DataUsed = 0
	}
	switch d.To {
	case models.SubscriptionStatusSuspended, models.SubscriptionStatusBlocked:
		if d.Reason != "" || d.Changed {
			sub.StatusReason = d.Reason
		}
	default:
		sub.StatusReason = ""
	}
}

// Target is the RADIUS state a subscription status requires
type Target struct {
	// Access grants group membership and removes any block
	Access bool
	Block  radius.BlockReason
}

// TargetFor returns the RADIUS state required by sub's status. Every
// status except active denies access.
func TargetFor(sub *models.Subscription) Target {
	switch sub.Status {
	case models.SubscriptionStatusActive:
		return Target{Access: true}
	case models.SubscriptionStatusSuspended:
		return Target{Block: radius.BlockReason{Kind: radius.BlockSuspended, Detail: sub.StatusReason}}
	case models.SubscriptionStatusBlocked:
		return Target{Block: radius.BlockReason{Kind: radius.BlockBlocked, Detail: sub.StatusReason}}
	case models.SubscriptionStatusExpired:
		return Target{Block: radius.BlockReason{Kind: radius.BlockExpired}}
	case models.SubscriptionStatusFailed:
		return Target{Block: radius.BlockReason{Kind: radius.BlockFailed}}
	case models.SubscriptionStatusPending:
		// Pending is blocked too, not left without rows. Sync always writes
		// the password, and a user with a password and no group or block
		// row would authenticate with no limits.
		return Target{Block: radius.BlockReason{Kind: radius.BlockPending}}
	}
	return Target{Block: radius.BlockReason{Kind: radius.BlockBlocked}}
}
