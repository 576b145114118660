package lifecycle

import (
	"fmt"

	"github.com/proisp/radsync/internal/models"
)

// InconsistentStateError reports an event that cannot be applied to a
// subscription in its current status. It is not retryable: the caller has
// to reload the subscription and decide again.
type InconsistentStateError struct {
	SubscriptionID uint
	Status         models.SubscriptionStatus
	Event          Event
	Reason         string
}

func (e *InconsistentStateError) Error() string {
	msg := fmt.Sprintf("subscription %d: cannot apply %s in status %s", e.SubscriptionID, e.Event, e.Status)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}
