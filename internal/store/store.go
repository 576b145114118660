// Package store owns every write to the FreeRADIUS SQL tables and the
// subscription records. Nothing else in the module touches those tables.
package store

import (
	"context"

	"github.com/proisp/radsync/internal/radius"
)

// DefaultGroupPriority is the radusergroup priority written for members
const DefaultGroupPriority = 1

// GroupPolicyStore persists radgroupcheck/radgroupreply rows keyed by group name
type GroupPolicyStore interface {
	// ReplaceGroup atomically deletes every row of the group and inserts
	// the given ones.
	ReplaceGroup(ctx context.Context, groupName string, checks, replies []radius.Attribute) error
	DeleteGroup(ctx context.Context, groupName string) error
	GroupExists(ctx context.Context, groupName string) (bool, error)
	// LoadGroup returns the stored rows; an unknown group yields empty lists.
	LoadGroup(ctx context.Context, groupName string) (checks, replies []radius.Attribute, err error)
}

// UserAttributeStore persists radcheck/radreply/radusergroup rows keyed by username
type UserAttributeStore interface {
	SetPassword(ctx context.Context, username, cleartext string) error
	// SetGroupMembership leaves exactly one radusergroup row for username.
	SetGroupMembership(ctx context.Context, username, groupName string, priority int) error
	ClearGroupMembership(ctx context.Context, username string) error
	GroupMemberships(ctx context.Context, username string) ([]string, error)
	// Block writes the Reply-Message and Auth-Type := Reject rows. It never
	// touches the password or the group membership.
	Block(ctx context.Context, username, replyMessage string) error
	// Unblock removes the block rows; a missing row is not an error.
	Unblock(ctx context.Context, username string) error
	IsBlocked(ctx context.Context, username string) (bool, error)
	SetCumulativeSessionLimit(ctx context.Context, username string, seconds int64) error
	ClearCumulativeSessionLimit(ctx context.Context, username string) error
	UserAttributes(ctx context.Context, username string) (checks, replies []radius.Attribute, err error)
}

// RadiusStore is the full RADIUS attribute surface
type RadiusStore interface {
	GroupPolicyStore
	UserAttributeStore
}

// Transactor is implemented by stores that can run several writes atomically
type Transactor interface {
	Transaction(ctx context.Context, fn func(tx RadiusStore) error) error
}
