package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proisp/radsync/internal/models"
	"github.com/proisp/radsync/internal/radius"
)

func TestSetGroupMembership_SingleRow(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.SetGroupMembership(ctx, "alice", radius.GroupName(uint(i)), DefaultGroupPriority))
		groups, err := s.GroupMemberships(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, groups, 1)
		assert.Equal(t, radius.GroupName(uint(i)), groups[0])
	}

	require.NoError(t, s.ClearGroupMembership(ctx, "alice"))
	groups, err := s.GroupMemberships(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestBlockUnblock(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.SetPassword(ctx, "bob", "secret"))
	require.NoError(t, s.SetGroupMembership(ctx, "bob", "package_1", 1))

	require.NoError(t, s.Block(ctx, "bob", "expired"))
	require.NoError(t, s.Block(ctx, "bob", "expired again"))

	blocked, err := s.IsBlocked(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, blocked)

	checks, replies, err := s.UserAttributes(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, replies, 1)
	assert.Equal(t, "expired again", replies[0].Value)
	at, ok := radius.Find(checks, radius.AttrAuthType)
	require.True(t, ok)
	assert.Equal(t, radius.AuthTypeReject, at.Value)

	groups, _ := s.GroupMemberships(ctx, "bob")
	assert.Equal(t, []string{"package_1"}, groups, "block must not touch membership")
	pw, ok := radius.Find(checks, radius.AttrCleartextPassword)
	require.True(t, ok, "block must not touch the password")
	assert.Equal(t, "secret", pw.Value)

	require.NoError(t, s.Unblock(ctx, "bob"))
	require.NoError(t, s.Unblock(ctx, "bob"), "unblocking twice is a no-op")
	blocked, _ = s.IsBlocked(ctx, "bob")
	assert.False(t, blocked)

	checks, replies, _ = s.UserAttributes(ctx, "bob")
	assert.Empty(t, replies)
	assert.Equal(t, []radius.Attribute{radius.Set(radius.AttrCleartextPassword, "secret")}, checks)
}

func TestSetPasswordUpsertsInPlace(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.SetPassword(ctx, "carol", "one"))
	require.NoError(t, s.Block(ctx, "carol", "x"))
	require.NoError(t, s.SetPassword(ctx, "carol", "two"))

	checks, _, _ := s.UserAttributes(ctx, "carol")
	require.Len(t, checks, 2)
	assert.Equal(t, radius.Set(radius.AttrCleartextPassword, "two"), checks[0])
}

func TestCumulativeSessionLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.SetCumulativeSessionLimit(ctx, "dave", 3600))
	require.NoError(t, s.SetCumulativeSessionLimit(ctx, "dave", 7200))

	checks, _, _ := s.UserAttributes(ctx, "dave")
	assert.Equal(t, []radius.Attribute{radius.SetInt(radius.AttrMaxAllSession, 7200)}, checks)

	require.NoError(t, s.ClearCumulativeSessionLimit(ctx, "dave"))
	checks, _, _ = s.UserAttributes(ctx, "dave")
	assert.Empty(t, checks)
}

func TestGroupLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	exists, err := s.GroupExists(ctx, "package_9")
	require.NoError(t, err)
	assert.False(t, exists)

	checks := []radius.Attribute{radius.SetInt(radius.AttrSimultaneousUse, 1)}
	replies := []radius.Attribute{radius.Set(radius.AttrReplyMessage, "hi")}
	require.NoError(t, s.ReplaceGroup(ctx, "package_9", checks, replies))
	require.NoError(t, s.ReplaceGroup(ctx, "package_9", checks, nil))

	gotChecks, gotReplies, err := s.LoadGroup(ctx, "package_9")
	require.NoError(t, err)
	assert.Equal(t, checks, gotChecks)
	assert.Empty(t, gotReplies, "replace must not merge")

	require.NoError(t, s.DeleteGroup(ctx, "package_9"))
	exists, _ = s.GroupExists(ctx, "package_9")
	assert.False(t, exists)
}

func TestTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.SetPassword(ctx, "erin", "pw"))

	boom := errors.New("boom")
	err := s.Transaction(ctx, func(tx RadiusStore) error {
		require.NoError(t, tx.Block(ctx, "erin", "blocked"))
		require.NoError(t, tx.SetGroupMembership(ctx, "erin", "package_1", 1))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, Snapshot{Checks: []radius.Attribute{radius.Set(radius.AttrCleartextPassword, "pw")}, Groups: []string{}}, s.UserSnapshot("erin"))

	err = s.Transaction(ctx, func(tx RadiusStore) error {
		return tx.SetGroupMembership(ctx, "erin", "package_1", 1)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"package_1"}, s.UserSnapshot("erin").Groups)
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.ReplaceGroup(ctx, "package_1", nil, []radius.Attribute{radius.Set(radius.AttrMikrotikRateLimit, "1K/2K")}))
	require.NoError(t, s.SetPassword(ctx, "frank", "pw"))

	assert.False(t, s.Authenticate("frank", "wrong").Accepted)
	assert.False(t, s.Authenticate("nobody", "pw").Accepted)

	res := s.Authenticate("frank", "pw")
	assert.True(t, res.Accepted)
	assert.Empty(t, res.Groups)

	require.NoError(t, s.SetGroupMembership(ctx, "frank", "package_1", 1))
	res = s.Authenticate("frank", "pw")
	assert.Equal(t, []string{"package_1"}, res.Groups)
	assert.Contains(t, res.Replies, radius.Set(radius.AttrMikrotikRateLimit, "1K/2K"))

	require.NoError(t, s.Block(ctx, "frank", "no"))
	assert.False(t, s.Authenticate("frank", "pw").Accepted)
}

func TestAuthenticateMergesGroupChecksAfterUser(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.ReplaceGroup(ctx, "package_1", []radius.Attribute{
		radius.SetInt(radius.AttrSimultaneousUse, 1),
		radius.DefaultInt(radius.AttrMaxAllSession, 86400),
	}, nil))
	require.NoError(t, s.SetPassword(ctx, "gina", "pw"))
	require.NoError(t, s.SetGroupMembership(ctx, "gina", "package_1", 1))

	res := s.Authenticate("gina", "pw")
	mas, _ := radius.Find(res.Checks, radius.AttrMaxAllSession)
	assert.Equal(t, "86400", mas.Value)

	// A user row survives the group default but not a group ":="
	require.NoError(t, s.SetCumulativeSessionLimit(ctx, "gina", 90000))

	res = s.Authenticate("gina", "pw")
	mas, _ = radius.Find(res.Checks, radius.AttrMaxAllSession)
	assert.Equal(t, "90000", mas.Value)

	require.NoError(t, s.ReplaceGroup(ctx, "package_1", []radius.Attribute{radius.SetInt(radius.AttrMaxAllSession, 86400)}, nil))
	res = s.Authenticate("gina", "pw")
	mas, _ = radius.Find(res.Checks, radius.AttrMaxAllSession)
	assert.Equal(t, "86400", mas.Value)
}

func TestErrorClassification(t *testing.T) {
	err := wrap("op", fmt.Errorf("dial tcp: connection refused"))
	assert.True(t, IsRetryable(err))
	var uerr *UnavailableError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "op", uerr.Op)

	assert.NoError(t, wrap("op", nil))
	assert.False(t, IsRetryable(ErrNotFound))
}

func TestMemoryRepositoryQueries(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	soon := now.Add(2 * time.Hour)
	later := now.Add(48 * time.Hour)

	pkg := &models.Package{Name: "p", DurationValue: 1, DurationUnit: models.DurationUnitDay}
	require.NoError(t, r.SavePackage(ctx, pkg))
	r.PutCustomer(models.Customer{ID: 1, Username: "u1"})

	subs := []*models.Subscription{
		{CustomerID: 1, PackageID: pkg.ID, Status: models.SubscriptionStatusActive, ExpiresAt: &past},
		{CustomerID: 1, PackageID: pkg.ID, Status: models.SubscriptionStatusActive, ExpiresAt: &soon, AutoRenew: true},
		{CustomerID: 1, PackageID: pkg.ID, Status: models.SubscriptionStatusActive, ExpiresAt: &later, AutoRenew: true},
		{CustomerID: 1, PackageID: pkg.ID, Status: models.SubscriptionStatusSuspended, ExpiresAt: &past},
	}
	for _, s := range subs {
		require.NoError(t, r.CreateSubscription(ctx, s))
	}

	expired, err := r.ExpiredActive(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, subs[0].ID, expired[0].ID)
	assert.Equal(t, "u1", expired[0].Customer.Username)
	assert.Equal(t, "p", expired[0].Package.Name)

	due, err := r.AutoRenewDue(ctx, now, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, subs[1].ID, due[0].ID)

	current, _ := r.CurrentForCustomer(ctx, 1)
	assert.Len(t, current, 4)

	require.NoError(t, r.DeletePackage(ctx, pkg.ID))
	_, err = r.GetPackage(ctx, pkg.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := r.GetSubscription(ctx, subs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "p", got.Package.Name, "deleted packages still describe subscriptions")
}

func TestRemoveLegacySessionTimeouts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.ReplaceGroup(ctx, "package_1",
		[]radius.Attribute{radius.SetInt(radius.AttrSessionTimeout, 3600), radius.SetInt(radius.AttrMaxAllSession, 3600)},
		[]radius.Attribute{radius.SetInt(radius.AttrSessionTimeout, 3600)}))

	removed, err := s.RemoveLegacySessionTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	checks, replies, _ := s.LoadGroup(ctx, "package_1")
	assert.Equal(t, []radius.Attribute{radius.SetInt(radius.AttrMaxAllSession, 3600)}, checks)
	assert.Empty(t, replies)
}

func TestMemoryRepositoryDebit(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	r.PutCustomer(models.Customer{ID: 7, Username: "u7", Balance: 15})

	require.NoError(t, r.Debit(ctx, 7, 10, &models.Transaction{Type: models.TransactionTypeRenewal}))
	err := r.Debit(ctx, 7, 10, &models.Transaction{Type: models.TransactionTypeRenewal})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.False(t, IsRetryable(err))

	c, _ := r.GetCustomer(ctx, 7)
	assert.Equal(t, 5.0, c.Balance)
	ledger := r.Ledger()
	require.Len(t, ledger, 1)
	assert.Equal(t, 15.0, ledger[0].BalanceBefore)
	assert.Equal(t, 5.0, ledger[0].BalanceAfter)

	assert.ErrorIs(t, r.Debit(ctx, 99, 1, &models.Transaction{}), ErrNotFound)
}

func TestMemoryAccounting(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAccounting()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }
	at := func(d time.Duration) *time.Time { t := now.Add(d); return &t }

	a.PutNas(models.Nas{IPAddress: "10.0.0.1", Secret: "s3cret", CoAPort: 3799, IsActive: true})
	a.AddSession(models.RadAcct{AcctSessionID: "old", Username: "u", NasIPAddress: "10.0.0.1",
		AcctStartTime: at(-72 * time.Hour), AcctStopTime: at(-71 * time.Hour), AcctSessionTime: 3600,
		AcctInputOctets: 100, AcctOutputOctets: 100})
	a.AddSession(models.RadAcct{AcctSessionID: "live", Username: "u", NasIPAddress: "10.0.0.1",
		AcctStartTime: at(-10 * time.Minute), AcctUpdateTime: at(-time.Minute), AcctSessionTime: 540,
		AcctInputOctets: 1000, AcctOutputOctets: 2000})
	a.AddSession(models.RadAcct{AcctSessionID: "ghost", Username: "u", NasIPAddress: "10.9.9.9",
		AcctStartTime: at(-2 * time.Hour)})

	used, _ := a.UsageSince(ctx, "u", now.Add(-24*time.Hour))
	assert.Equal(t, int64(3000), used)

	secs, _ := a.SessionSecondsBefore(ctx, "u", now.Add(-24*time.Hour))
	assert.Equal(t, int64(3600), secs)

	open, _ := a.OpenSessions(ctx, "u")
	require.Len(t, open, 2)
	assert.Equal(t, OpenSession{SessionID: "ghost", NasIP: "10.9.9.9"}, open[0])
	assert.Equal(t, OpenSession{SessionID: "live", NasIP: "10.0.0.1", Secret: "s3cret", CoAPort: 3799}, open[1])

	closed, _ := a.CloseStaleSessions(ctx, now.Add(-30*time.Minute))
	assert.Equal(t, int64(1), closed)
	open, _ = a.OpenSessions(ctx, "u")
	require.Len(t, open, 1)
	assert.Equal(t, "live", open[0].SessionID)
}
