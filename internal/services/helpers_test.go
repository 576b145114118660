package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/proisp/radsync/internal/lock"
	"github.com/proisp/radsync/internal/metrics"
	"github.com/proisp/radsync/internal/models"
	"github.com/proisp/radsync/internal/radius"
	"github.com/proisp/radsync/internal/store"
)

// faultyStore wraps a RadiusStore without exposing Transaction, so every
// step of a sync is a separate write, and fails chosen calls once.
type faultyStore struct {
	store.RadiusStore

	mu       sync.Mutex
	failures map[string]error
	calls    []string
}

func newFaultyStore(inner store.RadiusStore) *faultyStore {
	return &faultyStore{RadiusStore: inner, failures: make(map[string]error)}
}

func (f *faultyStore) failOnce(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = err
}

func (f *faultyStore) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	if err, ok := f.failures[op]; ok {
		delete(f.failures, op)
		return err
	}
	return nil
}

func (f *faultyStore) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *faultyStore) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *faultyStore) ReplaceGroup(ctx context.Context, groupName string, checks, replies []radius.Attribute) error {
	if err := f.check("ReplaceGroup"); err != nil {
		return err
	}
	return f.RadiusStore.ReplaceGroup(ctx, groupName, checks, replies)
}

func (f *faultyStore) LoadGroup(ctx context.Context, groupName string) ([]radius.Attribute, []radius.Attribute, error) {
	if err := f.check("LoadGroup"); err != nil {
		return nil, nil, err
	}
	return f.RadiusStore.LoadGroup(ctx, groupName)
}

func (f *faultyStore) SetPassword(ctx context.Context, username, cleartext string) error {
	if err := f.check("SetPassword"); err != nil {
		return err
	}
	return f.RadiusStore.SetPassword(ctx, username, cleartext)
}

func (f *faultyStore) SetGroupMembership(ctx context.Context, username, groupName string, priority int) error {
	if err := f.check("SetGroupMembership"); err != nil {
		return err
	}
	return f.RadiusStore.SetGroupMembership(ctx, username, groupName, priority)
}

func (f *faultyStore) ClearGroupMembership(ctx context.Context, username string) error {
	if err := f.check("ClearGroupMembership"); err != nil {
		return err
	}
	return f.RadiusStore.ClearGroupMembership(ctx, username)
}

func (f *faultyStore) Block(ctx context.Context, username, replyMessage string) error {
	if err := f.check("Block"); err != nil {
		return err
	}
	return f.RadiusStore.Block(ctx, username, replyMessage)
}

func (f *faultyStore) Unblock(ctx context.Context, username string) error {
	if err := f.check("Unblock"); err != nil {
		return err
	}
	return f.RadiusStore.Unblock(ctx, username)
}

func (f *faultyStore) SetCumulativeSessionLimit(ctx context.Context, username string, seconds int64) error {
	if err := f.check("SetCumulativeSessionLimit"); err != nil {
		return err
	}
	return f.RadiusStore.SetCumulativeSessionLimit(ctx, username, seconds)
}

func (f *faultyStore) ClearCumulativeSessionLimit(ctx context.Context, username string) error {
	if err := f.check("ClearCumulativeSessionLimit"); err != nil {
		return err
	}
	return f.RadiusStore.ClearCumulativeSessionLimit(ctx, username)
}

// mapCache is an in-memory GroupCache
type mapCache struct {
	mu sync.Mutex
	m  map[string]string
}

func newMapCache() *mapCache { return &mapCache{m: make(map[string]string)} }

func (c *mapCache) Get(ctx context.Context, groupName string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[groupName], nil
}

func (c *mapCache) Set(ctx context.Context, groupName, fp string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[groupName] = fp
	return nil
}

func (c *mapCache) Delete(ctx context.Context, groupName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, groupName)
	return nil
}

// fakeTerminator records the usernames it was asked to disconnect
type fakeTerminator struct {
	mu    sync.Mutex
	users []string
}

func (t *fakeTerminator) Terminate(ctx context.Context, username string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.users = append(t.users, username)
	return 1, nil
}

func (t *fakeTerminator) Users() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.users...)
}

const (
	testUser     = "alice"
	testPassword = "s3cret"
)

type fixture struct {
	ctx     context.Context
	radius  *store.MemoryStore
	faulty  *faultyStore
	repo    *store.MemoryRepository
	acct    *store.MemoryAccounting
	cache   *mapCache
	metrics *metrics.Metrics
	sync    *Synchronizer
	subs    *SubscriptionService
	term    *fakeTerminator
	pkg     *models.Package

	clockMu sync.Mutex
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	f := &fixture{
		ctx:     context.Background(),
		radius:  store.NewMemoryStore(),
		repo:    store.NewMemoryRepository(),
		acct:    store.NewMemoryAccounting(),
		cache:   newMapCache(),
		metrics: metrics.New(),
		term:    &fakeTerminator{},
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.faulty = newFaultyStore(f.radius)
	f.sync = NewSynchronizer(f.faulty, nil, f.acct, f.metrics, logger)
	f.subs = NewSubscriptionService(SubscriptionOptions{
		Repo:               f.repo,
		Sync:               f.sync,
		Locker:             lock.NewLocalLocker(),
		Biller:             NewWalletBiller(f.repo, logger),
		Terminator:         f.term,
		Metrics:            f.metrics,
		Logger:             logger,
		DisconnectOnBlock:  true,
		DisconnectOnExpiry: true,
		Now:                f.Now,
	})

	f.repo.PutCustomer(models.Customer{ID: 1, Username: testUser, Password: testPassword, Balance: 25})
	f.pkg = f.addPackage(t, "Daily 2G", 1, models.DurationUnitDay)
	return f
}

func (f *fixture) Now() time.Time {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) addPackage(t *testing.T, name string, value int, unit models.DurationUnit) *models.Package {
	t.Helper()
	limit := int64(2048)
	pkg := &models.Package{
		Name:              name,
		DurationValue:     value,
		DurationUnit:      unit,
		Price:             10,
		UploadKbps:        1024,
		DownloadKbps:      2048,
		DataLimitMB:       &limit,
		SimultaneousUsers: 1,
		IsActive:          true,
	}
	require.NoError(t, f.repo.SavePackage(f.ctx, pkg))
	return pkg
}

// activate purchases pkg for customer 1 and confirms the payment
func (f *fixture) activate(t *testing.T, pkg *models.Package) *models.Subscription {
	t.Helper()
	sub, err := f.subs.Purchase(f.ctx, 1, pkg.ID, false)
	require.NoError(t, err)
	sub, err = f.subs.ConfirmPayment(f.ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, models.SubscriptionStatusActive, sub.Status)
	return sub
}

func (f *fixture) reload(t *testing.T, id uint) *models.Subscription {
	t.Helper()
	sub, err := f.repo.GetSubscription(f.ctx, id)
	require.NoError(t, err)
	return sub
}

func (f *fixture) replyMessage() string {
	_, replies, _ := f.radius.UserAttributes(f.ctx, testUser)
	a, _ := radius.Find(replies, radius.AttrReplyMessage)
	return a.Value
}
