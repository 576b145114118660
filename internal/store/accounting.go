package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/proisp/radsync/internal/models"
)

// StaleTerminateCause is written to acctterminatecause for sessions closed by cleanup
const StaleTerminateCause = "Stale-Session-Cleanup"

// OpenSession is a live accounting session together with the NAS that
// carries it
type OpenSession struct {
	SessionID string
	NasIP     string
	Secret    string // empty when the NAS is unknown
	CoAPort   int
}

// AccountingStore reads radacct. CloseStaleSessions is the only write.
type AccountingStore interface {
	// UsageSince sums input and output octets of sessions started at or after since
	UsageSince(ctx context.Context, username string, since time.Time) (int64, error)
	// SessionSecondsBefore sums session time of sessions started before t
	SessionSecondsBefore(ctx context.Context, username string, t time.Time) (int64, error)
	OpenSessions(ctx context.Context, username string) ([]OpenSession, error)
	// CloseStaleSessions stops open sessions with no update since before
	CloseStaleSessions(ctx context.Context, before time.Time) (int64, error)
}

// GormAccounting implements AccountingStore over the FreeRADIUS radacct table
type GormAccounting struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormAccounting creates an accounting reader over db
func NewGormAccounting(db *gorm.DB) *GormAccounting {
	return &GormAccounting{db: db, now: time.Now}
}

var _ AccountingStore = (*GormAccounting)(nil)

func (a *GormAccounting) UsageSince(ctx context.Context, username string, since time.Time) (int64, error) {
	var total int64
	err := a.db.WithContext(ctx).Model(&models.RadAcct{}).
		Select("COALESCE(SUM(acctinputoctets + acctoutputoctets), 0)").
		Where("username = ? AND acctstarttime >= ?", username, since).
		Scan(&total).Error
	return total, wrap("usage since", err)
}

func (a *GormAccounting) SessionSecondsBefore(ctx context.Context, username string, t time.Time) (int64, error) {
	var total int64
	err := a.db.WithContext(ctx).Model(&models.RadAcct{}).
		Select("COALESCE(SUM(acctsessiontime), 0)").
		Where("username = ? AND acctstarttime < ?", username, t).
		Scan(&total).Error
	return total, wrap("session seconds", err)
}

func (a *GormAccounting) OpenSessions(ctx context.Context, username string) ([]OpenSession, error) {
	var rows []struct {
		AcctSessionID string  `gorm:"column:acctsessionid"`
		NasIPAddress  string  `gorm:"column:nasipaddress"`
		Secret        *string `gorm:"column:secret"`
		CoAPort       *int    `gorm:"column:coa_port"`
	}
	err := a.db.WithContext(ctx).Table("radacct").
		Select("radacct.acctsessionid, radacct.nasipaddress, nas.secret, nas.coa_port").
		Joins("LEFT JOIN nas ON nas.ip_address = radacct.nasipaddress AND nas.is_active = ? AND nas.deleted_at IS NULL", true).
		Where("radacct.username = ? AND radacct.acctstoptime IS NULL", username).
		Order("radacct.radacctid").
		Scan(&rows).Error
	if err != nil {
		return nil, wrap("open sessions", err)
	}

	sessions := make([]OpenSession, 0, len(rows))
	for _, r := range rows {
		s := OpenSession{SessionID: r.AcctSessionID, NasIP: r.NasIPAddress}
		if r.Secret != nil {
			s.Secret = *r.Secret
		}
		if r.CoAPort != nil {
			s.CoAPort = *r.CoAPort
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func (a *GormAccounting) CloseStaleSessions(ctx context.Context, before time.Time) (int64, error) {
	res := a.db.WithContext(ctx).Exec(`
		UPDATE radacct
		SET acctstoptime = ?,
		    acctterminatecause = ?
		WHERE acctstoptime IS NULL
		AND (acctupdatetime IS NULL OR acctupdatetime < ?)
		AND (acctstarttime < ?)
	`, a.now().UTC(), StaleTerminateCause, before, before)
	if res.Error != nil {
		return 0, wrap("close stale sessions", res.Error)
	}
	return res.RowsAffected, nil
}

// MemoryAccounting is an in-process AccountingStore
type MemoryAccounting struct {
	mu   sync.Mutex
	rows []models.RadAcct
	nas  map[string]models.Nas
	now  func() time.Time
}

// NewMemoryAccounting creates an empty accounting table
func NewMemoryAccounting() *MemoryAccounting {
	return &MemoryAccounting{nas: make(map[string]models.Nas), now: time.Now}
}

var _ AccountingStore = (*MemoryAccounting)(nil)

// AddSession appends a radacct row
func (a *MemoryAccounting) AddSession(row models.RadAcct) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if row.RadAcctID == 0 {
		row.RadAcctID = uint(len(a.rows) + 1)
	}
	a.rows = append(a.rows, row)
}

// PutNas registers a NAS by IP address
func (a *MemoryAccounting) PutNas(n models.Nas) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nas[n.IPAddress] = n
}

// Sessions returns a copy of every row
func (a *MemoryAccounting) Sessions() []models.RadAcct {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.RadAcct(nil), a.rows...)
}

func (a *MemoryAccounting) UsageSince(ctx context.Context, username string, since time.Time) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total int64
	for _, r := range a.rows {
		if r.Username == username && r.AcctStartTime != nil && !r.AcctStartTime.Before(since) {
			total += r.AcctInputOctets + r.AcctOutputOctets
		}
	}
	return total, nil
}

func (a *MemoryAccounting) SessionSecondsBefore(ctx context.Context, username string, t time.Time) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total int64
	for _, r := range a.rows {
		if r.Username == username && r.AcctStartTime != nil && r.AcctStartTime.Before(t) {
			total += r.AcctSessionTime
		}
	}
	return total, nil
}

func (a *MemoryAccounting) OpenSessions(ctx context.Context, username string) ([]OpenSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []OpenSession
	for _, r := range a.rows {
		if r.Username != username || r.AcctStopTime != nil {
			continue
		}
		s := OpenSession{SessionID: r.AcctSessionID, NasIP: r.NasIPAddress}
		if n, ok := a.nas[r.NasIPAddress]; ok && n.IsActive {
			s.Secret = n.Secret
			s.CoAPort = n.CoAPort
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func (a *MemoryAccounting) CloseStaleSessions(ctx context.Context, before time.Time) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	var closed int64
	for i := range a.rows {
		r := &a.rows[i]
		if r.AcctStopTime != nil || r.AcctStartTime == nil || !r.AcctStartTime.Before(before) {
			continue
		}
		if r.AcctUpdateTime != nil && !r.AcctUpdateTime.Before(before) {
			continue
		}
		r.AcctStopTime = &now
		r.AcctTerminateCause = StaleTerminateCause
		closed++
	}
	return closed, nil
}
