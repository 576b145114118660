package store

import (
	"context"
	"sort"
	"sync"

	"github.com/proisp/radsync/internal/radius"
)

type membership struct {
	group    string
	priority int
}

type memoryData struct {
	groupChecks  map[string][]radius.Attribute
	groupReplies map[string][]radius.Attribute
	userChecks   map[string][]radius.Attribute
	userReplies  map[string][]radius.Attribute
	memberships  map[string][]membership
}

func newMemoryData() memoryData {
	return memoryData{
		groupChecks:  make(map[string][]radius.Attribute),
		groupReplies: make(map[string][]radius.Attribute),
		userChecks:   make(map[string][]radius.Attribute),
		userReplies:  make(map[string][]radius.Attribute),
		memberships:  make(map[string][]membership),
	}
}

func (d memoryData) clone() memoryData {
	c := newMemoryData()
	copyAttrs := func(dst, src map[string][]radius.Attribute) {
		for k, v := range src {
			dst[k] = append([]radius.Attribute(nil), v...)
		}
	}
	copyAttrs(c.groupChecks, d.groupChecks)
	copyAttrs(c.groupReplies, d.groupReplies)
	copyAttrs(c.userChecks, d.userChecks)
	copyAttrs(c.userReplies, d.userReplies)
	for k, v := range d.memberships {
		c.memberships[k] = append([]membership(nil), v...)
	}
	return c
}

// MemoryStore is an in-process RadiusStore. It mirrors the SQL tables'
// row semantics and supports transactions by copy-on-write.
type MemoryStore struct {
	mu   sync.Mutex
	data memoryData
}

// NewMemoryStore creates an empty in-memory RADIUS store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemoryData()}
}

var (
	_ RadiusStore = (*MemoryStore)(nil)
	_ Transactor  = (*MemoryStore)(nil)
)

// Transaction runs fn against a private copy and publishes it only when fn succeeds
func (s *MemoryStore) Transaction(ctx context.Context, fn func(tx RadiusStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &MemoryStore{data: s.data.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.data = tx.data
	return nil
}

func (s *MemoryStore) ReplaceGroup(ctx context.Context, groupName string, checks, replies []radius.Attribute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.groupChecks[groupName] = append([]radius.Attribute(nil), checks...)
	s.data.groupReplies[groupName] = append([]radius.Attribute(nil), replies...)
	return nil
}

func (s *MemoryStore) DeleteGroup(ctx context.Context, groupName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.groupChecks, groupName)
	delete(s.data.groupReplies, groupName)
	return nil
}

func (s *MemoryStore) GroupExists(ctx context.Context, groupName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data.groupChecks[groupName]) > 0 || len(s.data.groupReplies[groupName]) > 0, nil
}

func (s *MemoryStore) LoadGroup(ctx context.Context, groupName string) ([]radius.Attribute, []radius.Attribute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]radius.Attribute(nil), s.data.groupChecks[groupName]...),
		append([]radius.Attribute(nil), s.data.groupReplies[groupName]...), nil
}

func (s *MemoryStore) SetPassword(ctx context.Context, username, cleartext string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.userChecks[username] = upsert(s.data.userChecks[username], radius.Set(radius.AttrCleartextPassword, cleartext))
	return nil
}

func (s *MemoryStore) SetGroupMembership(ctx context.Context, username, groupName string, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.memberships[username] = []membership{{group: groupName, priority: priority}}
	return nil
}

func (s *MemoryStore) ClearGroupMembership(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.memberships, username)
	return nil
}

func (s *MemoryStore) GroupMemberships(ctx context.Context, username string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := append([]membership(nil), s.data.memberships[username]...)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].priority < rows[j].priority })
	groups := make([]string, 0, len(rows))
	for _, m := range rows {
		groups = append(groups, m.group)
	}
	return groups, nil
}

func (s *MemoryStore) Block(ctx context.Context, username, replyMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.userReplies[username] = upsert(s.data.userReplies[username], radius.Set(radius.AttrReplyMessage, replyMessage))
	s.data.userChecks[username] = upsert(s.data.userChecks[username], radius.BlockCheckAttribute())
	return nil
}

func (s *MemoryStore) Unblock(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.userReplies[username] = remove(s.data.userReplies[username], radius.AttrReplyMessage)
	s.data.userChecks[username] = remove(s.data.userChecks[username], radius.AttrAuthType)
	s.prune(username)
	return nil
}

func (s *MemoryStore) IsBlocked(ctx context.Context, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := radius.Find(s.data.userReplies[username], radius.AttrReplyMessage)
	return ok, nil
}

func (s *MemoryStore) SetCumulativeSessionLimit(ctx context.Context, username string, seconds int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.userChecks[username] = upsert(s.data.userChecks[username], radius.SetInt(radius.AttrMaxAllSession, seconds))
	return nil
}

func (s *MemoryStore) ClearCumulativeSessionLimit(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.userChecks[username] = remove(s.data.userChecks[username], radius.AttrMaxAllSession)
	s.prune(username)
	return nil
}

func (s *MemoryStore) UserAttributes(ctx context.Context, username string) ([]radius.Attribute, []radius.Attribute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]radius.Attribute(nil), s.data.userChecks[username]...),
		append([]radius.Attribute(nil), s.data.userReplies[username]...), nil
}

// RemoveLegacySessionTimeouts deletes every Session-Timeout row
func (s *MemoryStore) RemoveLegacySessionTimeouts(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for _, m := range []map[string][]radius.Attribute{s.data.groupChecks, s.data.groupReplies, s.data.userChecks, s.data.userReplies} {
		for k, attrs := range m {
			kept := remove(attrs, radius.AttrSessionTimeout)
			removed += int64(len(attrs) - len(kept))
			m[k] = kept
		}
	}
	return removed, nil
}

// Snapshot is every row stored for one user
type Snapshot struct {
	Checks  []radius.Attribute
	Replies []radius.Attribute
	Groups  []string
}

// UserSnapshot returns every row that exists for username
func (s *MemoryStore) UserSnapshot(username string) Snapshot {
	ctx := context.Background()
	checks, replies, _ := s.UserAttributes(ctx, username)
	groups, _ := s.GroupMemberships(ctx, username)
	return Snapshot{Checks: checks, Replies: replies, Groups: groups}
}

// AuthResult is what FreeRADIUS would decide for a login
type AuthResult struct {
	Accepted bool
	Groups   []string
	// Checks is the merged config list: the user's rows, then each group's
	// rows, where ":=" replaces and "=" only adds a missing attribute.
	Checks  []radius.Attribute
	Replies []radius.Attribute
}

// Authenticate evaluates a login the way rlm_sql does: the password must
// match, an Auth-Type := Reject row rejects, and group rows are merged
// after the user's.
func (s *MemoryStore) Authenticate(username, password string) AuthResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	checks := s.data.userChecks[username]
	pw, ok := radius.Find(checks, radius.AttrCleartextPassword)
	if !ok || pw.Value != password {
		return AuthResult{}
	}
	if at, ok := radius.Find(checks, radius.AttrAuthType); ok && at.Value == radius.AuthTypeReject {
		return AuthResult{}
	}

	res := AuthResult{Accepted: true}
	res.Checks = append(res.Checks, checks...)
	res.Replies = append(res.Replies, s.data.userReplies[username]...)
	for _, m := range s.data.memberships[username] {
		res.Groups = append(res.Groups, m.group)
		res.Checks = mergeAttributes(res.Checks, s.data.groupChecks[m.group])
		res.Replies = mergeAttributes(res.Replies, s.data.groupReplies[m.group])
	}
	return res
}

// mergeAttributes moves from into to with FreeRADIUS operator semantics
func mergeAttributes(to, from []radius.Attribute) []radius.Attribute {
	for _, a := range from {
		_, exists := radius.Find(to, a.Name)
		switch {
		case a.Op == radius.OpSet:
			to = upsert(to, a)
		case a.Op == radius.OpDefault && exists:
		default:
			to = append(to, a)
		}
	}
	return to
}

func (s *MemoryStore) prune(username string) {
	if len(s.data.userChecks[username]) == 0 {
		delete(s.data.userChecks, username)
	}
	if len(s.data.userReplies[username]) == 0 {
		delete(s.data.userReplies, username)
	}
}

// upsert replaces the row named a.Name in place, or appends it
func upsert(attrs []radius.Attribute, a radius.Attribute) []radius.Attribute {
	out := append([]radius.Attribute(nil), attrs...)
	for i := range out {
		if out[i].Name == a.Name {
			out[i] = a
			return out
		}
	}
	return append(out, a)
}

func remove(attrs []radius.Attribute, name string) []radius.Attribute {
	out := attrs[:0:0]
	for _, a := range attrs {
		if a.Name != name {
			out = append(out, a)
		}
	}
	return out
}
