package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/proisp/radsync/internal/lifecycle"
	"github.com/proisp/radsync/internal/metrics"
	"github.com/proisp/radsync/internal/models"
	"github.com/proisp/radsync/internal/radius"
	"github.com/proisp/radsync/internal/store"
)

// GroupCache remembers the fingerprint of the attributes last written for a
// group. It is advisory: a miss or an error only costs a LoadGroup.
type GroupCache interface {
	Get(ctx context.Context, groupName string) (string, error) // "" on miss
	Set(ctx context.Context, groupName, fingerprint string) error
	Delete(ctx context.Context, groupName string) error
}

// SessionHistory reports time already counted against a username by
// Max-All-Session, which FreeRADIUS sums over every session ever recorded.
type SessionHistory interface {
	SessionSecondsBefore(ctx context.Context, username string, t time.Time) (int64, error)
}

// Synchronizer makes the RADIUS tables match a subscription's status
type Synchronizer struct {
	store   store.RadiusStore
	cache   GroupCache
	history SessionHistory
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewSynchronizer creates a synchronizer. cache and history may be nil.
func NewSynchronizer(rs store.RadiusStore, cache GroupCache, history SessionHistory, m *metrics.Metrics, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{store: rs, cache: cache, history: history, metrics: m, logger: logger}
}

// Sync writes the RADIUS state required by sub's status. sub must have its
// Customer and Package loaded. Running it again without a status change
// leaves the tables unchanged.
func (s *Synchronizer) Sync(ctx context.Context, sub *models.Subscription) error {
	err := s.sync(ctx, sub)
	s.metrics.RecordSync(err)
	if err != nil {
		s.logger.Error("Synchronizer: sync failed",
			zap.Uint("subscription_id", sub.ID),
			zap.String("status", string(sub.Status)),
			zap.Error(err))
	}
	return err
}

func (s *Synchronizer) sync(ctx context.Context, sub *models.Subscription) error {
	username := sub.Customer.Username
	if username == "" {
		return &radius.ValidationError{Field: "username", Reason: fmt.Sprintf("subscription %d has no customer username", sub.ID)}
	}
	if sub.Package.ID == 0 {
		return fmt.Errorf("subscription %d: package not loaded", sub.ID)
	}

	target := lifecycle.TargetFor(sub)

	var sessionLimit int64
	if target.Access && s.history != nil {
		limit, err := s.sessionLimit(ctx, sub)
		if err != nil {
			return err
		}
		sessionLimit = limit
	}

	var written string
	run := func(rs store.RadiusStore) error {
		fp, err := s.ensureGroupFor(ctx, rs, sub, target.Access)
		if err != nil {
			return err
		}
		written = fp

		if err := rs.SetPassword(ctx, username, sub.Customer.Password); err != nil {
			return err
		}

		if !target.Access {
			// Deny first; membership goes only once the user is blocked
			msg := radius.EncodeUserBlockAttributes(target.Block)
			if err := rs.Block(ctx, username, msg.Value); err != nil {
				return err
			}
			return rs.ClearGroupMembership(ctx, username)
		}

		if s.history != nil {
			if sessionLimit > 0 {
				if err := rs.SetCumulativeSessionLimit(ctx, username, sessionLimit); err != nil {
					return err
				}
			} else if err := rs.ClearCumulativeSessionLimit(ctx, username); err != nil {
				return err
			}
		}
		// The group goes in while the user is still blocked
		if err := rs.SetGroupMembership(ctx, username, radius.GroupName(sub.PackageID), store.DefaultGroupPriority); err != nil {
			return err
		}
		return rs.Unblock(ctx, username)
	}

	var err error
	if tx, ok := s.store.(store.Transactor); ok {
		err = tx.Transaction(ctx, run)
	} else {
		err = run(s.store)
	}
	if err != nil {
		return err
	}

	if written != "" {
		s.remember(ctx, radius.GroupName(sub.PackageID), written)
	}
	s.logger.Debug("Synchronizer: synced",
		zap.Uint("subscription_id", sub.ID),
		zap.String("username", username),
		zap.String("status", string(sub.Status)),
		zap.Bool("access", target.Access))
	return nil
}

// sessionLimit returns the per-user Max-All-Session override for an active
// subscription, or 0 when the group value already fits. The group grants one
// package duration counted from zero; earlier sessions and renewals move
// the user's real allowance away from that.
func (s *Synchronizer) sessionLimit(ctx context.Context, sub *models.Subscription) (int64, error) {
	if sub.StartsAt == nil {
		return 0, nil
	}
	prior, err := s.history.SessionSecondsBefore(ctx, sub.Customer.Username, *sub.StartsAt)
	if err != nil {
		return 0, err
	}
	period := sub.Package.DurationSeconds()
	if sub.ExpiresAt != nil {
		period = int64(sub.ExpiresAt.Sub(*sub.StartsAt) / time.Second)
	}
	limit := prior + period
	if limit == sub.Package.DurationSeconds() {
		return 0, nil
	}
	return limit, nil
}

// ensureGroupFor makes sure the subscription's package group is current.
// A denied subscription does not need the group, so a deleted or invalid
// package never stops it from being blocked.
func (s *Synchronizer) ensureGroupFor(ctx context.Context, rs store.RadiusStore, sub *models.Subscription, access bool) (string, error) {
	pkg := &sub.Package
	if !access && pkg.DeletedAt.Valid {
		return "", nil
	}
	fp, _, err := s.ensureGroup(ctx, rs, pkg, true)
	if err == nil || access {
		return fp, err
	}
	var verr *radius.ValidationError
	if errors.As(err, &verr) {
		s.logger.Warn("Synchronizer: skipping invalid package group",
			zap.Uint("package_id", pkg.ID), zap.Error(err))
		return "", nil
	}
	return "", err
}

// EnsureGroup compares the package group with the encoded package and
// rewrites it when missing or stale. It reports whether it wrote.
func (s *Synchronizer) EnsureGroup(ctx context.Context, pkg *models.Package) (bool, error) {
	fp, replaced, err := s.ensureGroup(ctx, s.store, pkg, false)
	if err != nil {
		return false, err
	}
	s.remember(ctx, radius.GroupName(pkg.ID), fp)
	return replaced, nil
}

// ensureGroup returns the fingerprint of the group as it stands afterwards
func (s *Synchronizer) ensureGroup(ctx context.Context, rs store.RadiusStore, pkg *models.Package, useCache bool) (string, bool, error) {
	checks, replies, err := radius.EncodeGroupAttributes(pkg)
	if err != nil {
		return "", false, err
	}
	name := radius.GroupName(pkg.ID)
	fp := radius.Fingerprint(checks, replies)

	if useCache && s.cache != nil {
		cached, err := s.cache.Get(ctx, name)
		if err != nil {
			s.logger.Debug("Synchronizer: group cache unavailable", zap.Error(err))
		} else if cached == fp {
			return fp, false, nil
		}
	}

	curChecks, curReplies, err := rs.LoadGroup(ctx, name)
	if err != nil {
		return "", false, err
	}
	if len(curChecks) > 0 && radius.SameAttributes(curChecks, checks) && radius.SameAttributes(curReplies, replies) {
		return fp, false, nil
	}

	if err := rs.ReplaceGroup(ctx, name, checks, replies); err != nil {
		return "", false, err
	}
	s.metrics.RecordGroupReplaced()
	s.logger.Info("Synchronizer: replaced group",
		zap.String("group", name),
		zap.Bool("existed", len(curChecks)+len(curReplies) > 0))
	return fp, true, nil
}

// remember stores a fingerprint once the write it describes has committed
func (s *Synchronizer) remember(ctx context.Context, groupName, fp string) {
	if s.cache == nil || fp == "" {
		return
	}
	if err := s.cache.Set(ctx, groupName, fp); err != nil {
		s.logger.Debug("Synchronizer: group cache write failed", zap.String("group", groupName), zap.Error(err))
	}
}

// Forget drops the cached fingerprint of a group
func (s *Synchronizer) Forget(ctx context.Context, groupName string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, groupName); err != nil {
		s.logger.Debug("Synchronizer: group cache delete failed", zap.String("group", groupName), zap.Error(err))
	}
}
