package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/proisp/radsync/internal/models"
	"github.com/proisp/radsync/internal/radius"
	"github.com/proisp/radsync/internal/store"
)

// ErrPackageInUse is returned when deleting a package that still has
// active, suspended or blocked subscriptions
var ErrPackageInUse = errors.New("package in use")

// LegacyCleaner removes Session-Timeout rows left by older releases
type LegacyCleaner interface {
	RemoveLegacySessionTimeouts(ctx context.Context) (int64, error)
}

// SaveResult is the outcome of PackageService.Save
type SaveResult struct {
	Package       *models.Package
	Warnings      []string
	GroupReplaced bool
}

// RepairReport is the outcome of PackageService.RepairGroups
type RepairReport struct {
	Packages      int
	Replaced      int
	Invalid       []uint
	LegacyRemoved int64
}

// PackageService keeps package groups in step with package records
type PackageService struct {
	repo   store.PackageRepository
	groups store.GroupPolicyStore
	sync   *Synchronizer
	logger *zap.Logger
}

// NewPackageService creates a package service
func NewPackageService(repo store.PackageRepository, groups store.GroupPolicyStore, sync *Synchronizer, logger *zap.Logger) *PackageService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PackageService{repo: repo, groups: groups, sync: sync, logger: logger}
}

// Save validates and stores the package, then rewrites its group if it
// changed. Warnings do not stop the save.
func (s *PackageService) Save(ctx context.Context, pkg *models.Package) (*SaveResult, error) {
	warnings, err := radius.ValidatePackage(pkg)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		s.logger.Warn("PackageService: package warning", zap.String("package", pkg.Name), zap.String("warning", w))
	}

	if err := s.repo.SavePackage(ctx, pkg); err != nil {
		return nil, err
	}
	replaced, err := s.sync.EnsureGroup(ctx, pkg)
	if err != nil {
		return nil, fmt.Errorf("package %d saved but group not written: %w", pkg.ID, err)
	}

	s.logger.Info("PackageService: package saved",
		zap.Uint("package_id", pkg.ID),
		zap.String("group", radius.GroupName(pkg.ID)),
		zap.Bool("group_replaced", replaced))
	return &SaveResult{Package: pkg, Warnings: warnings, GroupReplaced: replaced}, nil
}

// Delete removes a package and its group. Members of the group would be
// left without policy, so a package in use is refused.
func (s *PackageService) Delete(ctx context.Context, id uint) error {
	n, err := s.repo.CountCurrentForPackage(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("package %d has %d current subscriptions: %w", id, n, ErrPackageInUse)
	}

	if err := s.repo.DeletePackage(ctx, id); err != nil {
		return err
	}
	name := radius.GroupName(id)
	if err := s.groups.DeleteGroup(ctx, name); err != nil {
		return err
	}
	s.sync.Forget(ctx, name)

	s.logger.Info("PackageService: package deleted", zap.Uint("package_id", id), zap.String("group", name))
	return nil
}

// RepairGroups regenerates every package group and removes legacy
// Session-Timeout rows. Invalid packages are reported and skipped.
func (s *PackageService) RepairGroups(ctx context.Context) (*RepairReport, error) {
	report := &RepairReport{}

	if cleaner, ok := s.groups.(LegacyCleaner); ok {
		removed, err := cleaner.RemoveLegacySessionTimeouts(ctx)
		if err != nil {
			return report, err
		}
		report.LegacyRemoved = removed
	}

	pkgs, err := s.repo.ListPackages(ctx)
	if err != nil {
		return report, err
	}
	for i := range pkgs {
		pkg := &pkgs[i]
		report.Packages++
		replaced, err := s.sync.EnsureGroup(ctx, pkg)
		var verr *radius.ValidationError
		if errors.As(err, &verr) {
			s.logger.Warn("PackageService: invalid package skipped", zap.Uint("package_id", pkg.ID), zap.Error(err))
			report.Invalid = append(report.Invalid, pkg.ID)
			continue
		}
		if err != nil {
			return report, err
		}
		if replaced {
			report.Replaced++
		}
	}

	s.logger.Info("PackageService: groups repaired",
		zap.Int("packages", report.Packages),
		zap.Int("replaced", report.Replaced),
		zap.Int("invalid", len(report.Invalid)),
		zap.Int64("legacy_removed", report.LegacyRemoved))
	return report, nil
}
