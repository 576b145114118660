package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/proisp/radsync/internal/lifecycle"
	"github.com/proisp/radsync/internal/metrics"
	"github.com/proisp/radsync/internal/models"
	"github.com/proisp/radsync/internal/store"
)

// SweepOptions selects what one sweep run does
type SweepOptions struct {
	// DryRun computes the transitions without writing anything
	DryRun         bool
	AutoRenew      bool
	RenewLookahead time.Duration
	RefreshUsage   bool
}

// SweepTransition is one status change made, or planned in a dry run
type SweepTransition struct {
	SubscriptionID uint
	Username       string
	From           models.SubscriptionStatus
	To             models.SubscriptionStatus
}

// SweepFailure records a subscription the sweep could not handle
type SweepFailure struct {
	SubscriptionID uint
	Stage          string // renew, expire or usage
	Err            error
}

// SweepReport summarizes one sweep run
type SweepReport struct {
	RunID    string
	Now      time.Time
	DryRun   bool
	Duration time.Duration

	Scanned        int // expired active subscriptions found
	Expired        int
	Renewed        int // in a dry run: would renew
	RenewFailed    int
	UsageRefreshed int
	Errors         int

	Transitions []SweepTransition
	Failures    []SweepFailure
}

// SweepConfig configures the periodic sweep
type SweepConfig struct {
	Interval time.Duration
	Workers  int
	Options  SweepOptions
}

// ExpirySweepService periodically expires subscriptions whose period has
// ended, renews auto-renew subscriptions and refreshes data usage. One
// failing subscription never stops the rest.
type ExpirySweepService struct {
	repo     store.SubscriptionRepository
	subs     *SubscriptionService
	usage    *UsageRefresher
	interval time.Duration
	workers  int
	options  SweepOptions
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	stopChan  chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewExpirySweepService creates a sweep. usage may be nil.
func NewExpirySweepService(cfg SweepConfig, repo store.SubscriptionRepository, subs *SubscriptionService, usage *UsageRefresher, m *metrics.Metrics, logger *zap.Logger) *ExpirySweepService {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Options.RenewLookahead <= 0 {
		cfg.Options.RenewLookahead = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExpirySweepService{
		repo:     repo,
		subs:     subs,
		usage:    usage,
		interval: cfg.Interval,
		workers:  cfg.Workers,
		options:  cfg.Options,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Start begins sweeping every interval
func (s *ExpirySweepService) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()

	s.logger.Info("ExpirySweep: started",
		zap.Duration("interval", s.interval),
		zap.Int("workers", s.workers))
}

// Stop stops the sweep and waits for a running pass to finish
func (s *ExpirySweepService) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info("ExpirySweep: stopped")
}

func (s *ExpirySweepService) run() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopChan
		cancel()
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx, s.now(), s.options); err != nil && ctx.Err() == nil {
			s.logger.Error("ExpirySweep: run failed", zap.Error(err))
		}
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one sweep at now. It only returns an error when a
// listing query fails; per-subscription failures are in the report.
func (s *ExpirySweepService) RunOnce(ctx context.Context, now time.Time, opts SweepOptions) (*SweepReport, error) {
	start := time.Now()
	if opts.RenewLookahead <= 0 {
		opts.RenewLookahead = s.options.RenewLookahead
	}
	report := &SweepReport{RunID: uuid.NewString(), Now: now, DryRun: opts.DryRun}
	logger := s.logger.With(zap.String("run_id", report.RunID))
	var mu sync.Mutex

	defer func() {
		report.Duration = time.Since(start)
		sort.Slice(report.Transitions, func(i, j int) bool {
			return report.Transitions[i].SubscriptionID < report.Transitions[j].SubscriptionID
		})
		sort.SliceStable(report.Failures, func(i, j int) bool {
			return report.Failures[i].SubscriptionID < report.Failures[j].SubscriptionID
		})
		s.record(report)
	}()

	fail := func(sub *models.Subscription, stage string, err error) {
		report.Failures = append(report.Failures, SweepFailure{SubscriptionID: sub.ID, Stage: stage, Err: err})
		logger.Warn("ExpirySweep: subscription failed",
			zap.Uint("subscription_id", sub.ID),
			zap.String("stage", stage),
			zap.Error(err))
	}

	if opts.AutoRenew {
		due, err := s.repo.AutoRenewDue(ctx, now, opts.RenewLookahead)
		if err != nil {
			return report, err
		}
		s.forEach(ctx, due, func(sub *models.Subscription) {
			if opts.DryRun {
				if renewalDue(sub, now, opts.RenewLookahead) {
					mu.Lock()
					report.Renewed++
					mu.Unlock()
				}
				return
			}
			_, err := s.subs.renewAt(ctx, sub.ID, now, opts.RenewLookahead)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Renewed++
			case errors.Is(err, errRenewalNotDue):
			default:
				report.RenewFailed++
				fail(sub, "renew", err)
			}
		})
	}

	expired, err := s.repo.ExpiredActive(ctx, now)
	if err != nil {
		return report, err
	}
	report.Scanned = len(expired)

	s.forEach(ctx, expired, func(sub *models.Subscription) {
		if opts.DryRun {
			d, err := lifecycle.Decide(sub, lifecycle.Input{Event: lifecycle.EventExpire, Now: now})
			if err != nil || !d.Changed {
				return
			}
			mu.Lock()
			report.Transitions = append(report.Transitions, transitionOf(sub, d))
			mu.Unlock()
			return
		}

		updated, d, err := s.subs.expireAt(ctx, sub.ID, now)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			report.Errors++
			fail(sub, "expire", err)
			return
		}
		if d.Changed {
			report.Expired++
			report.Transitions = append(report.Transitions, transitionOf(updated, d))
		}
	})

	if opts.RefreshUsage && !opts.DryRun && s.usage != nil {
		n, failures := s.usage.Refresh(ctx)
		report.UsageRefreshed = n
		for _, f := range failures {
			report.Errors++
			fail(&models.Subscription{ID: f.SubscriptionID}, "usage", f.Err)
		}
	}

	logger.Info("ExpirySweep: run completed",
		zap.Bool("dry_run", report.DryRun),
		zap.Int("scanned", report.Scanned),
		zap.Int("expired", report.Expired),
		zap.Int("would_expire", len(report.Transitions)-report.Expired),
		zap.Int("renewed", report.Renewed),
		zap.Int("renew_failed", report.RenewFailed),
		zap.Int("usage_refreshed", report.UsageRefreshed),
		zap.Int("errors", report.Errors))
	return report, nil
}

// forEach hands every subscription to fn on a bounded pool of workers.
// Subscriptions not yet started when ctx ends are skipped.
func (s *ExpirySweepService) forEach(ctx context.Context, subs []models.Subscription, fn func(sub *models.Subscription)) {
	var g errgroup.Group
	g.SetLimit(s.workers)
	for i := range subs {
		if ctx.Err() != nil {
			break
		}
		sub := &subs[i]
		g.Go(func() error {
			fn(sub)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *ExpirySweepService) record(r *SweepReport) {
	s.metrics.ObserveSweep(r.Duration)
	if r.DryRun {
		s.metrics.RecordSweepOutcome("would_expire", len(r.Transitions))
		return
	}
	s.metrics.RecordSweepOutcome("expired", r.Expired)
	s.metrics.RecordSweepOutcome("renewed", r.Renewed)
	s.metrics.RecordSweepOutcome("renew_failed", r.RenewFailed)
	s.metrics.RecordSweepOutcome("error", r.Errors)
}

func transitionOf(sub *models.Subscription, d lifecycle.Decision) SweepTransition {
	return SweepTransition{
		SubscriptionID: sub.ID,
		Username:       sub.Customer.Username,
		From:           d.From,
		To:             d.To,
	}
}
