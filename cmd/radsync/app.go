package main

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/proisp/radsync/internal/api"
	"github.com/proisp/radsync/internal/config"
	"github.com/proisp/radsync/internal/database"
	"github.com/proisp/radsync/internal/lock"
	"github.com/proisp/radsync/internal/metrics"
	"github.com/proisp/radsync/internal/radius"
	"github.com/proisp/radsync/internal/services"
	"github.com/proisp/radsync/internal/store"
)

// engine holds every component a command needs, wired from the config
type engine struct {
	cfg      *config.Config
	db       *gorm.DB
	rdb      *redis.Client
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	radius   *store.GormStore
	repo     *store.GormRepository
	acct     *store.GormAccounting
	retrier  *services.Retrier
	sync     *services.Synchronizer
	subs     *services.SubscriptionService
	packages *services.PackageService
}

func newEngine(ctx context.Context) (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	for _, w := range cfg.Warnings() {
		logger.Warn("Config: " + w)
	}

	e := &engine{cfg: cfg, registry: prometheus.NewRegistry(), metrics: metrics.New()}
	e.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := e.metrics.Register(e.registry); err != nil {
		return nil, err
	}

	if e.db, err = database.Connect(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if e.rdb, err = database.ConnectRedis(ctx, cfg, logger); err != nil {
		if cfg.LockBackend == config.LockBackendRedis {
			e.Close()
			return nil, err
		}
		logger.Warn("Redis unavailable, running without group fingerprint cache", zap.Error(err))
	}

	var (
		locker lock.Locker = lock.NewLocalLocker()
		cache  services.GroupCache
	)
	if e.rdb != nil {
		cache = database.NewGroupCache(e.rdb, 0)
		if cfg.LockBackend == config.LockBackendRedis {
			locker = lock.NewRedisLocker(e.rdb, cfg.LockTTL, logger)
		}
	}

	e.radius = store.NewGormStore(e.db)
	e.repo = store.NewGormRepository(e.db)
	e.acct = store.NewGormAccounting(e.db)
	e.retrier = services.NewRetrier(services.RetryConfig{
		Attempts:        cfg.SyncRetryAttempts,
		Backoff:         cfg.SyncRetryBackoff,
		BreakerFailures: cfg.BreakerFailures,
		BreakerTimeout:  cfg.BreakerTimeout,
	}, logger)
	e.sync = services.NewSynchronizer(e.radius, cache, e.acct, e.metrics, logger)

	coa := radius.NewCOAClient(cfg.CoATimeout, logger)
	e.subs = services.NewSubscriptionService(services.SubscriptionOptions{
		Repo:               e.repo,
		Sync:               e.sync,
		Locker:             locker,
		Retrier:            e.retrier,
		Biller:             services.NewWalletBiller(e.repo, logger),
		Terminator:         services.NewRadiusSessionTerminator(e.acct, coa, e.metrics, logger),
		Metrics:            e.metrics,
		Logger:             logger,
		DisconnectOnBlock:  cfg.DisconnectOnBlock,
		DisconnectOnExpiry: cfg.DisconnectOnExpiry,
	})
	e.packages = services.NewPackageService(e.repo, e.radius, e.sync, logger)
	return e, nil
}

func (e *engine) sweepService() *services.ExpirySweepService {
	return services.NewExpirySweepService(services.SweepConfig{
		Interval: e.cfg.SweepInterval,
		Workers:  e.cfg.SweepWorkers,
		Options: services.SweepOptions{
			AutoRenew:      e.cfg.SweepAutoRenew,
			RenewLookahead: e.cfg.AutoRenewLookahead,
			RefreshUsage:   e.cfg.SweepUsageRefresh,
		},
	}, e.repo, e.subs, services.NewUsageRefresher(e.repo, e.acct, logger), e.metrics, logger)
}

func (e *engine) healthChecks() map[string]api.Check {
	checks := map[string]api.Check{
		"database": func(ctx context.Context) error {
			return database.Ping(ctx, e.db)
		},
		"radius_writes": func(ctx context.Context) error {
			if e.retrier.State() == gobreaker.StateOpen {
				return errors.New("circuit breaker open")
			}
			return nil
		},
	}
	if e.rdb != nil {
		checks["redis"] = func(ctx context.Context) error {
			return e.rdb.Ping(ctx).Err()
		}
	}
	return checks
}

func (e *engine) Close() {
	database.Close(e.db, e.rdb)
}
