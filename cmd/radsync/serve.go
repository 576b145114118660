package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/proisp/radsync/internal/api"
	"github.com/proisp/radsync/internal/database"
	"github.com/proisp/radsync/internal/services"
)

var (
	migrateOnStart bool
	repairOnStart  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the periodic expiry sweep, stale session cleanup and the health/metrics endpoint",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&migrateOnStart, "migrate", false,
		"Apply pending database migrations before starting")
	serveCmd.Flags().BoolVar(&repairOnStart, "repair-groups", false,
		"Rewrite every package group before starting")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting radsync", zap.String("version", version), zap.String("commit", commit))

	e, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	if migrateOnStart {
		if err := database.Migrate(ctx, e.db, logger); err != nil {
			return err
		}
	}
	if repairOnStart {
		if _, err := e.packages.RepairGroups(ctx); err != nil {
			return fmt.Errorf("repair groups: %w", err)
		}
	}

	sweep := e.sweepService()
	cleanup := services.NewStaleSessionCleanupService(e.acct, e.cfg.SessionStaleAfter, e.metrics, logger)
	sweep.Start()
	cleanup.Start()

	srv := api.NewServer(api.Options{
		Checks:   e.healthChecks(),
		Gatherer: e.registry,
		Logger:   logger.Named("http"),
	})
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting health/metrics server", zap.String("addr", e.cfg.MetricsAddr))
		errCh <- srv.Listen(e.cfg.MetricsAddr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received signal, shutting down")
	case err = <-errCh:
		logger.Error("Health/metrics server error", zap.Error(err))
	}

	sweep.Stop()
	cleanup.Stop()
	if shutdownErr := srv.ShutdownWithTimeout(5 * time.Second); shutdownErr != nil {
		logger.Warn("Health/metrics server shutdown", zap.Error(shutdownErr))
	}
	return err
}

// commandContext returns a context cancelled on SIGINT/SIGTERM or after timeout
func commandContext(cmd *cobra.Command, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}
