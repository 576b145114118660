package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/proisp/radsync/internal/metrics"
)

// StaleSessionCloser closes accounting sessions with no recent update
type StaleSessionCloser interface {
	CloseStaleSessions(ctx context.Context, before time.Time) (int64, error)
}

// StaleSessionCleanupService periodically closes radacct sessions that had
// no interim update for the stale threshold. A NAS that reboots never sends
// a Stop, and the open row would otherwise count as a live session for
// Simultaneous-Use and for disconnects.
type StaleSessionCleanupService struct {
	closer         StaleSessionCloser
	staleThreshold time.Duration // how old before a session is considered stale
	checkInterval  time.Duration // how often to check
	initialDelay   time.Duration
	metrics        *metrics.Metrics
	logger         *zap.Logger
	now            func() time.Time

	stopChan  chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewStaleSessionCleanupService creates a new stale session cleanup service
func NewStaleSessionCleanupService(closer StaleSessionCloser, staleAfter time.Duration, m *metrics.Metrics, logger *zap.Logger) *StaleSessionCleanupService {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StaleSessionCleanupService{
		closer:         closer,
		staleThreshold: staleAfter,
		checkInterval:  5 * time.Minute,
		initialDelay:   2 * time.Minute, // let accounting catch up after a restart
		metrics:        m,
		logger:         logger,
		now:            time.Now,
		stopChan:       make(chan struct{}),
	}
}

// Start begins the cleanup service
func (s *StaleSessionCleanupService) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()

	s.logger.Info("StaleSessionCleanup: started",
		zap.Duration("threshold", s.staleThreshold),
		zap.Duration("interval", s.checkInterval))
}

// Stop stops the cleanup service
func (s *StaleSessionCleanupService) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info("StaleSessionCleanup: stopped")
}

func (s *StaleSessionCleanupService) run() {
	defer s.wg.Done()

	select {
	case <-time.After(s.initialDelay):
		s.Cleanup(context.Background())
	case <-s.stopChan:
		return
	}

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Cleanup(context.Background())
		}
	}
}

// Cleanup closes the stale sessions once and returns how many it closed
func (s *StaleSessionCleanupService) Cleanup(ctx context.Context) int64 {
	threshold := s.now().Add(-s.staleThreshold)

	closed, err := s.closer.CloseStaleSessions(ctx, threshold)
	if err != nil {
		s.logger.Error("StaleSessionCleanup: error closing stale sessions", zap.Error(err))
		return 0
	}
	s.metrics.RecordStaleSessionsClosed(closed)
	if closed > 0 {
		s.logger.Info("StaleSessionCleanup: closed stale sessions",
			zap.Int64("count", closed),
			zap.Time("no_update_since", threshold))
	}
	return closed
}
