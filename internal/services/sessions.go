package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/proisp/radsync/internal/metrics"
	"github.com/proisp/radsync/internal/radius"
	"github.com/proisp/radsync/internal/store"
)

// SessionTerminator ends a username's live sessions on the NAS
type SessionTerminator interface {
	// Terminate returns how many sessions were acknowledged
	Terminate(ctx context.Context, username string) (int, error)
}

// Disconnecter sends one Disconnect-Request
type Disconnecter interface {
	DisconnectUser(ctx context.Context, nasIP string, coaPort int, secret, username, sessionID string) error
}

// OpenSessionLister lists a username's open accounting sessions
type OpenSessionLister interface {
	OpenSessions(ctx context.Context, username string) ([]store.OpenSession, error)
}

// RadiusSessionTerminator disconnects every open radacct session of a user
// through the NAS that reported it
type RadiusSessionTerminator struct {
	sessions OpenSessionLister
	coa      Disconnecter
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewRadiusSessionTerminator creates a terminator
func NewRadiusSessionTerminator(sessions OpenSessionLister, coa Disconnecter, m *metrics.Metrics, logger *zap.Logger) *RadiusSessionTerminator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RadiusSessionTerminator{sessions: sessions, coa: coa, metrics: m, logger: logger}
}

func (t *RadiusSessionTerminator) Terminate(ctx context.Context, username string) (int, error) {
	open, err := t.sessions.OpenSessions(ctx, username)
	if err != nil {
		return 0, err
	}

	var (
		acked int
		errs  []error
	)
	for _, s := range open {
		if s.Secret == "" {
			t.logger.Warn("SessionTerminator: no active NAS for session",
				zap.String("username", username),
				zap.String("nas_ip", s.NasIP),
				zap.String("session_id", s.SessionID))
			errs = append(errs, fmt.Errorf("session %s: unknown NAS %s", s.SessionID, s.NasIP))
			continue
		}
		port := s.CoAPort
		if port == 0 {
			port = radius.DefaultCoAPort
		}
		err := t.coa.DisconnectUser(ctx, s.NasIP, port, s.Secret, username, s.SessionID)
		t.metrics.RecordDisconnect(err)
		if err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.SessionID, err))
			continue
		}
		acked++
	}

	if acked > 0 {
		t.logger.Info("SessionTerminator: disconnected sessions",
			zap.String("username", username), zap.Int("count", acked))
	}
	return acked, errors.Join(errs...)
}
