package radius

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
)

// DefaultCoAPort is the RFC 5176 dynamic authorization port
const DefaultCoAPort = 3799

// COAClient sends Disconnect-Request packets to a NAS
type COAClient struct {
	timeout time.Duration
	logger  *zap.Logger
}

// NewCOAClient creates a new CoA client
func NewCOAClient(timeout time.Duration, logger *zap.Logger) *COAClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &COAClient{timeout: timeout, logger: logger}
}

// CleanSessionID strips a "0x" prefix and lowercases the session ID.
// MikroTik only matches lowercase session IDs.
func CleanSessionID(sessionID string) string {
	clean := sessionID
	if strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X") {
		clean = clean[2:]
	}
	return strings.ToLower(clean)
}

// DisconnectUser sends a Disconnect-Request to terminate one user session
func (c *COAClient) DisconnectUser(ctx context.Context, nasIP string, coaPort int, secret, username, sessionID string) error {
	if coaPort <= 0 {
		coaPort = DefaultCoAPort
	}
	addr := net.JoinHostPort(nasIP, strconv.Itoa(coaPort))
	cleanSessionID := CleanSessionID(sessionID)

	c.logger.Debug("CoA: sending Disconnect-Request",
		zap.String("nas", addr),
		zap.String("username", username),
		zap.String("session_id", cleanSessionID))

	packet := radius.New(radius.CodeDisconnectRequest, []byte(secret))
	if err := rfc2865.UserName_SetString(packet, username); err != nil {
		return fmt.Errorf("failed to set User-Name: %w", err)
	}
	if cleanSessionID != "" {
		if err := rfc2866.AcctSessionID_SetString(packet, cleanSessionID); err != nil {
			return fmt.Errorf("failed to set Acct-Session-Id: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	response, err := radius.Exchange(ctx, packet, addr)
	if err != nil {
		return fmt.Errorf("disconnect %s on %s: %w", username, addr, err)
	}

	switch response.Code {
	case radius.CodeDisconnectACK:
		c.logger.Info("CoA: user disconnected", zap.String("username", username), zap.String("nas", addr))
		return nil
	case radius.CodeDisconnectNAK:
		return fmt.Errorf("Disconnect NAK received - NAS rejected the request for %s", username)
	default:
		return fmt.Errorf("unexpected Disconnect response code: %d", response.Code)
	}
}
