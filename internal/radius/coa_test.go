package radius

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
)

type disconnectRecord struct {
	username  string
	sessionID string
}

func startNAS(t *testing.T, secret string, reply radius.Code) (string, int, func() []disconnectRecord) {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen []disconnectRecord
	)
	server := &radius.PacketServer{
		SecretSource: radius.StaticSecretSource([]byte(secret)),
		Handler: radius.HandlerFunc(func(w radius.ResponseWriter, r *radius.Request) {
			mu.Lock()
			seen = append(seen, disconnectRecord{
				username:  rfc2865.UserName_GetString(r.Packet),
				sessionID: rfc2866.AcctSessionID_GetString(r.Packet),
			})
			mu.Unlock()
			w.Write(r.Response(reply))
		}),
	}
	go server.Serve(pc)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})

	host, portStr, err := net.SplitHostPort(pc.LocalAddr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return host, port, func() []disconnectRecord {
		mu.Lock()
		defer mu.Unlock()
		return append([]disconnectRecord(nil), seen...)
	}
}

func TestCleanSessionID(t *testing.T) {
	assert.Equal(t, "81a00003", CleanSessionID("0x81A00003"))
	assert.Equal(t, "81a00003", CleanSessionID("0X81a00003"))
	assert.Equal(t, "abc", CleanSessionID("ABC"))
	assert.Equal(t, "", CleanSessionID(""))
}

func TestDisconnectUser_ACK(t *testing.T) {
	host, port, seen := startNAS(t, "testing123", radius.CodeDisconnectACK)
	client := NewCOAClient(2*time.Second, zap.NewNop())

	err := client.DisconnectUser(context.Background(), host, port, "testing123", "alice", "0x81A0")
	require.NoError(t, err)

	records := seen()
	require.Len(t, records, 1)
	assert.Equal(t, "alice", records[0].username)
	assert.Equal(t, "81a0", records[0].sessionID)
}

func TestDisconnectUser_NAK(t *testing.T) {
	host, port, _ := startNAS(t, "testing123", radius.CodeDisconnectNAK)
	client := NewCOAClient(2*time.Second, nil)

	err := client.DisconnectUser(context.Background(), host, port, "testing123", "bob", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NAK")
}

func TestDisconnectUser_Timeout(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	_, portStr, _ := net.SplitHostPort(pc.LocalAddr().String())
	port, _ := strconv.Atoi(portStr)

	client := NewCOAClient(200*time.Millisecond, nil)
	err = client.DisconnectUser(context.Background(), "127.0.0.1", port, "testing123", "carol", "1")
	assert.Error(t, err)
}
