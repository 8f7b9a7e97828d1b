package server

import (
	"context"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/coneilen/terminal-manager-go/lib/cryptoutil"
	"github.com/coneilen/terminal-manager-go/lib/peer/protocol"
	"github.com/coneilen/terminal-manager-go/lib/store"
	"github.com/coneilen/terminal-manager-go/lib/supervisor"
)

// occupyConsecutivePorts binds n listeners at base, base+1, ..., base+n-1 and
// returns a closer. Used to simulate part (or all) of a bind range being
// busy, independent of the real peer server's own 9500-9510 default.
func occupyConsecutivePorts(t *testing.T, base, n int) func() {
	t.Helper()
	var listeners []net.Listener
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(base+i))
		if err != nil {
			for _, existing := range listeners {
				existing.Close()
			}
			t.Skipf("port %d unavailable in this environment: %v", base+i, err)
		}
		listeners = append(listeners, l)
	}
	return func() {
		for _, l := range listeners {
			l.Close()
		}
	}
}

func TestBindWithProbeFailsWhenEntireRangeBusy(t *testing.T) {
	const base = 39500
	closeAll := occupyConsecutivePorts(t, base, 11)
	defer closeAll()

	_, _, err := bindWithProbe(base, 11)
	require.Error(t, err)
}

func TestBindWithProbeSucceedsOnLastPortInRange(t *testing.T) {
	const base = 39600
	closeAll := occupyConsecutivePorts(t, base, 10)
	defer closeAll()

	l, port, err := bindWithProbe(base, 11)
	require.NoError(t, err)
	defer l.Close()
	require.Equal(t, base+10, port)
}

func newTestServer(t *testing.T) (*Server, *supervisor.Supervisor) {
	t.Helper()
	st := store.New(filepath.Join(t.TempDir(), "sessions.json"), nil)
	sup, err := supervisor.New(supervisor.Config{Store: st, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	srv, err := New(Config{
		Supervisor:   sup,
		InstanceID:   "server-instance",
		IdentityHash: "shared-hash",
		Clock:        clockwork.NewRealClock(),
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		sup.CloseAll()
	})
	return srv, sup
}

func dialAndExchangeKey(t *testing.T, srv *Server, identityHash string) (*websocket.Conn, []byte) {
	t.Helper()
	u := url.URL{Scheme: "ws", Host: "127.0.0.1:" + strconv.Itoa(srv.Port()), Path: "/"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.DecodeEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, protocol.EnvelopeKeyExchange, env.Type)

	keyPair, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)
	secret, err := keyPair.ComputeSecret(env.PublicKey)
	require.NoError(t, err)

	reply, err := protocol.EncodeKeyExchange(keyPair.PublicKeyBase64())
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, reply))

	return conn, secret
}

func sendAuth(t *testing.T, conn *websocket.Conn, key []byte, identityHash string) {
	t.Helper()
	raw, err := protocol.EncodeSecure(key, protocol.Message{
		Type:         protocol.MsgAuthRequest,
		InstanceID:   "client-instance",
		Hostname:     "client-host",
		IdentityHash: identityHash,
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func readSecure(t *testing.T, conn *websocket.Conn, key []byte) protocol.Message {
	t.Helper()
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.DecodeEnvelope(raw)
	require.NoError(t, err)
	msg, err := protocol.DecodeSecure(key, env)
	require.NoError(t, err)
	return msg
}

func TestAuthApprovedOnMatchingIdentityHash(t *testing.T) {
	srv, _ := newTestServer(t)
	conn, key := dialAndExchangeKey(t, srv, "shared-hash")
	defer conn.Close()

	sendAuth(t, conn, key, "shared-hash")
	msg := readSecure(t, conn, key)
	require.Equal(t, protocol.MsgAuthApproved, msg.Type)
}

func TestAuthDeniedOnMismatchedIdentityHash(t *testing.T) {
	srv, _ := newTestServer(t)
	conn, key := dialAndExchangeKey(t, srv, "shared-hash")
	defer conn.Close()

	sendAuth(t, conn, key, "different-hash")
	msg := readSecure(t, conn, key)
	require.Equal(t, protocol.MsgAuthDenied, msg.Type)
}

func TestSessionCreateAndListRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	conn, key := dialAndExchangeKey(t, srv, "shared-hash")
	defer conn.Close()

	sendAuth(t, conn, key, "shared-hash")
	approved := readSecure(t, conn, key)
	require.Equal(t, protocol.MsgAuthApproved, approved.Type)

	createRaw, err := protocol.EncodeSecure(key, protocol.Message{
		Type: protocol.MsgSessionCreate, ID: "req-1",
		Kind: "kind-A", WorkingDir: t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, createRaw))

	resp := readSecure(t, conn, key)
	require.Equal(t, protocol.MsgSessionCreateResponse, resp.Type)
	require.Equal(t, "req-1", resp.ID)
	require.Empty(t, resp.Error)
	require.NotNil(t, resp.Session)

	listRaw, err := protocol.EncodeSecure(key, protocol.Message{Type: protocol.MsgSessionList, ID: "req-2"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, listRaw))

	listResp := readSecure(t, conn, key)
	require.Equal(t, protocol.MsgSessionListResponse, listResp.Type)
	require.Len(t, listResp.Sessions, 1)
}

func TestSessionListIncludesReplayOfRecentOutput(t *testing.T) {
	srv, sup := newTestServer(t)
	conn, key := dialAndExchangeKey(t, srv, "shared-hash")
	defer conn.Close()

	sendAuth(t, conn, key, "shared-hash")
	require.Equal(t, protocol.MsgAuthApproved, readSecure(t, conn, key).Type)

	createRaw, err := protocol.EncodeSecure(key, protocol.Message{
		Type: protocol.MsgSessionCreate, ID: "req-1",
		Kind: "kind-A", WorkingDir: t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, createRaw))
	created := readSecure(t, conn, key)
	require.NotNil(t, created.Session)
	sessionID := created.Session.ID

	require.NoError(t, sup.Write(sessionID, []byte("echo replaytoken\n")))

	require.Eventually(t, func() bool {
		listRaw, err := protocol.EncodeSecure(key, protocol.Message{Type: protocol.MsgSessionList, ID: "req-2"})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, listRaw))
		listResp := readSecure(t, conn, key)
		return len(listResp.Sessions) == 1 && listResp.Sessions[0].Replay != ""
	}, 2*time.Second, 20*time.Millisecond, "expected session:list to carry buffered scrollback")
}
