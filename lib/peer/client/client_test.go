package client

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/coneilen/terminal-manager-go/lib/peer/protocol"
	"github.com/coneilen/terminal-manager-go/lib/peer/server"
	"github.com/coneilen/terminal-manager-go/lib/store"
	"github.com/coneilen/terminal-manager-go/lib/supervisor"
)

func newTestServer(t *testing.T, identityHash string) *server.Server {
	t.Helper()
	st := store.New(filepath.Join(t.TempDir(), "sessions.json"), nil)
	sup, err := supervisor.New(supervisor.Config{Store: st, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	srv, err := server.New(server.Config{
		Supervisor:   sup,
		InstanceID:   "server-instance",
		IdentityHash: identityHash,
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
	return srv
}

func TestConnectSucceedsOnMatchingIdentityHash(t *testing.T) {
	srv := newTestServer(t, "shared-hash")

	c, err := New(Config{
		Address:      "127.0.0.1:" + strconv.Itoa(srv.Port()),
		InstanceID:   "client-instance",
		IdentityHash: "shared-hash",
		Clock:        clockwork.NewRealClock(),
	})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Connect())

	select {
	case ev := <-c.Events():
		require.Equal(t, EventConnected, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected connected event")
	}
}

func TestConnectFailsOnMismatchedIdentityHash(t *testing.T) {
	srv := newTestServer(t, "shared-hash")

	c, err := New(Config{
		Address:      "127.0.0.1:" + strconv.Itoa(srv.Port()),
		InstanceID:   "client-instance",
		IdentityHash: "different-hash",
		Clock:        clockwork.NewRealClock(),
	})
	require.NoError(t, err)

	err = c.Connect()
	require.Error(t, err)
	require.False(t, c.reconnectEnabled())
}

func TestListAndCreateSessionRoundTrip(t *testing.T) {
	srv := newTestServer(t, "shared-hash")

	c, err := New(Config{
		Address:      "127.0.0.1:" + strconv.Itoa(srv.Port()),
		InstanceID:   "client-instance",
		IdentityHash: "shared-hash",
		Clock:        clockwork.NewRealClock(),
	})
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Connect())
	<-c.Events()

	view, err := c.CreateSession("req-1", "kind-A", t.TempDir(), "")
	require.NoError(t, err)
	require.NotNil(t, view)

	sessions, err := c.ListSessions("req-2")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
}

func TestRpcTimesOutWhenServerNeverReplies(t *testing.T) {
	srv := newTestServer(t, "shared-hash")
	clock := clockwork.NewFakeClock()

	c, err := New(Config{
		Address:      "127.0.0.1:" + strconv.Itoa(srv.Port()),
		InstanceID:   "client-instance",
		IdentityHash: "shared-hash",
		Clock:        clock,
	})
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Connect())
	<-c.Events()

	// An unrecognized request type: the server's dispatch logs and drops
	// it, so the request id never resolves and the deadline fires.
	done := make(chan error, 1)
	go func() {
		_, rpcErr := c.rpc(protocol.Message{Type: "unrecognized:request", ID: "req-timeout"})
		done <- rpcErr
	}()

	require.Eventually(t, func() bool {
		c.pendingMu.Lock()
		_, ok := c.pending["req-timeout"]
		c.pendingMu.Unlock()
		return ok
	}, time.Second, 10*time.Millisecond)

	clock.Advance(rpcTimeout + time.Second)

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected rpc to time out")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := newTestServer(t, "shared-hash")

	c, err := New(Config{
		Address:      "127.0.0.1:" + strconv.Itoa(srv.Port()),
		InstanceID:   "client-instance",
		IdentityHash: "shared-hash",
		Clock:        clockwork.NewRealClock(),
	})
	require.NoError(t, err)
	require.NoError(t, c.Connect())

	c.Close()
	c.Close()
}
