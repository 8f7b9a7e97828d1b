//go:build !windows

package pty

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestSessionWorkingDirFallsBackToHome(t *testing.T) {
	s, err := New(Config{
		Kind:       KindA,
		WorkingDir: "/this/path/does/not/exist/zzz",
		Clock:      clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	defer s.Kill()
}

func TestSessionKillIsIdempotent(t *testing.T) {
	s, err := New(Config{
		Kind:       KindA,
		WorkingDir: t.TempDir(),
		Clock:      clockwork.NewFakeClock(),
	})
	require.NoError(t, err)

	s.Kill()
	s.Kill() // must not panic or block

	select {
	case _, ok := <-s.Exit():
		_ = ok
	case <-time.After(2 * time.Second):
		t.Fatal("expected exit channel to close after kill")
	}
}

func TestSessionKillReapsChildProcess(t *testing.T) {
	s, err := New(Config{
		Kind:       KindA,
		WorkingDir: t.TempDir(),
		Clock:      clockwork.NewFakeClock(),
	})
	require.NoError(t, err)

	s.Kill()

	select {
	case <-s.Exit():
	case <-time.After(2 * time.Second):
		t.Fatal("expected exit channel to close after kill")
	}

	s.mu.Lock()
	state := s.cmd.ProcessState
	s.mu.Unlock()
	require.NotNil(t, state, "cmd.Wait() must be called on the killed path to reap the child")
}

func TestSessionWriteResizeNoopAfterKill(t *testing.T) {
	s, err := New(Config{
		Kind:       KindA,
		WorkingDir: t.TempDir(),
		Clock:      clockwork.NewFakeClock(),
	})
	require.NoError(t, err)

	s.Kill()
	require.NoError(t, s.Write([]byte("echo hi\n")))
	require.NoError(t, s.Resize(80, 24))
}
