package ipc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	localdiscovery "github.com/coneilen/terminal-manager-go/lib/discovery"
	"github.com/coneilen/terminal-manager-go/lib/peer/manager"
	"github.com/coneilen/terminal-manager-go/lib/pty"
	"github.com/coneilen/terminal-manager-go/lib/store"
	"github.com/coneilen/terminal-manager-go/lib/supervisor"
)

func newTestService(t *testing.T, watcher *localdiscovery.Watcher, mgr *manager.Manager) *Service {
	t.Helper()
	st := store.New(filepath.Join(t.TempDir(), "sessions.json"), nil)
	sup, err := supervisor.New(supervisor.Config{Store: st, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	svc, err := New(Config{
		Supervisor: sup,
		Watcher:    watcher,
		Manager:    mgr,
		Clock:      clockwork.NewRealClock(),
	})
	require.NoError(t, err)
	svc.Start()
	t.Cleanup(func() {
		svc.Stop()
		sup.CloseAll()
	})
	return svc
}

func TestCreateListGetCloseRemoveRoundTrip(t *testing.T) {
	svc := newTestService(t, nil, nil)

	view, err := svc.CreateSession(pty.KindA, t.TempDir(), "")
	require.NoError(t, err)
	require.NotEmpty(t, view.ID)

	sessions := svc.ListSessions()
	require.Len(t, sessions, 1)

	got, ok := svc.GetSession(view.ID)
	require.True(t, ok)
	require.Equal(t, view.ID, got.ID)

	require.NoError(t, svc.CloseSession(view.ID))
	closed, ok := svc.GetSession(view.ID)
	require.True(t, ok)
	require.Equal(t, "closed", closed.Status)

	require.NoError(t, svc.RemoveSession(view.ID))
	_, ok = svc.GetSession(view.ID)
	require.False(t, ok)
}

func TestGetSessionIncludesReplayOfRecentOutput(t *testing.T) {
	svc := newTestService(t, nil, nil)

	view, err := svc.CreateSession(pty.KindA, t.TempDir(), "")
	require.NoError(t, err)

	require.NoError(t, svc.WriteSession(view.ID, []byte("echo replaytoken\n")))

	require.Eventually(t, func() bool {
		got, ok := svc.GetSession(view.ID)
		return ok && got.Replay != ""
	}, 2*time.Second, 10*time.Millisecond, "expected get(id) to carry buffered scrollback")
}

func TestCreateExpandsTildeInWorkingDir(t *testing.T) {
	svc := newTestService(t, nil, nil)

	home, err := os.UserHomeDir()
	require.NoError(t, err)

	view, err := svc.CreateSession(pty.KindA, "~", "")
	require.NoError(t, err)
	require.Equal(t, home, view.WorkingDir)
}

func TestWriteAndResizeLocalSession(t *testing.T) {
	svc := newTestService(t, nil, nil)
	view, err := svc.CreateSession(pty.KindA, t.TempDir(), "")
	require.NoError(t, err)

	require.NoError(t, svc.WriteSession(view.ID, []byte("hello\n")))
	require.NoError(t, svc.ResizeSession(view.ID, 80, 24))
}

func TestWriteRejectsTunnelIDWithoutManager(t *testing.T) {
	svc := newTestService(t, nil, nil)
	err := svc.WriteSession("tunnel:instance-x:session-1", []byte("x"))
	require.Error(t, err)
}

func TestLoadFromFileBulkCreatesSessions(t *testing.T) {
	svc := newTestService(t, nil, nil)

	dirA := t.TempDir()
	dirB := t.TempDir()
	bulk := map[string]any{
		"sessions": []map[string]string{
			{"type": "kind-A", "folder": dirA, "name": "one"},
			{"type": "kind-B", "folder": dirB},
		},
	}
	raw, err := json.Marshal(bulk)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "bulk.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	created, err := svc.LoadFromFile(path)
	require.NoError(t, err)
	require.Len(t, created, 2)
}

func TestLoadFromFileSkipsBadEntriesButKeepsGoing(t *testing.T) {
	svc := newTestService(t, nil, nil)

	dirA := t.TempDir()
	raw := []byte(`{"sessions":[{"type":"","folder":""},{"type":"kind-A","folder":"` + dirA + `"}]}`)
	path := filepath.Join(t.TempDir(), "bulk.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	created, err := svc.LoadFromFile(path)
	require.NoError(t, err)
	require.Len(t, created, 1)
}

func TestLoadFromFileSkipsPreExistingKindDirPairs(t *testing.T) {
	svc := newTestService(t, nil, nil)

	dir := t.TempDir()
	_, err := svc.CreateSession(pty.KindA, dir, "")
	require.NoError(t, err)

	raw := []byte(`{"sessions":[{"type":"kind-A","folder":"` + dir + `"},{"type":"kind-B","folder":"` + dir + `"}]}`)
	path := filepath.Join(t.TempDir(), "bulk.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	created, err := svc.LoadFromFile(path)
	require.NoError(t, err)
	require.Len(t, created, 1)
	require.Equal(t, "kind-B", created[0].Kind)
}

func TestDialogsReturnNotImplemented(t *testing.T) {
	svc := newTestService(t, nil, nil)

	_, err := svc.OpenFolderDialog()
	require.Error(t, err)

	_, err = svc.OpenSessionsFileDialog()
	require.Error(t, err)
}

func TestTunnelOperationsDisabledWithoutManager(t *testing.T) {
	svc := newTestService(t, nil, nil)

	status := svc.TunnelGetStatus()
	require.False(t, status.Enabled)
	require.Empty(t, svc.GetDiscoveredHosts())
	require.Empty(t, svc.GetConnectedHosts())
	require.Error(t, svc.Connect("instance-x"))
	require.Error(t, svc.Disconnect("instance-x"))
	_, err := svc.ListRemoteSessions("instance-x")
	require.Error(t, err)
}

func alwaysUnknownDir(string) bool { return false }

func TestGetImportableAndImportFlow(t *testing.T) {
	claudeDir := t.TempDir()
	historyPath := filepath.Join(claudeDir, "history.jsonl")
	require.NoError(t, os.WriteFile(historyPath, []byte(
		`{"sessionId":"11111111-1111-1111-1111-111111111111","project":"`+t.TempDir()+`","display":"proj-a","timestamp":"2026-01-01T00:00:00Z"}`+"\n",
	), 0o600))

	w, err := localdiscovery.New(localdiscovery.Config{
		ClaudeDir:  claudeDir,
		CopilotDir: t.TempDir(),
		IsKnownDir: alwaysUnknownDir,
		Clock:      clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	go w.Run()
	t.Cleanup(w.Stop)

	svc := newTestService(t, w, nil)

	require.Eventually(t, func() bool {
		return len(svc.GetImportable()) == 1
	}, time.Second, 10*time.Millisecond)

	importable := svc.GetImportable()
	require.Len(t, importable, 1)

	view, err := svc.Import(importable[0].SessionID, "imported")
	require.NoError(t, err)
	require.Equal(t, "imported", view.Name)
	require.Empty(t, svc.GetImportable())

	_, err = svc.Import("does-not-exist", "")
	require.Error(t, err)
}
