package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func alwaysUnknown(string) bool { return false }

func TestHistoryLogDiscoversNewSession(t *testing.T) {
	claudeDir := t.TempDir()
	historyPath := filepath.Join(claudeDir, "history.jsonl")
	require.NoError(t, os.WriteFile(historyPath, []byte(
		`{"sessionId":"11111111-1111-1111-1111-111111111111","project":"/tmp/proj-a","display":"proj-a","timestamp":"2026-01-01T00:00:00Z"}`+"\n",
	), 0o600))

	w, err := New(Config{
		ClaudeDir:  claudeDir,
		CopilotDir: t.TempDir(),
		IsKnownDir: alwaysUnknown,
		Clock:      clockwork.NewFakeClock(),
	})
	require.NoError(t, err)

	w.pollHistoryLog()

	select {
	case d := <-w.Events():
		require.Equal(t, "/tmp/proj-a", d.WorkingDir)
	default:
		t.Fatal("expected a discovered session")
	}
}

func TestHistoryLogTruncationResetsOffset(t *testing.T) {
	claudeDir := t.TempDir()
	historyPath := filepath.Join(claudeDir, "history.jsonl")
	require.NoError(t, os.WriteFile(historyPath, []byte(
		`{"sessionId":"a","project":"/tmp/p1"}`+"\n"+`{"sessionId":"b","project":"/tmp/p2"}`+"\n",
	), 0o600))

	w, err := New(Config{ClaudeDir: claudeDir, CopilotDir: t.TempDir(), IsKnownDir: alwaysUnknown, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	w.pollHistoryLog()
	<-w.Events()
	<-w.Events()

	// truncate
	require.NoError(t, os.WriteFile(historyPath, []byte(`{"sessionId":"c","project":"/tmp/p3"}`+"\n"), 0o600))
	w.pollHistoryLog() // skip cycle after detecting truncation
	require.Equal(t, int64(0), w.historyOffset)
}

func TestDedupeSameWorkingDirOnlyEmitsOnce(t *testing.T) {
	claudeDir := t.TempDir()
	root := filepath.Join(claudeDir, "projects", "-tmp-shared")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.MkdirAll("/tmp/shared", 0o755))

	for i, id := range []string{
		"11111111-1111-1111-1111-111111111111",
		"22222222-2222-2222-2222-222222222222",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(root, id+".jsonl"), []byte("{}"), 0o600))
		_ = i
	}

	w, err := New(Config{ClaudeDir: claudeDir, CopilotDir: t.TempDir(), IsKnownDir: alwaysUnknown, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	w.pollProjectDir()

	count := 0
	for {
		select {
		case <-w.Events():
			count++
		default:
			require.Equal(t, 1, count, "second UUID for the same dir must be absorbed, not emitted")
			return
		}
	}
}

func TestCopilotSessionStateRequiresCwd(t *testing.T) {
	copilotDir := t.TempDir()
	id := "33333333-3333-3333-3333-333333333333"
	dir := filepath.Join(copilotDir, "session-state", id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "workspace.yaml"), []byte("summary: doing things\n"), 0o600))

	w, err := New(Config{ClaudeDir: t.TempDir(), CopilotDir: copilotDir, IsKnownDir: alwaysUnknown, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	w.pollCopilotSessionState()

	select {
	case <-w.Events():
		t.Fatal("should not emit without cwd")
	default:
	}
}

func TestCopilotSessionStateEmitsWithCwd(t *testing.T) {
	copilotDir := t.TempDir()
	id := "44444444-4444-4444-4444-444444444444"
	dir := filepath.Join(copilotDir, "session-state", id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	content := fmt.Sprintf("cwd: %s\nsummary: fixing bug\nupdated_at: 2026-01-01T00:00:00Z\n", t.TempDir())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "workspace.yaml"), []byte(content), 0o600))

	w, err := New(Config{ClaudeDir: t.TempDir(), CopilotDir: copilotDir, IsKnownDir: alwaysUnknown, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	w.pollCopilotSessionState()

	select {
	case d := <-w.Events():
		require.Equal(t, "fixing bug", d.Name)
	default:
		t.Fatal("expected discovery")
	}
}
