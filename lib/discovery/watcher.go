// Package discovery implements the auto-discovery watcher of spec §4.6: a
// passive, polling observer of kind-A's history log and project directory
// and kind-B's session-state directory, deduplicated by working directory.
package discovery

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/coneilen/terminal-manager-go/lib/pathutil"
	"github.com/coneilen/terminal-manager-go/lib/pty"
)

const pollInterval = 10 * time.Second

// Discovered is a session candidate surfaced to the frontend for possible
// materialization. It is never itself turned into a session by this
// package; the supervisor decides.
type Discovered struct {
	SessionID  string
	Kind       pty.Kind
	WorkingDir string
	Name       string
	LastMessage string
	Timestamp  time.Time
}

// KnownDirChecker reports whether a working directory is already
// represented by a session the supervisor knows about.
type KnownDirChecker func(workingDir string) bool

// Config configures a Watcher.
type Config struct {
	ClaudeDir  string // kind-A config root, contains history.jsonl and projects/
	CopilotDir string // kind-B config root, contains session-state/
	IsKnownDir KnownDirChecker

	// PollInterval overrides the default 10s polling period. Zero means
	// default.
	PollInterval time.Duration

	Clock clockwork.Clock
	Log   *logrus.Entry
}

func (c *Config) checkAndSetDefaults() error {
	if c.IsKnownDir == nil {
		return trace.BadParameter("missing IsKnownDir callback")
	}
	if c.PollInterval == 0 {
		c.PollInterval = pollInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return nil
}

// Watcher polls the three sources described in spec §4.6 on a fixed
// interval and emits Discovered events for novel working directories.
type Watcher struct {
	cfg Config
	log *logrus.Entry

	events chan Discovered

	historyOffset int64
	historyMTime  time.Time

	seenSessionIDs map[string]bool
	claimedDirs    map[string]bool

	done chan struct{}
}

// New constructs a Watcher. Call Run to start polling.
func New(cfg Config) (*Watcher, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Watcher{
		cfg:            cfg,
		log:            cfg.Log.WithField(trace.Component, "discovery"),
		events:         make(chan Discovered, 32),
		seenSessionIDs: make(map[string]bool),
		claimedDirs:    make(map[string]bool),
		done:           make(chan struct{}),
	}, nil
}

// Events returns the channel of discovered sessions.
func (w *Watcher) Events() <-chan Discovered { return w.events }

// Run polls immediately, then on the fixed interval, until Stop is called.
// It is meant to run on its own goroutine.
func (w *Watcher) Run() {
	w.pollOnce()

	ticker := w.cfg.Clock.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			w.pollOnce()
		case <-w.done:
			return
		}
	}
}

// Stop halts polling.
func (w *Watcher) Stop() {
	close(w.done)
}

func (w *Watcher) pollOnce() {
	w.pollHistoryLog()
	w.pollProjectDir()
	w.pollCopilotSessionState()
}

// claim returns true and records the claim iff sessionID is novel and
// workingDir is not already known or already claimed by a prior discovery
// (spec §4.6 "working directory claim").
func (w *Watcher) claim(sessionID, workingDir string) bool {
	if w.seenSessionIDs[sessionID] {
		return false
	}
	w.seenSessionIDs[sessionID] = true

	if w.claimedDirs[workingDir] {
		return false
	}
	if w.cfg.IsKnownDir(workingDir) {
		w.claimedDirs[workingDir] = true
		return false
	}

	w.claimedDirs[workingDir] = true
	return true
}

func (w *Watcher) emit(d Discovered) {
	select {
	case w.events <- d:
	default:
		w.log.Warn("discovery event channel full, dropping event")
	}
}

// --- Source 1: kind-A history log ---

type historyLine struct {
	SessionID string `json:"sessionId"`
	Project   string `json:"project"`
	Display   string `json:"display"`
	Timestamp string `json:"timestamp"`
}

func (w *Watcher) historyLogPath() string {
	return filepath.Join(w.cfg.ClaudeDir, "history.jsonl")
}

func (w *Watcher) pollHistoryLog() {
	path := w.historyLogPath()
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	if info.Size() < w.historyOffset {
		// Truncation: reset and skip this cycle (spec §4.6).
		w.historyOffset = 0
		w.historyMTime = info.ModTime()
		return
	}
	if info.Size() == w.historyOffset {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		w.log.WithError(err).Warn("failed to open history log")
		return
	}
	defer f.Close()

	if _, err := f.Seek(w.historyOffset, 0); err != nil {
		w.log.WithError(err).Warn("failed to seek history log")
		return
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lastGoodOffset = w.historyOffset
	for scanner.Scan() {
		line := scanner.Bytes()
		lastGoodOffset += int64(len(line)) + 1

		var h historyLine
		if err := json.Unmarshal(line, &h); err != nil {
			continue // parse failure: discard the offending unit (spec §7.2)
		}
		if h.SessionID == "" || h.Project == "" {
			continue
		}

		ts, _ := time.Parse(time.RFC3339, h.Timestamp)
		if w.claim(h.SessionID, h.Project) {
			w.emit(Discovered{
				SessionID:   h.SessionID,
				Kind:        pty.KindA,
				WorkingDir:  h.Project,
				Name:        h.Display,
				LastMessage: h.Display,
				Timestamp:   ts,
			})
		}
	}

	w.historyOffset = info.Size()
	w.historyMTime = info.ModTime()
}

// --- Source 2: kind-A project directory ---

var uuidRe = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

func (w *Watcher) pollProjectDir() {
	root := filepath.Join(w.cfg.ClaudeDir, "projects")
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}

	for _, dirEntry := range entries {
		if !dirEntry.IsDir() {
			continue
		}
		encoded := dirEntry.Name()
		workingDir := pathutil.DecodeProjectDir(encoded)

		sessionFiles, err := os.ReadDir(filepath.Join(root, encoded))
		if err != nil {
			continue
		}

		for _, sf := range sessionFiles {
			name := strings.TrimSuffix(sf.Name(), ".jsonl")
			if name == sf.Name() || !uuidRe.MatchString(name) {
				continue
			}
			if w.claim(name, workingDir) {
				w.emit(Discovered{
					SessionID:  name,
					Kind:       pty.KindA,
					WorkingDir: workingDir,
					Name:       filepath.Base(workingDir),
					Timestamp:  w.cfg.Clock.Now(),
				})
			}
		}
	}
}

// --- Source 3: kind-B session-state directory ---

func (w *Watcher) pollCopilotSessionState() {
	root := filepath.Join(w.cfg.CopilotDir, "session-state")
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}

	for _, dirEntry := range entries {
		if !dirEntry.IsDir() {
			continue
		}
		id := dirEntry.Name()
		if !uuidRe.MatchString(id) {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(root, id, "workspace.yaml"))
		if err != nil {
			continue
		}

		fields, err := parseFlatYAML(raw)
		if err != nil {
			continue
		}

		cwd := fields["cwd"]
		if cwd == "" {
			continue
		}

		if w.claim(id, cwd) {
			ts := w.cfg.Clock.Now()
			if updatedAt, ok := fields["updated_at"]; ok {
				if parsed, err := time.Parse(time.RFC3339, updatedAt); err == nil {
					ts = parsed
				}
			}

			name := fields["summary"]
			if name == "" {
				name = filepath.Base(cwd)
			}

			w.emit(Discovered{
				SessionID:   id,
				Kind:        pty.KindB,
				WorkingDir:  cwd,
				Name:        name,
				LastMessage: fields["summary"],
				Timestamp:   ts,
			})
		}
	}
}

// parseFlatYAML decodes a flat "key: value" document into a string map.
func parseFlatYAML(raw []byte) (map[string]string, error) {
	var out map[string]string
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&out); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}
