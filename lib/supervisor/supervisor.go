// Package supervisor owns every local PTY-backed session: lifecycle,
// metadata extraction wiring, persistence, and event fan-out to the IPC
// surface and the peer server (spec §4.7).
package supervisor

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/coneilen/terminal-manager-go/lib/metadata"
	"github.com/coneilen/terminal-manager-go/lib/pathutil"
	"github.com/coneilen/terminal-manager-go/lib/pty"
	"github.com/coneilen/terminal-manager-go/lib/store"
)

// Status is a session's lifecycle state (spec §3).
type Status string

const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
	StatusClosed Status = "closed"
)

// Metadata holds the extractor-derived, best-effort session state.
type Metadata struct {
	WorkingDir      string
	GitRoot         string
	GitBranch       string
	Model           string
	ContextUsed     string
	LastMessage     string
	WaitingForInput bool
}

// Session is the central entity of spec §3.
type Session struct {
	ID        string
	Name      string
	Kind      pty.Kind
	Status    Status
	Metadata  Metadata
	CreatedAt time.Time
}

// CreateParams are the arguments to Create.
type CreateParams struct {
	ID         string // non-empty means "restore", not "new"
	Kind       pty.Kind
	WorkingDir string
	Name       string
	Resume     bool
}

// Event is the tagged union emitted on the supervisor's broadcast bus,
// consumed independently by the IPC surface and the peer server.
type Event struct {
	Output *OutputEvent
	Update *UpdateEvent
	Exit   *ExitEvent
}

type OutputEvent struct {
	ID   string
	Data []byte
}

type UpdateEvent struct {
	Session Session
}

type ExitEvent struct {
	ID   string
	Code int
}

type entry struct {
	session Session
	handle  *pty.Session
}

// Config configures a Supervisor.
type Config struct {
	Store *store.Store
	Clock clockwork.Clock
	Log   *logrus.Entry
}

func (c *Config) checkAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return nil
}

// Supervisor owns all local sessions.
type Supervisor struct {
	cfg Config
	log *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*entry
	counters map[pty.Kind]int
	shutdown bool

	subsMu sync.Mutex
	subs   []chan Event
}

// New constructs a Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Supervisor{
		cfg:      cfg,
		log:      cfg.Log.WithField(trace.Component, "supervisor"),
		sessions: make(map[string]*entry),
		counters: make(map[pty.Kind]int),
	}, nil
}

// Subscribe returns a channel of future events. The channel is never closed
// except implicitly when the supervisor itself is garbage collected; callers
// should drain it for the lifetime of the process.
func (s *Supervisor) Subscribe() <-chan Event {
	ch := make(chan Event, 256)
	s.subsMu.Lock()
	s.subs = append(s.subs, ch)
	s.subsMu.Unlock()
	return ch
}

func (s *Supervisor) broadcast(ev Event) {
	s.mu.Lock()
	suppressed := s.shutdown
	s.mu.Unlock()
	if suppressed {
		return
	}

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.log.Warn("event subscriber channel full, dropping event")
		}
	}
}

// Create spawns a new local session (spec §4.7). An empty ID means "new
// session"; a non-empty ID means "restore" and a saved-session record is
// not written (it is assumed to already exist).
func (s *Supervisor) Create(params CreateParams) (Session, error) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return Session{}, trace.BadParameter("supervisor is shutting down")
	}
	isRestore := params.ID != ""
	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := s.sessions[id]; exists {
		s.mu.Unlock()
		return Session{}, trace.AlreadyExists("session %q already exists", id)
	}

	name := params.Name
	if name == "" {
		name = s.nextName(params.Kind)
	}
	s.mu.Unlock()

	handle, err := pty.New(pty.Config{
		Kind:       params.Kind,
		WorkingDir: params.WorkingDir,
		Resume:     params.Resume,
		Clock:      s.cfg.Clock,
		Log:        s.log,
	})
	if err != nil {
		return Session{}, trace.Wrap(err, "spawning pty")
	}

	session := Session{
		ID:     id,
		Name:   name,
		Kind:   params.Kind,
		Status: StatusActive,
		Metadata: Metadata{
			WorkingDir: params.WorkingDir,
			GitRoot:    pathutil.GitRoot(params.WorkingDir),
			GitBranch:  pathutil.GitBranch(params.WorkingDir),
		},
		CreatedAt: s.cfg.Clock.Now(),
	}

	s.mu.Lock()
	s.sessions[id] = &entry{session: session, handle: handle}
	s.mu.Unlock()

	if !isRestore {
		if err := s.cfg.Store.AddOrReplace(store.Record{
			ID: id, Name: name, Kind: string(params.Kind), WorkingDir: params.WorkingDir,
		}); err != nil {
			s.log.WithError(err).Warn("failed to persist new session record")
		}
	}

	go s.pump(id, handle)

	return session, nil
}

func (s *Supervisor) nextName(kind pty.Kind) string {
	s.counters[kind]++
	return string(kind) + "-" + strconv.Itoa(s.counters[kind])
}

// pump reads the pty's data/exit channels and fans them into session
// metadata updates and broadcast events. One pump runs per session handle,
// satisfying the single-reader-per-entity discipline of spec §5.
func (s *Supervisor) pump(id string, handle *pty.Session) {
	for chunk := range handle.Data() {
		s.broadcast(Event{Output: &OutputEvent{ID: id, Data: chunk}})
		s.applyMetadataPatch(id, metadata.Extract(chunk))
	}

	exit, ok := <-handle.Exit()
	if !ok {
		return
	}

	s.mu.Lock()
	e, exists := s.sessions[id]
	if exists {
		e.session.Status = StatusClosed
	}
	s.mu.Unlock()

	if exists {
		s.broadcast(Event{Exit: &ExitEvent{ID: id, Code: exit.Code}})
		s.broadcast(Event{Update: &UpdateEvent{Session: e.session}})
	}
}

// applyMetadataPatch applies only the fields present in patch, and emits a
// session-update event iff at least one field actually changed.
func (s *Supervisor) applyMetadataPatch(id string, patch metadata.Patch) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return
	}

	changed := false
	m := &e.session.Metadata
	if patch.Model != nil && *patch.Model != m.Model {
		m.Model = *patch.Model
		changed = true
	}
	if patch.ContextUsed != nil && *patch.ContextUsed != m.ContextUsed {
		m.ContextUsed = *patch.ContextUsed
		changed = true
	}
	if patch.LastMessage != nil && *patch.LastMessage != m.LastMessage {
		m.LastMessage = *patch.LastMessage
		changed = true
	}
	if patch.WaitingForInput != nil && *patch.WaitingForInput != m.WaitingForInput {
		m.WaitingForInput = *patch.WaitingForInput
		changed = true
	}
	session := e.session
	s.mu.Unlock()

	if changed {
		s.broadcast(Event{Update: &UpdateEvent{Session: session}})
	}
}

// Close kills the PTY, keeps the record with status=closed, keeps persistence.
func (s *Supervisor) Close(id string) error {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return trace.NotFound("session %q not found", id)
	}
	e.handle.Kill()
	e.session.Status = StatusClosed
	session := e.session
	s.mu.Unlock()

	s.broadcast(Event{Update: &UpdateEvent{Session: session}})
	return nil
}

// Remove kills the PTY, drops the record, and drops persistence.
func (s *Supervisor) Remove(id string) error {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return trace.NotFound("session %q not found", id)
	}
	e.handle.Kill()
	delete(s.sessions, id)
	s.mu.Unlock()

	if err := s.cfg.Store.Remove(id); err != nil {
		s.log.WithError(err).Warn("failed to remove persisted session record")
	}
	return nil
}

// Restart requires an existing closed record and respawns its PTY with
// resume=true.
func (s *Supervisor) Restart(id string) (Session, error) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return Session{}, trace.NotFound("session %q not found", id)
	}
	if e.session.Status != StatusClosed {
		s.mu.Unlock()
		return Session{}, trace.BadParameter("session %q is not closed", id)
	}
	kind := e.session.Kind
	workingDir := e.session.Metadata.WorkingDir
	s.mu.Unlock()

	handle, err := pty.New(pty.Config{
		Kind:       kind,
		WorkingDir: workingDir,
		Resume:     true,
		Clock:      s.cfg.Clock,
		Log:        s.log,
	})
	if err != nil {
		return Session{}, trace.Wrap(err, "respawning pty")
	}

	s.mu.Lock()
	e, ok = s.sessions[id]
	if !ok {
		s.mu.Unlock()
		handle.Kill()
		return Session{}, trace.NotFound("session %q not found", id)
	}
	e.handle = handle
	e.session.Status = StatusActive
	e.session.Metadata.GitBranch = pathutil.GitBranch(workingDir)
	session := e.session
	s.mu.Unlock()

	go s.pump(id, handle)

	s.broadcast(Event{Update: &UpdateEvent{Session: session}})
	return session, nil
}

// RestoreSessions reads persistence and re-creates each record with
// resume=true (spec §4.7, §3 Lifecycle (d)).
func (s *Supervisor) RestoreSessions() {
	for _, r := range s.cfg.Store.Load() {
		_, err := s.Create(CreateParams{
			ID:         r.ID,
			Kind:       pty.Kind(r.Kind),
			WorkingDir: r.WorkingDir,
			Name:       r.Name,
			Resume:     true,
		})
		if err != nil {
			s.log.WithError(err).WithField("session", r.ID).Warn("failed to restore session")
		}
	}
}

// Write forwards bytes to a session's PTY. No-op if the PTY is not running.
func (s *Supervisor) Write(id string, data []byte) error {
	s.mu.Lock()
	e, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return e.handle.Write(data)
}

// Resize forwards a resize to a session's PTY. No-op if not running.
func (s *Supervisor) Resize(id string, cols, rows int) error {
	s.mu.Lock()
	e, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return e.handle.Resize(cols, rows)
}

// List returns a snapshot of all known sessions.
func (s *Supervisor) List() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for _, e := range s.sessions {
		out = append(out, e.session)
	}
	return out
}

// Get returns a single session by id.
func (s *Supervisor) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return e.session, true
}

// Replay returns the in-memory scrollback for a known session, running or
// closed, and nil for an unknown id.
func (s *Supervisor) Replay(id string) []byte {
	s.mu.Lock()
	e, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return e.handle.Replay()
}

// CloseAll kills every local PTY and suppresses further event emission
// (spec §4.7 Shutdown).
func (s *Supervisor) CloseAll() {
	s.mu.Lock()
	s.shutdown = true
	handles := make([]*pty.Session, 0, len(s.sessions))
	for _, e := range s.sessions {
		handles = append(handles, e.handle)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Kill()
	}
}
