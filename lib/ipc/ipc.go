// Package ipc implements the external-facing request/response and event
// surface of spec §6: it wraps the supervisor, the auto-discovery watcher,
// and the peer manager into the operation set a frontend calls and the
// event stream it subscribes to. Nothing downstream of this package
// depends on the shape of that frontend (§1 Non-goals: the desktop window
// shell and its renderer are an external collaborator).
package ipc

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	localdiscovery "github.com/coneilen/terminal-manager-go/lib/discovery"
	"github.com/coneilen/terminal-manager-go/lib/pathutil"
	peerdiscovery "github.com/coneilen/terminal-manager-go/lib/peer/discovery"
	"github.com/coneilen/terminal-manager-go/lib/peer/manager"
	"github.com/coneilen/terminal-manager-go/lib/peer/protocol"
	"github.com/coneilen/terminal-manager-go/lib/pty"
	"github.com/coneilen/terminal-manager-go/lib/supervisor"
)

// EventKind tags the kind of event pushed to a frontend subscriber.
type EventKind int

const (
	EventSessionOutput EventKind = iota
	EventSessionUpdate
	EventSessionExit
	EventTunnelHostFound
	EventTunnelHostLost
	EventTunnelConnected
	EventTunnelDisconnected
)

// Event is a single IPC notification (spec §6 "IPC events").
type Event struct {
	Kind       EventKind
	SessionID  string
	Data       []byte
	Session    *protocol.SessionView
	Code       int
	Host       *peerdiscovery.Host
	InstanceID string
}

// Config configures a Service.
type Config struct {
	Supervisor *supervisor.Supervisor

	// Watcher and Manager are optional. A nil Watcher disables
	// getImportable/import; a nil Manager disables every tunnel.* and
	// *RemoteSession operation, matching the "peer fabric disabled" case
	// of spec §4.3 when no git email is configured.
	Watcher *localdiscovery.Watcher
	Manager *manager.Manager

	Clock clockwork.Clock
	Log   *logrus.Entry
}

func (c *Config) checkAndSetDefaults() error {
	if c.Supervisor == nil {
		return trace.BadParameter("missing supervisor")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return nil
}

// Service is the single entrypoint a frontend transport (CLI, local socket,
// desktop shell bridge) calls into.
type Service struct {
	cfg Config
	log *logrus.Entry

	mu         sync.Mutex
	importable map[string]localdiscovery.Discovered

	events chan Event
	done   chan struct{}
}

// New constructs a Service. Call Start to begin forwarding events.
func New(cfg Config) (*Service, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{
		cfg:        cfg,
		log:        cfg.Log.WithField(trace.Component, "ipc"),
		importable: make(map[string]localdiscovery.Discovered),
		events:     make(chan Event, 256),
		done:       make(chan struct{}),
	}, nil
}

// Events returns the channel of frontend-bound notifications.
func (s *Service) Events() <-chan Event { return s.events }

// Start subscribes to the supervisor's event bus and, if configured, the
// watcher's and manager's event streams. Each runs on its own goroutine
// following the single-reader-per-source discipline of spec §5.
func (s *Service) Start() {
	go s.forwardSupervisorEvents()
	if s.cfg.Watcher != nil {
		go s.forwardWatcherEvents()
	}
	if s.cfg.Manager != nil {
		go s.forwardManagerEvents()
	}
}

// Stop halts event forwarding. The supervisor, watcher, and manager are
// torn down independently by their owners.
func (s *Service) Stop() {
	close(s.done)
}

func (s *Service) forwardSupervisorEvents() {
	sub := s.cfg.Supervisor.Subscribe()
	for {
		select {
		case ev := <-sub:
			switch {
			case ev.Output != nil:
				s.emit(Event{Kind: EventSessionOutput, SessionID: ev.Output.ID, Data: ev.Output.Data})
			case ev.Update != nil:
				view := toView(ev.Update.Session)
				s.emit(Event{Kind: EventSessionUpdate, Session: &view})
			case ev.Exit != nil:
				s.emit(Event{Kind: EventSessionExit, SessionID: ev.Exit.ID, Code: ev.Exit.Code})
			}
		case <-s.done:
			return
		}
	}
}

func (s *Service) forwardWatcherEvents() {
	for {
		select {
		case d, ok := <-s.cfg.Watcher.Events():
			if !ok {
				return
			}
			s.mu.Lock()
			s.importable[d.SessionID] = d
			s.mu.Unlock()
		case <-s.done:
			return
		}
	}
}

func (s *Service) forwardManagerEvents() {
	for {
		select {
		case ev := <-s.cfg.Manager.Events():
			switch ev.Kind {
			case manager.EventHostFound:
				s.emit(Event{Kind: EventTunnelHostFound, Host: ev.Host})
			case manager.EventHostLost:
				s.emit(Event{Kind: EventTunnelHostLost, InstanceID: ev.InstanceID})
			case manager.EventConnected:
				s.emit(Event{Kind: EventTunnelConnected, InstanceID: ev.InstanceID})
			case manager.EventDisconnected:
				s.emit(Event{Kind: EventTunnelDisconnected, InstanceID: ev.InstanceID})
			case manager.EventSessionOutput:
				s.emit(Event{Kind: EventSessionOutput, SessionID: ev.SessionID, Data: ev.Data})
			case manager.EventSessionUpdate:
				s.emit(Event{Kind: EventSessionUpdate, Session: ev.Session})
			case manager.EventSessionExit:
				s.emit(Event{Kind: EventSessionExit, SessionID: ev.SessionID, Code: ev.Code})
			}
		case <-s.done:
			return
		}
	}
}

func (s *Service) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("ipc event channel full, dropping event")
	}
}

func toView(sess supervisor.Session) protocol.SessionView {
	return protocol.SessionView{
		ID:              sess.ID,
		Name:            sess.Name,
		Kind:            string(sess.Kind),
		Status:          string(sess.Status),
		WorkingDir:      sess.Metadata.WorkingDir,
		GitRoot:         sess.Metadata.GitRoot,
		GitBranch:       sess.Metadata.GitBranch,
		Model:           sess.Metadata.Model,
		ContextUsed:     sess.Metadata.ContextUsed,
		LastMessage:     sess.Metadata.LastMessage,
		WaitingForInput: sess.Metadata.WaitingForInput,
	}
}

// withReplay attaches the session's buffered scrollback to view, if any is
// available. Used only at the call sites a frontend might first see a
// session after it started (get(id), create), not on every list/update.
func (s *Service) withReplay(view protocol.SessionView, id string) protocol.SessionView {
	if buf := s.cfg.Supervisor.Replay(id); len(buf) > 0 {
		view.Replay = protocol.EncodeWriteData(buf)
	}
	return view
}

// --- Session operations (spec §6 "Session") ---

// CreateSession implements create(kind, dir, name?).
func (s *Service) CreateSession(kind pty.Kind, workingDir, name string) (protocol.SessionView, error) {
	dir, err := pathutil.Expand(workingDir)
	if err != nil {
		return protocol.SessionView{}, trace.Wrap(err)
	}
	sess, err := s.cfg.Supervisor.Create(supervisor.CreateParams{Kind: kind, WorkingDir: dir, Name: name})
	if err != nil {
		return protocol.SessionView{}, trace.Wrap(err)
	}
	return s.withReplay(toView(sess), sess.ID), nil
}

// CloseSession implements close(id).
func (s *Service) CloseSession(id string) error {
	return trace.Wrap(s.cfg.Supervisor.Close(id))
}

// RemoveSession implements remove(id).
func (s *Service) RemoveSession(id string) error {
	return trace.Wrap(s.cfg.Supervisor.Remove(id))
}

// RestartSession implements restart(id).
func (s *Service) RestartSession(id string) (protocol.SessionView, error) {
	sess, err := s.cfg.Supervisor.Restart(id)
	if err != nil {
		return protocol.SessionView{}, trace.Wrap(err)
	}
	return toView(sess), nil
}

// ListSessions implements list().
func (s *Service) ListSessions() []protocol.SessionView {
	sessions := s.cfg.Supervisor.List()
	out := make([]protocol.SessionView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toView(sess))
	}
	return out
}

// GetSession implements get(id).
func (s *Service) GetSession(id string) (protocol.SessionView, bool) {
	sess, ok := s.cfg.Supervisor.Get(id)
	if !ok {
		return protocol.SessionView{}, false
	}
	return s.withReplay(toView(sess), sess.ID), true
}

// WriteSession implements write(id, data), a oneway operation. A
// tunnel-form id is routed to the owning peer instead of the local
// supervisor, so a frontend can write back to whatever id a session:output
// event carried without tracking which ids are local versus remote.
func (s *Service) WriteSession(id string, data []byte) error {
	if manager.IsTunnelID(id) {
		if s.cfg.Manager == nil {
			return trace.BadParameter("peer fabric is disabled")
		}
		instanceID, remoteID, err := manager.ParseTunnelID(id)
		if err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(s.cfg.Manager.WriteRemoteSession(instanceID, remoteID, data))
	}
	return trace.Wrap(s.cfg.Supervisor.Write(id, data))
}

// ResizeSession implements resize(id, cols, rows), a oneway operation, with
// the same local/remote routing as WriteSession.
func (s *Service) ResizeSession(id string, cols, rows int) error {
	if manager.IsTunnelID(id) {
		if s.cfg.Manager == nil {
			return trace.BadParameter("peer fabric is disabled")
		}
		instanceID, remoteID, err := manager.ParseTunnelID(id)
		if err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(s.cfg.Manager.ResizeRemoteSession(instanceID, remoteID, cols, rows))
	}
	return trace.Wrap(s.cfg.Supervisor.Resize(id, cols, rows))
}

// GetImportable implements getImportable(): the set of auto-discovered
// sessions not yet claimed by a local session.
func (s *Service) GetImportable() []localdiscovery.Discovered {
	if s.cfg.Watcher == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]localdiscovery.Discovered, 0, len(s.importable))
	for _, d := range s.importable {
		out = append(out, d)
	}
	return out
}

// Import implements import(project, name?): materializes a previously
// discovered candidate (keyed by its underlying session id, the "project"
// argument) into a real, supervised session.
func (s *Service) Import(project, name string) (protocol.SessionView, error) {
	s.mu.Lock()
	d, ok := s.importable[project]
	if ok {
		delete(s.importable, project)
	}
	s.mu.Unlock()
	if !ok {
		return protocol.SessionView{}, trace.NotFound("no importable session %q", project)
	}

	if name == "" {
		name = d.Name
	}
	sess, err := s.cfg.Supervisor.Create(supervisor.CreateParams{
		Kind:       d.Kind,
		WorkingDir: d.WorkingDir,
		Name:       name,
	})
	if err != nil {
		return protocol.SessionView{}, trace.Wrap(err)
	}
	return toView(sess), nil
}

// bulkLoadFile is the shape accepted by loadFromFile (spec §6 "Config").
type bulkLoadFile struct {
	Sessions []bulkLoadEntry `json:"sessions"`
}

type bulkLoadEntry struct {
	Type   string `json:"type"`
	Folder string `json:"folder"`
	Name   string `json:"name,omitempty"`
}

// LoadFromFile implements loadFromFile(path): bulk-creates sessions from a
// JSON file of {sessions: [{type, folder, name?}, ...]}. A single entry's
// failure is logged and skipped; the rest of the batch still runs (spec §7
// rule 3: a single session's failure never affects others). An entry whose
// (kind, workingDir) pair already matches an existing session is skipped as
// a duplicate rather than recreated (spec.md §8 scenario 4); the number of
// duplicates skipped is logged, since loadFromFile returns only the newly
// created sessions.
func (s *Service) LoadFromFile(path string) ([]protocol.SessionView, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err, "reading bulk session file")
	}

	var file bulkLoadFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, trace.Wrap(err, "parsing bulk session file")
	}

	type kindDir struct {
		kind pty.Kind
		dir  string
	}
	existing := make(map[kindDir]bool)
	for _, sess := range s.cfg.Supervisor.List() {
		existing[kindDir{kind: sess.Kind, dir: sess.Metadata.WorkingDir}] = true
	}

	created := make([]protocol.SessionView, 0, len(file.Sessions))
	skipped := 0
	for _, entry := range file.Sessions {
		dir, err := pathutil.Expand(entry.Folder)
		if err != nil {
			s.log.WithError(err).WithField("folder", entry.Folder).Warn("skipping bulk session entry")
			skipped++
			continue
		}

		key := kindDir{kind: pty.Kind(entry.Type), dir: dir}
		if existing[key] {
			skipped++
			continue
		}

		sess, err := s.cfg.Supervisor.Create(supervisor.CreateParams{
			Kind:       key.kind,
			WorkingDir: dir,
			Name:       entry.Name,
		})
		if err != nil {
			s.log.WithError(err).WithField("folder", dir).Warn("skipping bulk session entry")
			skipped++
			continue
		}
		existing[key] = true
		created = append(created, toView(sess))
	}

	if skipped > 0 {
		s.log.WithField("skipped", skipped).Info("bulk load skipped pre-existing or invalid entries")
	}
	return created, nil
}

// OpenFolderDialog implements openFolderDialog(). Native file-picker UI is
// an explicit non-goal of the core (§1): the desktop shell owns dialogs and
// calls createSession/import directly with whatever path the user picked.
func (s *Service) OpenFolderDialog() (string, error) {
	return "", trace.NotImplemented("openFolderDialog is a frontend-only operation")
}

// OpenSessionsFileDialog implements openSessionsFileDialog(), for the same
// reason as OpenFolderDialog.
func (s *Service) OpenSessionsFileDialog() (string, error) {
	return "", trace.NotImplemented("openSessionsFileDialog is a frontend-only operation")
}

// --- Peer operations (spec §6 "Peer") ---

// TunnelGetStatus implements tunnel.getStatus().
func (s *Service) TunnelGetStatus() manager.Status {
	if s.cfg.Manager == nil {
		return manager.Status{Enabled: false}
	}
	return s.cfg.Manager.GetStatus()
}

// GetDiscoveredHosts implements getDiscoveredHosts().
func (s *Service) GetDiscoveredHosts() []peerdiscovery.Host {
	if s.cfg.Manager == nil {
		return nil
	}
	return s.cfg.Manager.GetDiscoveredHosts()
}

// GetConnectedHosts implements getConnectedHosts().
func (s *Service) GetConnectedHosts() []peerdiscovery.Host {
	if s.cfg.Manager == nil {
		return nil
	}
	return s.cfg.Manager.GetConnectedHosts()
}

// Connect implements connect(instanceId).
func (s *Service) Connect(instanceID string) error {
	if s.cfg.Manager == nil {
		return trace.BadParameter("peer fabric is disabled")
	}
	return trace.Wrap(s.cfg.Manager.Connect(instanceID))
}

// Disconnect implements disconnect(instanceId).
func (s *Service) Disconnect(instanceID string) error {
	if s.cfg.Manager == nil {
		return trace.BadParameter("peer fabric is disabled")
	}
	return trace.Wrap(s.cfg.Manager.Disconnect(instanceID))
}

// ListRemoteSessions implements listSessions(instanceId). Returned ids are
// already in tunnel:<instanceId>:<remoteId> form (applied by the manager,
// the sole site of that transform).
func (s *Service) ListRemoteSessions(instanceID string) ([]protocol.SessionView, error) {
	if s.cfg.Manager == nil {
		return nil, trace.BadParameter("peer fabric is disabled")
	}
	return s.cfg.Manager.ListRemoteSessions(instanceID)
}

// CreateRemoteSession implements createSession(instanceId, kind, dir, name?).
func (s *Service) CreateRemoteSession(instanceID, kind, workingDir, name string) (*protocol.SessionView, error) {
	if s.cfg.Manager == nil {
		return nil, trace.BadParameter("peer fabric is disabled")
	}
	return s.cfg.Manager.CreateRemoteSession(instanceID, kind, workingDir, name)
}

// CloseRemoteSession implements closeSession(instanceId, sessionId), with
// sessionId in the peer's own (non-prefixed) id space.
func (s *Service) CloseRemoteSession(instanceID, sessionID string) error {
	if s.cfg.Manager == nil {
		return trace.BadParameter("peer fabric is disabled")
	}
	return trace.Wrap(s.cfg.Manager.CloseRemoteSession(instanceID, sessionID))
}
