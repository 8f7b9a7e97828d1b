// Package manager implements the peer manager of spec §4.11: it owns
// identity, discovery, the peer server, and the instance-id→client map,
// and is the sole site that applies the tunnel:<instanceId>:<remoteId> id
// transform before events reach the IPC surface.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/coneilen/terminal-manager-go/lib/identity"
	"github.com/coneilen/terminal-manager-go/lib/metrics"
	"github.com/coneilen/terminal-manager-go/lib/peer/client"
	"github.com/coneilen/terminal-manager-go/lib/peer/discovery"
	"github.com/coneilen/terminal-manager-go/lib/peer/protocol"
	"github.com/coneilen/terminal-manager-go/lib/peer/server"
	"github.com/coneilen/terminal-manager-go/lib/supervisor"
)

const tunnelPrefix = "tunnel:"

// IsTunnelID reports whether id crosses the IPC boundary as a remote
// session id (spec §6). makeTunnelID applies the transform and
// ParseTunnelID reverses it; no other code does either.
func IsTunnelID(id string) bool {
	return len(id) > len(tunnelPrefix) && id[:len(tunnelPrefix)] == tunnelPrefix
}

// ParseTunnelID splits a tunnel:<instanceId>:<remoteId> id into its parts.
func ParseTunnelID(id string) (instanceID, remoteID string, err error) {
	if !IsTunnelID(id) {
		return "", "", trace.BadParameter("not a tunnel id: %q", id)
	}
	rest := id[len(tunnelPrefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == ':' {
			return rest[:i], rest[i+1:], nil
		}
	}
	return "", "", trace.BadParameter("malformed tunnel id: %q", id)
}

func makeTunnelID(instanceID, remoteID string) string {
	return fmt.Sprintf("%s%s:%s", tunnelPrefix, instanceID, remoteID)
}

// Status is the peer fabric's overall enablement, returned by GetStatus.
type Status struct {
	Enabled  bool
	Identity *identity.Identity
}

// EventKind tags events re-emitted to the IPC surface.
type EventKind int

const (
	EventHostFound EventKind = iota
	EventHostLost
	EventConnected
	EventDisconnected
	EventSessionOutput
	EventSessionUpdate
	EventSessionExit
)

// Event is a peer-fabric notification, id-transformed where applicable.
type Event struct {
	Kind       EventKind
	Host       *discovery.Host
	InstanceID string
	SessionID  string // already transformed to tunnel:<instanceId>:<remoteId> for session events
	Data       []byte
	Session    *protocol.SessionView
	Code       int
}

type connectedPeer struct {
	client *client.Client
	host   discovery.Host
}

// Config configures a Manager.
type Config struct {
	Identity   identity.Identity
	Supervisor *supervisor.Supervisor

	// BasePort/PortProbes and BeaconInterval/HostStaleAfter override the
	// peer server's bind range and the discovery publisher's timing
	// (lib/config's daemon knobs); zero means each component's default.
	BasePort       int
	PortProbes     int
	BeaconInterval time.Duration
	HostStaleAfter time.Duration

	// Metrics is optional; when set, peer connection counts and per-call
	// RPC latency/failures are recorded against it.
	Metrics *metrics.Collector

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

// Manager orchestrates the full peer fabric for one local instance.
type Manager struct {
	cfg Config
	log *logrus.Entry

	discovery *discovery.Discovery
	server    *server.Server

	mu    sync.Mutex
	peers map[string]*connectedPeer

	events chan Event
	done   chan struct{}
}

// New constructs a Manager and its discovery and server components, but
// does not yet publish or accept connections; call Start.
func New(cfg Config) (*Manager, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	m := &Manager{
		cfg:    cfg,
		log:    cfg.Log.WithField(trace.Component, "peer-manager"),
		peers:  make(map[string]*connectedPeer),
		events: make(chan Event, 128),
		done:   make(chan struct{}),
	}

	disc, err := discovery.New(discovery.Config{
		InstanceID:     cfg.Identity.InstanceID,
		Hostname:       cfg.Identity.Hostname,
		IdentityHash:   cfg.Identity.IdentityHash,
		BeaconInterval: cfg.BeaconInterval,
		HostStaleAfter: cfg.HostStaleAfter,
		Clock:          cfg.Clock,
		Log:            cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	m.discovery = disc

	srv, err := server.New(server.Config{
		Supervisor:   cfg.Supervisor,
		InstanceID:   cfg.Identity.InstanceID,
		Hostname:     cfg.Identity.Hostname,
		IdentityHash: cfg.Identity.IdentityHash,
		Registrar:    registrarAdapter{disc},
		BasePort:     cfg.BasePort,
		PortProbes:   cfg.PortProbes,
		Clock:        cfg.Clock,
		Log:          cfg.Log,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	m.server = srv

	return m, nil
}

// registrarAdapter bridges server.RemoteRegistrar to discovery.Discovery
// without the server package importing discovery's HostStatus type.
type registrarAdapter struct {
	disc *discovery.Discovery
}

func (r registrarAdapter) RegisterReverse(h server.RemoteHost) {
	r.disc.RegisterReverse(discovery.Host{
		InstanceID:   h.InstanceID,
		Hostname:     h.Hostname,
		IdentityHash: h.IdentityHash,
		Address:      h.Address,
		Port:         h.Port,
	})
}

// Events returns the channel of IPC-bound peer-fabric events.
func (m *Manager) Events() <-chan Event { return m.events }

// Start binds the peer server, sets its advertised port on the discovery
// publisher, and begins mDNS/beacon publishing.
func (m *Manager) Start() error {
	if err := m.server.Start(); err != nil {
		return trace.Wrap(err)
	}
	m.discovery.SetAdvertisedPort(m.server.Port())

	if err := m.discovery.Start(); err != nil {
		return trace.Wrap(err)
	}

	go m.forwardDiscoveryEvents()
	return nil
}

func (m *Manager) forwardDiscoveryEvents() {
	for {
		select {
		case ev, ok := <-m.discovery.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case discovery.HostFound:
				h := ev.Host
				m.emit(Event{Kind: EventHostFound, Host: &h})
			case discovery.HostLost:
				m.emit(Event{Kind: EventHostLost, InstanceID: ev.Host.InstanceID})
			}
			if m.cfg.Metrics != nil {
				m.cfg.Metrics.DiscoveredHosts.Set(float64(len(m.discovery.Hosts())))
			}
		case <-m.done:
			return
		}
	}
}

// GetStatus reports whether the peer fabric is enabled for this process.
func (m *Manager) GetStatus() Status {
	return Status{Enabled: true, Identity: &m.cfg.Identity}
}

// GetDiscoveredHosts returns every host discovery currently knows about.
func (m *Manager) GetDiscoveredHosts() []discovery.Host {
	return m.discovery.Hosts()
}

// GetConnectedHosts returns only hosts this manager has an active client for.
func (m *Manager) GetConnectedHosts() []discovery.Host {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]discovery.Host, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p.host)
	}
	return out
}

// Connect dials a discovered host and, on success, registers its client and
// begins re-emitting its events under the tunnel id transform.
func (m *Manager) Connect(instanceID string) error {
	var target *discovery.Host
	for _, h := range m.discovery.Hosts() {
		if h.InstanceID == instanceID {
			hCopy := h
			target = &hCopy
			break
		}
	}
	if target == nil {
		return trace.NotFound("host %q not discovered", instanceID)
	}

	m.discovery.SetStatus(instanceID, discovery.HostConnecting)

	c, err := client.New(client.Config{
		Address:      fmt.Sprintf("%s:%d", target.Address, target.Port),
		InstanceID:   m.cfg.Identity.InstanceID,
		Hostname:     m.cfg.Identity.Hostname,
		IdentityHash: m.cfg.Identity.IdentityHash,
		Metrics:      m.cfg.Metrics,
		Clock:        m.cfg.Clock,
		Log:          m.cfg.Log,
	})
	if err != nil {
		m.discovery.SetStatus(instanceID, discovery.HostDiscovered)
		return trace.Wrap(err)
	}

	if err := c.Connect(); err != nil {
		m.discovery.SetStatus(instanceID, discovery.HostDiscovered)
		return trace.Wrap(err)
	}

	m.mu.Lock()
	m.peers[instanceID] = &connectedPeer{client: c, host: *target}
	peerCount := len(m.peers)
	m.mu.Unlock()
	m.reportPeerCount(peerCount)

	m.discovery.SetStatus(instanceID, discovery.HostConnected)
	go m.forwardClientEvents(instanceID, c)

	return nil
}

func (m *Manager) forwardClientEvents(instanceID string, c *client.Client) {
	for {
		select {
		case ev := <-c.Events():
			switch ev.Kind {
			case client.EventConnected, client.EventReconnected:
				m.emit(Event{Kind: EventConnected, InstanceID: instanceID})
			case client.EventDisconnected:
				m.handlePeerDisconnected(instanceID)
				m.emit(Event{Kind: EventDisconnected, InstanceID: instanceID})
			case client.EventSessionOutput:
				m.emit(Event{Kind: EventSessionOutput, SessionID: makeTunnelID(instanceID, ev.SessionID), Data: ev.Data})
			case client.EventSessionUpdate:
				sess := ev.Session
				if sess != nil {
					view := *sess
					view.ID = makeTunnelID(instanceID, view.ID)
					sess = &view
				}
				m.emit(Event{Kind: EventSessionUpdate, InstanceID: instanceID, Session: sess})
			case client.EventSessionExit:
				m.emit(Event{Kind: EventSessionExit, SessionID: makeTunnelID(instanceID, ev.SessionID), Code: ev.Code})
			}
		case <-c.Done():
			return
		}
	}
}

func (m *Manager) handlePeerDisconnected(instanceID string) {
	m.mu.Lock()
	delete(m.peers, instanceID)
	peerCount := len(m.peers)
	m.mu.Unlock()
	m.reportPeerCount(peerCount)
	m.discovery.SetStatus(instanceID, discovery.HostDiscovered)
}

// Disconnect tears down an active client connection.
func (m *Manager) Disconnect(instanceID string) error {
	m.mu.Lock()
	p, ok := m.peers[instanceID]
	delete(m.peers, instanceID)
	peerCount := len(m.peers)
	m.mu.Unlock()
	if !ok {
		return trace.NotFound("not connected to %q", instanceID)
	}

	p.client.Close()
	m.reportPeerCount(peerCount)
	m.discovery.SetStatus(instanceID, discovery.HostDiscovered)
	return nil
}

func (m *Manager) reportPeerCount(n int) {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.PeerConnections.Set(float64(n))
	}
}

func (m *Manager) clientFor(instanceID string) (*client.Client, error) {
	m.mu.Lock()
	p, ok := m.peers[instanceID]
	m.mu.Unlock()
	if !ok {
		return nil, trace.NotFound("not connected to %q", instanceID)
	}
	return p.client, nil
}

// ListRemoteSessions requests the session list from a connected peer, with
// each session id rewritten to the tunnel:<instanceId>:<remoteId> form
// before it reaches the IPC surface.
func (m *Manager) ListRemoteSessions(instanceID string) ([]protocol.SessionView, error) {
	c, err := m.clientFor(instanceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sessions, err := c.ListSessions(uuid.NewString())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for i := range sessions {
		sessions[i].ID = makeTunnelID(instanceID, sessions[i].ID)
	}
	return sessions, nil
}

// CreateRemoteSession requests a connected peer create a new session. The
// returned view's id is rewritten to the tunnel id form.
func (m *Manager) CreateRemoteSession(instanceID, kind, workingDir, name string) (*protocol.SessionView, error) {
	c, err := m.clientFor(instanceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	view, err := c.CreateSession(uuid.NewString(), kind, workingDir, name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if view != nil {
		view.ID = makeTunnelID(instanceID, view.ID)
	}
	return view, nil
}

// CloseRemoteSession requests a connected peer close a session.
func (m *Manager) CloseRemoteSession(instanceID, sessionID string) error {
	c, err := m.clientFor(instanceID)
	if err != nil {
		return trace.Wrap(err)
	}
	return c.CloseSession(uuid.NewString(), sessionID)
}

// WriteRemoteSession forwards PTY input to a connected peer's session.
func (m *Manager) WriteRemoteSession(instanceID, sessionID string, data []byte) error {
	c, err := m.clientFor(instanceID)
	if err != nil {
		return trace.Wrap(err)
	}
	return c.Write(sessionID, data)
}

// ResizeRemoteSession forwards a resize to a connected peer's session.
func (m *Manager) ResizeRemoteSession(instanceID, sessionID string, cols, rows int) error {
	c, err := m.clientFor(instanceID)
	if err != nil {
		return trace.Wrap(err)
	}
	return c.Resize(sessionID, cols, rows)
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.log.Warn("peer manager event channel full, dropping event")
	}
}

// Shutdown tears down every connected client, the peer server, and discovery.
func (m *Manager) Shutdown() {
	close(m.done)

	m.mu.Lock()
	peers := make([]*connectedPeer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()
	for _, p := range peers {
		p.client.Close()
	}

	m.discovery.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.server.Shutdown(ctx); err != nil {
		m.log.WithError(err).Warn("peer server shutdown did not complete cleanly")
	}
}
