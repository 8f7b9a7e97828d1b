// Package server implements the peer fabric's accepting side (spec §4.9): a
// TCP listener speaking a websocket-framed, DH-keyed, AES-GCM-encrypted
// session RPC protocol, broadcasting local supervisor events to every
// authenticated client.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/coneilen/terminal-manager-go/lib/cryptoutil"
	"github.com/coneilen/terminal-manager-go/lib/peer/protocol"
	"github.com/coneilen/terminal-manager-go/lib/pty"
	"github.com/coneilen/terminal-manager-go/lib/supervisor"
)

const (
	basePort    = 9500
	portProbes  = 11 // base + up through +10
	drainWait   = 200 * time.Millisecond
)

// RemoteRegistrar is implemented by the discovery package; the server calls
// it on every authenticated accept to synthesize a reverse-discovered host
// (spec §4.8 "Reverse discovery").
type RemoteRegistrar interface {
	RegisterReverse(host RemoteHost)
}

// RemoteHost is the subset of discovery.Host the server can populate
// without importing the discovery package's HostStatus machinery.
type RemoteHost struct {
	InstanceID   string
	Hostname     string
	IdentityHash string
	Address      string
	Port         int
}

// Config configures a Server.
type Config struct {
	Supervisor   *supervisor.Supervisor
	InstanceID   string
	Hostname     string
	IdentityHash string
	Registrar    RemoteRegistrar // optional

	// BasePort and PortProbes override the default 9500-9510 bind range
	// (spec.md §6 "Network ports"). Zero means use the default.
	BasePort   int
	PortProbes int

	Clock clockwork.Clock
	Log   *logrus.Entry
}

func (c *Config) checkAndSetDefaults() error {
	if c.Supervisor == nil {
		return trace.BadParameter("missing supervisor")
	}
	if c.InstanceID == "" || c.IdentityHash == "" {
		return trace.BadParameter("missing instance id or identity hash")
	}
	if c.BasePort == 0 {
		c.BasePort = basePort
	}
	if c.PortProbes == 0 {
		c.PortProbes = portProbes
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return nil
}

type client struct {
	id      string
	conn    *websocket.Conn
	key     []byte
	writeMu sync.Mutex
	closed  bool
}

func (c *client) send(msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return trace.BadParameter("client %q is closed", c.id)
	}
	raw, err := protocol.EncodeSecure(c.key, msg)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(c.conn.WriteMessage(websocket.TextMessage, raw))
}

// Server owns the peer-fabric TCP listener and every accepted connection's
// state machine.
type Server struct {
	cfg Config
	log *logrus.Entry

	upgrader websocket.Upgrader
	listener net.Listener
	httpSrv  *http.Server
	port     int

	mu      sync.Mutex
	clients map[string]*client

	sub <-chan supervisor.Event
	done chan struct{}
}

// New constructs a Server. Call Start to bind and begin accepting.
func New(cfg Config) (*Server, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Server{
		cfg:      cfg,
		log:      cfg.Log.WithField(trace.Component, "peer-server"),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:  make(map[string]*client),
		done:     make(chan struct{}),
	}, nil
}

// Start binds the listener (probing basePort..basePort+10), begins
// accepting connections, and begins broadcasting supervisor events.
func (s *Server) Start() error {
	listener, port, err := bindWithProbe(s.cfg.BasePort, s.cfg.PortProbes)
	if err != nil {
		return trace.Wrap(err)
	}
	s.listener = listener
	s.port = port

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.httpSrv = &http.Server{Handler: mux}

	s.sub = s.cfg.Supervisor.Subscribe()
	go s.broadcastLoop()

	go func() {
		if err := s.httpSrv.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Warn("peer server stopped serving")
		}
	}()

	return nil
}

// Port returns the bound TCP port.
func (s *Server) Port() int { return s.port }

func bindWithProbe(base, count int) (net.Listener, int, error) {
	var lastErr error
	for i := 0; i < count; i++ {
		port := base + i
		l, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
		if err == nil {
			return l, port, nil
		}
		lastErr = err
	}
	return nil, 0, trace.Wrap(lastErr, "all ports in range are in use")
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	go s.handleConnection(conn)
}

func (s *Server) handleConnection(conn *websocket.Conn) {
	defer conn.Close()

	key, err := s.performKeyExchange(conn)
	if err != nil {
		s.log.WithError(err).Debug("key exchange failed")
		return
	}

	remoteID, remoteHostname, remoteAddr, err := s.performAuth(conn, key)
	if err != nil {
		s.log.WithError(err).Debug("peer authentication failed")
		return
	}

	c := &client{id: remoteID, conn: conn, key: key}
	s.mu.Lock()
	s.clients[remoteID] = c
	s.mu.Unlock()

	if s.cfg.Registrar != nil {
		s.cfg.Registrar.RegisterReverse(RemoteHost{
			InstanceID: remoteID,
			Hostname:   remoteHostname,
			Address:    remoteAddr,
			Port:       s.port,
		})
	}

	s.log.WithField("remote", remoteID).Info("peer authenticated")
	s.serveClient(c)

	s.mu.Lock()
	delete(s.clients, remoteID)
	s.mu.Unlock()
}

func (s *Server) performKeyExchange(conn *websocket.Conn) ([]byte, error) {
	keyPair, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	ownMsg, err := protocol.EncodeKeyExchange(keyPair.PublicKeyBase64())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, ownMsg); err != nil {
		return nil, trace.Wrap(err)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if env.Type != protocol.EnvelopeKeyExchange || env.PublicKey == "" {
		return nil, trace.BadParameter("expected key exchange envelope")
	}

	secret, err := keyPair.ComputeSecret(env.PublicKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return secret, nil
}

func (s *Server) performAuth(conn *websocket.Conn, key []byte) (instanceID, hostname, remoteAddr string, err error) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return "", "", "", trace.Wrap(err)
	}
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		return "", "", "", trace.Wrap(err)
	}
	msg, err := protocol.DecodeSecure(key, env)
	if err != nil {
		return "", "", "", trace.Wrap(err)
	}
	if msg.Type != protocol.MsgAuthRequest {
		return "", "", "", trace.BadParameter("expected auth:request, got %q", msg.Type)
	}

	if msg.IdentityHash != s.cfg.IdentityHash {
		_ = sendDirect(conn, key, protocol.Message{Type: protocol.MsgAuthDenied, Reason: "identity mismatch"})
		return "", "", "", trace.AccessDenied("identity hash mismatch from %q", msg.InstanceID)
	}

	if err := sendDirect(conn, key, protocol.Message{Type: protocol.MsgAuthApproved}); err != nil {
		return "", "", "", trace.Wrap(err)
	}

	addr := ""
	if a, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		addr = a.IP.String()
	}
	return msg.InstanceID, msg.Hostname, addr, nil
}

func sendDirect(conn *websocket.Conn, key []byte, msg protocol.Message) error {
	raw, err := protocol.EncodeSecure(key, msg)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(conn.WriteMessage(websocket.TextMessage, raw))
}

// serveClient processes session RPCs until the connection closes.
func (s *Server) serveClient(c *client) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			continue
		}
		msg, err := protocol.DecodeSecure(c.key, env)
		if err != nil {
			continue
		}

		s.dispatch(c, msg)
	}
}

func (s *Server) dispatch(c *client, msg protocol.Message) {
	switch msg.Type {
	case protocol.MsgSessionList:
		sessions := s.cfg.Supervisor.List()
		views := make([]protocol.SessionView, 0, len(sessions))
		for _, sess := range sessions {
			views = append(views, s.withReplay(toSessionView(sess), sess.ID))
		}
		_ = c.send(protocol.Message{Type: protocol.MsgSessionListResponse, ID: msg.ID, Sessions: views})

	case protocol.MsgSessionCreate:
		sess, err := s.cfg.Supervisor.Create(supervisor.CreateParams{
			Kind:       pty.Kind(msg.Kind),
			WorkingDir: msg.WorkingDir,
			Name:       msg.Name,
			Resume:     msg.Resume,
		})
		resp := protocol.Message{Type: protocol.MsgSessionCreateResponse, ID: msg.ID}
		if err != nil {
			resp.Error = err.Error()
		} else {
			view := s.withReplay(toSessionView(sess), sess.ID)
			resp.Session = &view
		}
		_ = c.send(resp)

	case protocol.MsgSessionClose:
		err := s.cfg.Supervisor.Close(msg.SessionID)
		resp := protocol.Message{Type: protocol.MsgSessionCloseResponse, ID: msg.ID}
		if err != nil {
			resp.Error = err.Error()
		}
		_ = c.send(resp)

	case protocol.MsgSessionWrite:
		data, err := protocol.DecodeWriteData(msg.Data)
		if err != nil {
			return
		}
		_ = s.cfg.Supervisor.Write(msg.SessionID, data)

	case protocol.MsgSessionResize:
		_ = s.cfg.Supervisor.Resize(msg.SessionID, msg.Cols, msg.Rows)

	default:
		s.log.WithField("type", msg.Type).Debug("unhandled peer message type")
	}
}

func (s *Server) broadcastLoop() {
	for {
		select {
		case ev, ok := <-s.sub:
			if !ok {
				return
			}
			s.broadcastEvent(ev)
		case <-s.done:
			return
		}
	}
}

func (s *Server) broadcastEvent(ev supervisor.Event) {
	var msg protocol.Message
	switch {
	case ev.Output != nil:
		msg = protocol.Message{Type: protocol.MsgSessionOutput, SessionID: ev.Output.ID, Data: protocol.EncodeWriteData(ev.Output.Data)}
	case ev.Update != nil:
		view := toSessionView(ev.Update.Session)
		msg = protocol.Message{Type: protocol.MsgSessionUpdate, Session: &view}
	case ev.Exit != nil:
		msg = protocol.Message{Type: protocol.MsgSessionExit, SessionID: ev.Exit.ID, Code: ev.Exit.Code}
	default:
		return
	}

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.send(msg); err != nil {
			s.log.WithError(err).WithField("remote", c.id).Debug("broadcast send failed")
		}
	}
}

// withReplay attaches the session's buffered scrollback to view, if any is
// available. Used on session:list and session:create's response, the
// on-attach paths a remote frontend might first see a session's output;
// session:update already rides a live output stream and does not need it.
func (s *Server) withReplay(view protocol.SessionView, id string) protocol.SessionView {
	if buf := s.cfg.Supervisor.Replay(id); len(buf) > 0 {
		view.Replay = protocol.EncodeWriteData(buf)
	}
	return view
}

func toSessionView(sess supervisor.Session) protocol.SessionView {
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

// Shutdown sends a disconnect frame to every client, closes each websocket
// with a normal closure code, waits a brief drain period, then stops the
// listener (spec §4.9).
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.done)

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		_ = c.send(protocol.Message{Type: protocol.MsgDisconnect})
		c.writeMu.Lock()
		c.closed = true
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
	}

	s.cfg.Clock.Sleep(drainWait)

	if s.httpSrv != nil {
		return trace.Wrap(s.httpSrv.Shutdown(ctx))
	}
	return nil
}
