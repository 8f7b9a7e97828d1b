// Package client implements the peer fabric's dialing side (spec §4.10): a
// single outbound connection to a remote instance's peer server, exposing
// correlation-id RPC futures and an event stream, with exponential-backoff
// auto-reconnect.
package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/coneilen/terminal-manager-go/lib/cryptoutil"
	"github.com/coneilen/terminal-manager-go/lib/metrics"
	"github.com/coneilen/terminal-manager-go/lib/peer/protocol"
)

const (
	rpcTimeout         = 15 * time.Second
	reconnectMinDelay  = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// EventKind tags the kind of asynchronous event emitted on Events().
type EventKind int

const (
	EventConnected EventKind = iota
	EventReconnected
	EventDisconnected
	EventSessionOutput
	EventSessionUpdate
	EventSessionExit
)

// Event is an asynchronous, non-RPC notification from the remote peer.
type Event struct {
	Kind      EventKind
	SessionID string
	Data      []byte
	Session   *protocol.SessionView
	Code      int
}

// Config configures a Client.
type Config struct {
	Address      string // host:port of the remote peer server
	InstanceID   string // local instance id, sent in auth:request
	Hostname     string
	IdentityHash string

	// Metrics is optional; when set, rpc call latency and failures are
	// recorded against it.
	Metrics *metrics.Collector

	Clock clockwork.Clock
	Log   *logrus.Entry
}

func (c *Config) checkAndSetDefaults() error {
	if c.Address == "" {
		return trace.BadParameter("missing address")
	}
	if c.InstanceID == "" || c.IdentityHash == "" {
		return trace.BadParameter("missing instance id or identity hash")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return nil
}

type pendingRPC struct {
	resp chan protocol.Message
}

// Client is one outbound peer connection.
type Client struct {
	cfg Config
	log *logrus.Entry

	conn    *websocket.Conn
	key     []byte
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]*pendingRPC

	events chan Event

	stateMu         sync.Mutex
	shouldReconnect bool
	reconnectDelay  time.Duration
	closed          bool
	stopped         chan struct{}
}

// New constructs a Client. Call Connect to dial and complete the handshake.
func New(cfg Config) (*Client, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{
		cfg:             cfg,
		log:             cfg.Log.WithField(trace.Component, "peer-client"),
		pending:         make(map[string]*pendingRPC),
		events:          make(chan Event, 64),
		shouldReconnect: true,
		reconnectDelay:  reconnectMinDelay,
		stopped:         make(chan struct{}),
	}, nil
}

// Events returns the channel of asynchronous peer events.
func (c *Client) Events() <-chan Event { return c.events }

// Done returns a channel closed once Close has fully torn down the client.
// Consumers ranging over Events() should select on Done to know when to
// stop, since Events() itself is never closed (avoids a close-during-send
// race with the read loop).
func (c *Client) Done() <-chan struct{} { return c.stopped }

// Connect dials, performs the key exchange and auth handshake, and blocks
// until the peer approves or denies, or the dial fails.
func (c *Client) Connect() error {
	if err := c.dialAndHandshake(); err != nil {
		return trace.Wrap(err)
	}
	c.emit(Event{Kind: EventConnected})
	go c.readLoop()
	return nil
}

func (c *Client) dialAndHandshake() error {
	url := fmt.Sprintf("ws://%s/", c.cfg.Address)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return trace.Wrap(err)
	}

	key, err := performKeyExchange(conn)
	if err != nil {
		conn.Close()
		return trace.Wrap(err)
	}

	if err := sendSecure(conn, key, protocol.Message{
		Type:         protocol.MsgAuthRequest,
		InstanceID:   c.cfg.InstanceID,
		Hostname:     c.cfg.Hostname,
		IdentityHash: c.cfg.IdentityHash,
	}); err != nil {
		conn.Close()
		return trace.Wrap(err)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return trace.Wrap(err)
	}
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		conn.Close()
		return trace.Wrap(err)
	}
	msg, err := protocol.DecodeSecure(key, env)
	if err != nil {
		conn.Close()
		return trace.Wrap(err)
	}

	if msg.Type == protocol.MsgAuthDenied {
		c.disableReconnect()
		conn.Close()
		return trace.AccessDenied("peer denied authentication: %s", msg.Reason)
	}
	if msg.Type != protocol.MsgAuthApproved {
		conn.Close()
		return trace.BadParameter("unexpected handshake reply %q", msg.Type)
	}

	c.conn = conn
	c.key = key
	c.resetReconnectDelay()
	return nil
}

func (c *Client) disableReconnect() {
	c.stateMu.Lock()
	c.shouldReconnect = false
	c.stateMu.Unlock()
}

func (c *Client) resetReconnectDelay() {
	c.stateMu.Lock()
	c.reconnectDelay = reconnectMinDelay
	c.stateMu.Unlock()
}

func (c *Client) reconnectEnabled() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.shouldReconnect
}

func (c *Client) nextReconnectDelay() time.Duration {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	delay := c.reconnectDelay
	c.reconnectDelay *= 2
	if c.reconnectDelay > reconnectMaxDelay {
		c.reconnectDelay = reconnectMaxDelay
	}
	return delay
}

// setClosed marks the client closed and reports whether it was already closed.
func (c *Client) setClosed() (wasAlreadyClosed bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	wasAlreadyClosed = c.closed
	c.closed = true
	return wasAlreadyClosed
}

func (c *Client) isClosed() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.closed
}

func performKeyExchange(conn *websocket.Conn) ([]byte, error) {
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

	keyPair, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	reply, err := protocol.EncodeKeyExchange(keyPair.PublicKeyBase64())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
		return nil, trace.Wrap(err)
	}

	return keyPair.ComputeSecret(env.PublicKey)
}

func sendSecure(conn *websocket.Conn, key []byte, msg protocol.Message) error {
	raw, err := protocol.EncodeSecure(key, msg)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(conn.WriteMessage(websocket.TextMessage, raw))
}

func (c *Client) send(msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return sendSecure(c.conn, c.key, msg)
}

func (c *Client) readLoop() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleDisconnect()
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

		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.MsgSessionListResponse, protocol.MsgSessionCreateResponse, protocol.MsgSessionCloseResponse:
		c.resolvePending(msg)

	case protocol.MsgSessionOutput:
		data, err := protocol.DecodeWriteData(msg.Data)
		if err != nil {
			return
		}
		c.emit(Event{Kind: EventSessionOutput, SessionID: msg.SessionID, Data: data})

	case protocol.MsgSessionUpdate:
		c.emit(Event{Kind: EventSessionUpdate, Session: msg.Session})

	case protocol.MsgSessionExit:
		c.emit(Event{Kind: EventSessionExit, SessionID: msg.SessionID, Code: msg.Code})

	case protocol.MsgDisconnect:
		c.disableReconnect()
		c.Close()

	default:
		c.log.WithField("type", msg.Type).Debug("unhandled peer message type")
	}
}

func (c *Client) resolvePending(msg protocol.Message) {
	c.pendingMu.Lock()
	p, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.pendingMu.Unlock()

	if ok {
		p.resp <- msg
	}
}

func (c *Client) rpc(req protocol.Message) (protocol.Message, error) {
	start := c.cfg.Clock.Now()
	resp, err := c.doRPC(req)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RPCLatency.WithLabelValues(req.Type).Observe(c.cfg.Clock.Since(start).Seconds())
		if err != nil {
			c.cfg.Metrics.RPCFailures.WithLabelValues(req.Type).Inc()
		}
	}
	return resp, err
}

func (c *Client) doRPC(req protocol.Message) (protocol.Message, error) {
	id := req.ID
	p := &pendingRPC{resp: make(chan protocol.Message, 1)}

	c.pendingMu.Lock()
	c.pending[id] = p
	c.pendingMu.Unlock()

	if err := c.send(req); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return protocol.Message{}, trace.Wrap(err)
	}

	select {
	case resp := <-p.resp:
		if resp.Error != "" {
			return resp, trace.Errorf("%s", resp.Error)
		}
		return resp, nil
	case <-c.cfg.Clock.After(rpcTimeout):
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return protocol.Message{}, trace.BadParameter("request %q timed out", req.Type)
	}
}

// ListSessions requests the remote's session list.
func (c *Client) ListSessions(requestID string) ([]protocol.SessionView, error) {
	resp, err := c.rpc(protocol.Message{Type: protocol.MsgSessionList, ID: requestID})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return resp.Sessions, nil
}

// CreateSession requests the remote create a new session.
func (c *Client) CreateSession(requestID, kind, workingDir, name string) (*protocol.SessionView, error) {
	resp, err := c.rpc(protocol.Message{
		Type: protocol.MsgSessionCreate, ID: requestID,
		Kind: kind, WorkingDir: workingDir, Name: name,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return resp.Session, nil
}

// CloseSession requests the remote close a session.
func (c *Client) CloseSession(requestID, sessionID string) error {
	_, err := c.rpc(protocol.Message{Type: protocol.MsgSessionClose, ID: requestID, SessionID: sessionID})
	return trace.Wrap(err)
}

// Write sends PTY input to a remote session. Oneway, no response expected.
func (c *Client) Write(sessionID string, data []byte) error {
	return c.send(protocol.Message{Type: protocol.MsgSessionWrite, SessionID: sessionID, Data: protocol.EncodeWriteData(data)})
}

// Resize resizes a remote session's PTY. Oneway, no response expected.
func (c *Client) Resize(sessionID string, cols, rows int) error {
	return c.send(protocol.Message{Type: protocol.MsgSessionResize, SessionID: sessionID, Cols: cols, Rows: rows})
}

func (c *Client) handleDisconnect() {
	if c.isClosed() {
		return
	}

	c.rejectAllPending()
	c.emit(Event{Kind: EventDisconnected})

	if c.reconnectEnabled() {
		go c.reconnectLoop()
	}
}

func (c *Client) rejectAllPending() {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRPC)
	c.pendingMu.Unlock()

	for _, p := range pending {
		p.resp <- protocol.Message{Error: "Connection closed"}
	}
}

func (c *Client) reconnectLoop() {
	for c.reconnectEnabled() {
		delay := c.nextReconnectDelay()
		<-c.cfg.Clock.After(delay)

		if c.isClosed() {
			return
		}

		if err := c.dialAndHandshake(); err != nil {
			c.log.WithError(err).Debug("reconnect attempt failed")
			continue
		}

		c.emit(Event{Kind: EventReconnected})
		go c.readLoop()
		return
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("client event channel full, dropping event")
	}
}

// Close disables reconnect and closes the underlying connection. Done()
// closes once teardown completes.
func (c *Client) Close() {
	if c.setClosed() {
		return
	}
	c.disableReconnect()

	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
	}
	c.rejectAllPending()
	close(c.stopped)
}
