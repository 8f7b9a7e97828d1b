// Package discovery implements LAN peer discovery (spec §4.8): publishing
// the local instance over mDNS and a periodic UDP broadcast beacon, and
// consuming both channels to maintain a table of known hosts with
// staleness sweeping.
package discovery

import (
	"encoding/json"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/hashicorp/mdns"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

const (
	serviceType    = "terminal-manager"
	beaconPort     = 41832
	beaconMagic    = "TM_BEACON_V1"
	beaconInterval = 5 * time.Second
	hostStaleAfter = 20 * time.Second
)

// HostStatus is a peer host's connection lifecycle state (spec §3).
type HostStatus string

const (
	HostDiscovered  HostStatus = "discovered"
	HostConnecting  HostStatus = "connecting"
	HostConnected   HostStatus = "connected"
	HostDisconnected HostStatus = "disconnected"
)

// Host is a peer host descriptor.
type Host struct {
	InstanceID   string
	Hostname     string
	IdentityHash string
	Address      string
	Port         int
	Status       HostStatus

	lastSeen time.Time
}

type beaconPayload struct {
	Magic        string `json:"magic"`
	InstanceID   string `json:"instanceId"`
	Hostname     string `json:"hostname"`
	IdentityHash string `json:"identityHash"`
	Port         int    `json:"port"`
}

// Config configures a Discovery instance.
type Config struct {
	InstanceID   string
	Hostname     string
	IdentityHash string
	Port         int // local peer server port, advertised to others

	// BeaconInterval and HostStaleAfter override the default 5s/20s
	// values (spec.md §5 "Cancellation / timeouts"). Zero means default.
	BeaconInterval time.Duration
	HostStaleAfter time.Duration

	Clock clockwork.Clock
	Log   *logrus.Entry
}

func (c *Config) checkAndSetDefaults() error {
	if c.InstanceID == "" || c.IdentityHash == "" {
		return trace.BadParameter("missing instance id or identity hash")
	}
	if c.BeaconInterval == 0 {
		c.BeaconInterval = beaconInterval
	}
	if c.HostStaleAfter == 0 {
		c.HostStaleAfter = hostStaleAfter
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return nil
}

// HostFound and HostLost are the events emitted on the Events channel.
type HostEventKind int

const (
	HostFound HostEventKind = iota
	HostLost
)

type HostEvent struct {
	Kind HostEventKind
	Host Host
}

// Discovery publishes the local instance and tracks peers discovered via
// mDNS and UDP beacon.
type Discovery struct {
	cfg Config
	log *logrus.Entry

	mdnsServer *mdns.Server
	conn       *net.UDPConn

	mu    sync.Mutex
	hosts map[string]Host

	events chan HostEvent
	done   chan struct{}

	// Hosts the peer server accepted a connection from are added to hosts
	// through RegisterReverse, without discovery having seen a beacon
	// (spec §4.8 "Reverse discovery").
}

// New constructs a Discovery instance. Call Start to begin publishing.
func New(cfg Config) (*Discovery, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Discovery{
		cfg:    cfg,
		log:    cfg.Log.WithField(trace.Component, "peer-discovery"),
		hosts:  make(map[string]Host),
		events: make(chan HostEvent, 32),
		done:   make(chan struct{}),
	}, nil
}

// Events returns the channel of host-found/host-lost events.
func (d *Discovery) Events() <-chan HostEvent { return d.events }

// SetAdvertisedPort sets the peer server port advertised in mDNS TXT
// records and beacon payloads. Call before Start once the peer server has
// bound its actual port (which may differ from the configured base port
// after EADDRINUSE probing).
func (d *Discovery) SetAdvertisedPort(port int) {
	d.cfg.Port = port
}

// Start publishes via mDNS, binds the UDP beacon socket, and begins sending
// and receiving beacons plus the staleness sweep. Bind/send failures are
// logged and the instance continues without that channel (spec §7.1).
func (d *Discovery) Start() error {
	if err := d.startMDNS(); err != nil {
		d.log.WithError(err).Warn("failed to start mDNS publisher, continuing without it")
	}

	conn, err := d.bindBeaconSocket()
	if err != nil {
		d.log.WithError(err).Warn("failed to bind beacon socket, continuing without UDP beacon")
	} else {
		d.conn = conn
		go d.receiveBeacons()
		go d.sendBeaconLoop()
	}

	go d.sweepLoop()
	return nil
}

// Stop tears down the mDNS publisher and the beacon socket.
func (d *Discovery) Stop() {
	close(d.done)
	if d.mdnsServer != nil {
		_ = d.mdnsServer.Shutdown()
	}
	if d.conn != nil {
		_ = d.conn.Close()
	}
}

func (d *Discovery) startMDNS() error {
	addr := routableIPv4()
	var ips []net.IP
	if addr != nil {
		ips = []net.IP{addr}
	}

	info := []string{d.cfg.InstanceID, d.cfg.Hostname, d.cfg.IdentityHash}
	svc, err := mdns.NewMDNSService(d.cfg.Hostname, "_"+serviceType+"._tcp", "", "", d.cfg.Port, ips, info)
	if err != nil {
		return trace.Wrap(err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return trace.Wrap(err)
	}
	d.mdnsServer = server
	return nil
}

func (d *Discovery) bindBeaconSocket() (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: beaconPort})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := enableBroadcast(conn); err != nil {
		d.log.WithError(err).Warn("failed to enable SO_BROADCAST on beacon socket")
	}
	return conn, nil
}

func (d *Discovery) sendBeaconLoop() {
	ticker := d.cfg.Clock.NewTicker(d.cfg.BeaconInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			d.sendBeacon()
		case <-d.done:
			return
		}
	}
}

func (d *Discovery) sendBeacon() {
	payload, err := json.Marshal(beaconPayload{
		Magic:        beaconMagic,
		InstanceID:   d.cfg.InstanceID,
		Hostname:     d.cfg.Hostname,
		IdentityHash: d.cfg.IdentityHash,
		Port:         d.cfg.Port,
	})
	if err != nil {
		return
	}

	targets := broadcastAddresses()
	for _, addr := range targets {
		dst := &net.UDPAddr{IP: addr, Port: beaconPort}
		if _, err := d.conn.WriteToUDP(payload, dst); err != nil {
			d.log.WithError(err).WithField("addr", dst).Debug("beacon send failed")
		}
	}
}

func (d *Discovery) receiveBeacons() {
	buf := make([]byte, 4096)
	for {
		n, src, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.done:
				return
			default:
			}
			d.log.WithError(err).Debug("beacon read failed")
			return
		}

		var payload beaconPayload
		if err := json.Unmarshal(buf[:n], &payload); err != nil {
			continue // parse failure: discard (spec §7.2)
		}
		d.handleBeacon(payload, src.IP.String())
	}
}

// handleBeacon implements spec §4.8's admission rule: ignore magic
// mismatch, own instance, or a differing identity hash.
func (d *Discovery) handleBeacon(payload beaconPayload, sourceIP string) {
	if payload.Magic != beaconMagic {
		return
	}
	if payload.InstanceID == d.cfg.InstanceID {
		return
	}
	if payload.IdentityHash != d.cfg.IdentityHash {
		return
	}

	if IsLoopbackAddress(sourceIP) {
		// Accepted, not rejected: two instances on the same loopback-only
		// host (e.g. two terminals in a container with host networking
		// disabled) should still be able to find each other (spec §8).
		d.log.WithField("peer", payload.InstanceID).Debug("admitting beacon from loopback address")
	}

	d.upsertHost(Host{
		InstanceID:   payload.InstanceID,
		Hostname:     payload.Hostname,
		IdentityHash: payload.IdentityHash,
		Address:      sourceIP,
		Port:         payload.Port,
		Status:       HostDiscovered,
	})
}

func (d *Discovery) upsertHost(h Host) {
	d.mu.Lock()
	existing, had := d.hosts[h.InstanceID]
	h.lastSeen = d.cfg.Clock.Now()
	if had && (existing.Status == HostConnecting || existing.Status == HostConnected) {
		// discovery updates never overwrite connecting/connected (spec §4.8).
		existing.lastSeen = h.lastSeen
		d.hosts[h.InstanceID] = existing
		d.mu.Unlock()
		return
	}
	d.hosts[h.InstanceID] = h
	d.mu.Unlock()

	if !had {
		d.emit(HostEvent{Kind: HostFound, Host: h})
	}
}

// RegisterReverse registers a host the peer server accepted a connection
// from, so a peer whose outbound discovery is blocked is still known
// (spec §4.8 "Reverse discovery").
func (d *Discovery) RegisterReverse(h Host) {
	h.Status = HostConnected
	h.lastSeen = d.cfg.Clock.Now()

	d.mu.Lock()
	d.hosts[h.InstanceID] = h
	d.mu.Unlock()

	d.emit(HostEvent{Kind: HostFound, Host: h})
}

// SetStatus transitions a known host's status (used by the peer manager on
// connect/disconnect transitions).
func (d *Discovery) SetStatus(instanceID string, status HostStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.hosts[instanceID]; ok {
		h.Status = status
		d.hosts[instanceID] = h
	}
}

// Hosts returns a snapshot of all known hosts.
func (d *Discovery) Hosts() []Host {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Host, 0, len(d.hosts))
	for _, h := range d.hosts {
		out = append(out, h)
	}
	return out
}

func (d *Discovery) sweepLoop() {
	ticker := d.cfg.Clock.NewTicker(d.cfg.HostStaleAfter / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			d.sweep()
		case <-d.done:
			return
		}
	}
}

func (d *Discovery) sweep() {
	now := d.cfg.Clock.Now()

	d.mu.Lock()
	var lost []Host
	for id, h := range d.hosts {
		if h.Status == HostConnecting || h.Status == HostConnected {
			continue
		}
		if now.Sub(h.lastSeen) > d.cfg.HostStaleAfter {
			lost = append(lost, h)
			delete(d.hosts, id)
		}
	}
	d.mu.Unlock()

	for _, h := range lost {
		d.emit(HostEvent{Kind: HostLost, Host: h})
	}
}

func (d *Discovery) emit(ev HostEvent) {
	select {
	case d.events <- ev:
	default:
		d.log.Warn("discovery event channel full, dropping event")
	}
}

// routableIPv4 picks the first non-loopback, non-link-local IPv4 address
// for mDNS advertisement (spec §4.8).
func routableIPv4() net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipnet.IP.To4()
		if ip4 == nil || ip4.IsLoopback() || ip4.IsLinkLocalUnicast() {
			continue
		}
		return ip4
	}
	return nil
}

// broadcastAddresses returns each interface's directed broadcast address
// plus the limited broadcast 255.255.255.255 (spec §4.8).
func broadcastAddresses() []net.IP {
	out := []net.IP{net.IPv4bcast}

	ifaces, err := net.Interfaces()
	if err != nil {
		return out
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			bcast := directedBroadcast(ipnet)
			if bcast != nil {
				out = append(out, bcast)
			}
		}
	}
	return out
}

func directedBroadcast(ipnet *net.IPNet) net.IP {
	ip4 := ipnet.IP.To4()
	if ip4 == nil || ipnet.Mask == nil {
		return nil
	}
	bcast := make(net.IP, len(ip4))
	for i := range ip4 {
		bcast[i] = ip4[i] | ^ipnet.Mask[i]
	}
	return bcast
}

// IsLoopbackAddress reports whether addr (a dotted-quad string) is loopback,
// used by the boundary-behavior test for beacon sender IP 127.0.0.1
// (spec §8).
func IsLoopbackAddress(addr string) bool {
	return strings.HasPrefix(addr, "127.")
}
