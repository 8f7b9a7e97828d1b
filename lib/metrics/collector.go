// Package metrics exposes operational counters and gauges for the daemon:
// active session count, peer connection count, and peer RPC latency
// (SPEC_FULL.md "Metrics"). Nothing in spec.md names these; they carry the
// ambient observability the rest of the stack assumes a long-running
// daemon has.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "termmgr"

// Label names.
const (
	labelKind   = "kind"
	labelMethod = "method"
)

// Collector holds every daemon Prometheus metric.
type Collector struct {
	// Sessions tracks locally supervised sessions, labeled by kind.
	Sessions *prometheus.GaugeVec

	// PeerConnections tracks currently connected peers.
	PeerConnections prometheus.Gauge

	// DiscoveredHosts tracks hosts known to discovery, connected or not.
	DiscoveredHosts prometheus.Gauge

	// RPCLatency records peer client call latency per method.
	RPCLatency *prometheus.HistogramVec

	// RPCFailures counts peer client call failures per method.
	RPCFailures *prometheus.CounterVec
}

// NewCollector creates a Collector and registers it against reg. If reg is
// nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of currently supervised sessions.",
		}, []string{labelKind}),
		PeerConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peer_connections",
			Help:      "Number of currently connected peers.",
		}),
		DiscoveredHosts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "discovered_hosts",
			Help:      "Number of hosts currently known to LAN discovery.",
		}),
		RPCLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "peer_rpc_latency_seconds",
			Help:      "Latency of peer client RPC calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{labelMethod}),
		RPCFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_rpc_failures_total",
			Help:      "Number of peer client RPC failures.",
		}, []string{labelMethod}),
	}

	reg.MustRegister(
		c.Sessions,
		c.PeerConnections,
		c.DiscoveredHosts,
		c.RPCLatency,
		c.RPCFailures,
	)

	return c
}
