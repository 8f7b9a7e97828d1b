package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewCollectorRegistersAllMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	require.NotNil(t, c.Sessions)
	require.NotNil(t, c.PeerConnections)
	require.NotNil(t, c.DiscoveredHosts)
	require.NotNil(t, c.RPCLatency)
	require.NotNil(t, c.RPCFailures)

	_, err := reg.Gather()
	require.NoError(t, err)
}

func TestCollectorGaugesTrackValues(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.Sessions.WithLabelValues("kind-A").Set(3)
	c.PeerConnections.Set(2)
	c.DiscoveredHosts.Set(5)

	require.Equal(t, float64(3), testutil.ToFloat64(c.Sessions.WithLabelValues("kind-A")))
	require.Equal(t, float64(2), testutil.ToFloat64(c.PeerConnections))
	require.Equal(t, float64(5), testutil.ToFloat64(c.DiscoveredHosts))
}

func TestCollectorCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RPCFailures.WithLabelValues("session.list").Inc()
	c.RPCFailures.WithLabelValues("session.list").Inc()

	require.Equal(t, float64(2), testutil.ToFloat64(c.RPCFailures.WithLabelValues("session.list")))
}
