package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const second = time.Second

func TestDefaultValues(t *testing.T) {
	d := Default()
	require.Equal(t, 9500, d.Peer.BasePort)
	require.Equal(t, 11, d.Peer.PortProbes)
	require.Equal(t, 5*second, d.Discovery.BeaconInterval)
	require.Equal(t, 20*second, d.Discovery.HostStaleAfter)
	require.Equal(t, 10*second, d.Discovery.PollInterval)
}

func TestLoadWithNoPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadIgnoresMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverlaysYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "termmgr.yaml")
	body := "peer:\n  baseport: 9600\n  portprobes: 5\ndiscovery:\n  beaconinterval: 2s\n  hoststaleafter: 30s\n  pollinterval: 15s\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9600, cfg.Peer.BasePort)
	require.Equal(t, 5, cfg.Peer.PortProbes)
	require.Equal(t, 2*second, cfg.Discovery.BeaconInterval)
	require.Equal(t, 30*second, cfg.Discovery.HostStaleAfter)
	require.Equal(t, 15*second, cfg.Discovery.PollInterval)
}

func TestLoadOverlaysEnvironmentVariables(t *testing.T) {
	t.Setenv("TERMMGR_PEER_BASEPORT", "9700")
	t.Setenv("TERMMGR_DISCOVERY_POLLINTERVAL", "1s")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 9700, cfg.Peer.BasePort)
	require.Equal(t, second, cfg.Discovery.PollInterval)
	require.Equal(t, 11, cfg.Peer.PortProbes)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "termmgr.yaml")
	require.NoError(t, os.WriteFile(path, []byte("peer:\n  baseport: 9600\n"), 0o644))
	t.Setenv("TERMMGR_PEER_BASEPORT", "9800")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9800, cfg.Peer.BasePort)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"bad base port", map[string]string{"TERMMGR_PEER_BASEPORT": "0"}},
		{"bad port probes", map[string]string{"TERMMGR_PEER_PORTPROBES": "0"}},
		{"bad beacon interval", map[string]string{"TERMMGR_DISCOVERY_BEACONINTERVAL": "0s"}},
		{"stale-after not exceeding beacon", map[string]string{
			"TERMMGR_DISCOVERY_BEACONINTERVAL": "10s",
			"TERMMGR_DISCOVERY_HOSTSTALEAFTER": "5s",
		}},
		{"bad poll interval", map[string]string{"TERMMGR_DISCOVERY_POLLINTERVAL": "0s"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			require.Error(t, err)
		})
	}
}

func TestEnvKeyMapper(t *testing.T) {
	require.Equal(t, "peer.baseport", envKeyMapper("TERMMGR_PEER_BASEPORT"))
	require.Equal(t, "discovery.hoststaleafter", envKeyMapper("TERMMGR_DISCOVERY_HOSTSTALEAFTER"))
}
