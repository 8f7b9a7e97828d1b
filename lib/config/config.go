// Package config loads the daemon's tunable knobs (spec.md §6 "Config" and
// §5 "Cancellation / timeouts"): the peer server's bind port range, the
// discovery publisher's beacon interval and host staleness window, and the
// auto-discovery watcher's poll interval. Everything else — session and
// instance-id persistence — is handled directly by lib/store and
// lib/identity at the paths spec.md §6 names, not through this loader.
package config

import (
	"time"

	"github.com/gravitational/trace"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix names the environment variable namespace for overrides, e.g.
// TERMMGR_PEER_BASEPORT.
const envPrefix = "TERMMGR_"

// Config holds every operator-tunable daemon setting.
type Config struct {
	Peer      PeerConfig      `koanf:"peer"`
	Discovery DiscoveryConfig `koanf:"discovery"`
}

// PeerConfig configures the peer server's TCP bind range.
type PeerConfig struct {
	BasePort   int `koanf:"baseport"`
	PortProbes int `koanf:"portprobes"`
}

// DiscoveryConfig configures LAN peer discovery timing and the local
// auto-discovery watcher's poll interval.
type DiscoveryConfig struct {
	BeaconInterval time.Duration `koanf:"beaconinterval"`
	HostStaleAfter time.Duration `koanf:"hoststaleafter"`
	PollInterval   time.Duration `koanf:"pollinterval"`
}

// Default returns a Config populated with the values each component uses
// when unconfigured (spec.md §6 "Network ports", §5).
func Default() Config {
	return Config{
		Peer: PeerConfig{
			BasePort:   9500,
			PortProbes: 11,
		},
		Discovery: DiscoveryConfig{
			BeaconInterval: 5 * time.Second,
			HostStaleAfter: 20 * time.Second,
			PollInterval:   10 * time.Second,
		},
	}
}

// Load reads defaults, overlays an optional YAML file at path (skipped
// silently if it does not exist), then overlays TERMMGR_* environment
// variables. path may be empty to skip the file layer entirely.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	defaults := Default()

	defaultValues := map[string]any{
		"peer.baseport":            defaults.Peer.BasePort,
		"peer.portprobes":          defaults.Peer.PortProbes,
		"discovery.beaconinterval": defaults.Discovery.BeaconInterval.String(),
		"discovery.hoststaleafter": defaults.Discovery.HostStaleAfter.String(),
		"discovery.pollinterval":   defaults.Discovery.PollInterval.String(),
	}
	for key, val := range defaultValues {
		if err := k.Set(key, val); err != nil {
			return Config{}, trace.Wrap(err, "setting config default %q", key)
		}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !trace.IsNotFound(mapFileError(err)) {
				return Config{}, trace.Wrap(err, "loading config file %q", path)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return Config{}, trace.Wrap(err, "loading environment overrides")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, trace.Wrap(err, "unmarshaling config")
	}

	if err := validate(&cfg); err != nil {
		return Config{}, trace.Wrap(err)
	}
	return cfg, nil
}

// envKeyMapper transforms TERMMGR_PEER_BASEPORT -> peer.baseport.
func envKeyMapper(s string) string {
	s = s[len(envPrefix):]
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r == '_' {
			out = append(out, '.')
			continue
		}
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		out = append(out, byte(r))
	}
	return string(out)
}

func validate(cfg *Config) error {
	if cfg.Peer.BasePort <= 0 || cfg.Peer.BasePort > 65535 {
		return trace.BadParameter("peer.baseport must be a valid port, got %d", cfg.Peer.BasePort)
	}
	if cfg.Peer.PortProbes < 1 {
		return trace.BadParameter("peer.portprobes must be >= 1, got %d", cfg.Peer.PortProbes)
	}
	if cfg.Discovery.BeaconInterval <= 0 {
		return trace.BadParameter("discovery.beaconinterval must be > 0")
	}
	if cfg.Discovery.HostStaleAfter <= cfg.Discovery.BeaconInterval {
		return trace.BadParameter("discovery.hoststaleafter must exceed discovery.beaconinterval")
	}
	if cfg.Discovery.PollInterval <= 0 {
		return trace.BadParameter("discovery.pollinterval must be > 0")
	}
	return nil
}

// mapFileError normalizes koanf/file's "no such file" into trace.NotFound
// so Load can treat a missing optional config file as a non-error.
func mapFileError(err error) error {
	if err == nil {
		return nil
	}
	return trace.ConvertSystemError(err)
}
