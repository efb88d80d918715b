// Package tunnelclient implements the renter side of the tunnel
// subsystem (spec.md §3 TunnelClient, §4.4): it connects outbound to a
// tunnel server and bridges frames to a loopback RPC endpoint and
// loopback data-channel targets.
package tunnelclient

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the tunnel client's configuration (spec.md §6).
type Config struct {
	Tunnel TunnelConfig `yaml:"tunnel"`
	Egress EgressConfig `yaml:"egress"`
}

// TunnelConfig specifies the tunnel endpoint and the local targets
// frames are bridged to.
type TunnelConfig struct {
	// TunnelURI is "ws://host:port/tun?token=...".
	TunnelURI string `yaml:"tunnel_uri"`

	// TargetRPCURI is the HTTP endpoint that accepts POSTed RPC envelope
	// bytes.
	TargetRPCURI string `yaml:"target_rpc_uri"`

	// TargetHost/TargetPort address the loopback data-channel target:
	// data-channel sessions dial ws://{TargetHost}:{TargetPort}.
	TargetHost string `yaml:"target_host"`
	TargetPort int    `yaml:"target_port"`

	// RPCTimeout bounds how long the client waits for the upstream RPC
	// forward to respond.
	RPCTimeout time.Duration `yaml:"rpc_timeout"`

	// LoopbackConnectTimeout bounds how long a loopback data-channel
	// dial may take before it is abandoned (spec.md §9 Open Question b).
	LoopbackConnectTimeout time.Duration `yaml:"loopback_connect_timeout"`

	// MaxChannels caps concurrent quid -> loopback socket mappings
	// (spec.md §9 Open Question c). 0 means unbounded.
	MaxChannels int `yaml:"max_channels"`

	// ChannelIdleTTL evicts a quid's loopback mapping after this long
	// without activity, bounding unbounded growth from a leaking or
	// misbehaving gateway.
	ChannelIdleTTL time.Duration `yaml:"channel_idle_ttl"`

	// ReconnectDelay is the initial backoff Run waits before re-dialing
	// tunnel_uri after the transport drops; it doubles on each
	// consecutive failure up to MaxReconnectDelay.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// MaxReconnectDelay caps the exponential backoff Run applies between
	// reconnect attempts.
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
}

// EgressConfig controls the optional outbound proxy used to reach the
// tunnel server and the routing self-check performed before trusting it
// (supplemented feature, see SPEC_FULL.md).
type EgressConfig struct {
	ProxyURL      string        `yaml:"proxy_url"`
	VerifyRouting bool          `yaml:"verify_routing"`
	HealthTimeout time.Duration `yaml:"health_timeout"`

	// RecheckInterval, when non-zero, polls the egress proxy's
	// reachability at this interval while a tunnel session is up; a
	// failed check forces that session closed so Run's reconnect loop
	// re-verifies routing on the next attempt. Zero disables the check.
	RecheckInterval time.Duration `yaml:"recheck_interval"`
}

// LoadConfig reads and parses a tunnel client configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Tunnel.TunnelURI == "" {
		return nil, fmt.Errorf("tunnel.tunnel_uri is required")
	}
	if cfg.Tunnel.TargetRPCURI == "" {
		return nil, fmt.Errorf("tunnel.target_rpc_uri is required")
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Tunnel: TunnelConfig{
			TargetHost:             "127.0.0.1",
			TargetPort:             8080,
			RPCTimeout:             30 * time.Second,
			LoopbackConnectTimeout: 10 * time.Second,
			MaxChannels:            1024,
			ChannelIdleTTL:         10 * time.Minute,
			ReconnectDelay:         time.Second,
			MaxReconnectDelay:      30 * time.Second,
		},
		Egress: EgressConfig{
			HealthTimeout: 10 * time.Second,
		},
	}
}
