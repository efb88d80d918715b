// Package tunnelserver implements the landlord side of the tunnel
// subsystem (spec.md §3 TunnelSession, §4.3): it admits authorized peers,
// allocates bounded ingress resources, and routes frames between overlay
// peers and the tunneled client.
package tunnelserver

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/overlay/nattunnel/internal/allocator"
)

// Config holds the tunnel server's configuration (spec.md §6).
type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	Tunnel  TunnelConfig  `yaml:"tunnel"`
	Gateway GatewayConfig `yaml:"gateway"`
}

// ListenConfig controls the server's own listening socket.
type ListenConfig struct {
	// Port is the listen port used when no external transport is
	// supplied (spec.md §6 serverPort, default 4001).
	Port int `yaml:"port"`

	// AutoBind mirrors spec.md §6 autoBindServer. Server does not read it:
	// NewServer never binds a listener, and the server listens only once
	// Run is called, whatever this is set to. cmd/tunnelserver logs when it
	// is false and then calls Run itself.
	AutoBind bool `yaml:"auto_bind"`
}

// TunnelConfig controls tunnel admission behaviour.
type TunnelConfig struct {
	Path       string `yaml:"path"`
	MaxTunnels int    `yaml:"max_tunnels"`

	// TokenTTL bounds how long an issued-but-never-redeemed admission
	// token stays redeemable. Expiry removes only the token: the gateway
	// minted for it stays open and keeps its port lease and its slot under
	// MaxTunnels.
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// GatewayConfig controls gateway port leasing.
type GatewayConfig struct {
	PortRangeMin int `yaml:"port_range_min"`
	PortRangeMax int `yaml:"port_range_max"`
}

func (c *Config) portRange() allocator.PortRange {
	return allocator.PortRange{Min: c.Gateway.PortRangeMin, Max: c.Gateway.PortRangeMax}
}

// LoadConfig reads and parses a tunnel server configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	// a gateway block that omits port_range_min selects an ephemeral port
	// instead of keeping the default minimum.
	var present struct {
		Gateway *struct {
			PortRangeMin *int `yaml:"port_range_min"`
		} `yaml:"gateway"`
	}
	if err := yaml.Unmarshal(data, &present); err == nil && present.Gateway != nil && present.Gateway.PortRangeMin == nil {
		cfg.Gateway.PortRangeMin = 0
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{Port: 4001, AutoBind: true},
		Tunnel: TunnelConfig{
			Path:       "/tun",
			MaxTunnels: 3,
			TokenTTL:   10 * time.Minute,
		},
		Gateway: GatewayConfig{
			PortRangeMin: 4002,
			PortRangeMax: 4003,
		},
	}
}
