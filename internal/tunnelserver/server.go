package tunnelserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/overlay/nattunnel/internal/allocator"
	"github.com/overlay/nattunnel/internal/gateway"
)

// EventKind identifies a server-level event surfaced to embedders
// (spec.md §6): ready, locked, unlocked.
type EventKind int

const (
	EventReady EventKind = iota
	EventLocked
	EventUnlocked
)

// GatewayHandle is returned to the createGateway caller: the gateway's
// public endpoint and the admission token to redeem at the tunnel
// handshake.
type GatewayHandle struct {
	Token string
	Addr  string
}

// Server is the tunnel subsystem's landlord: it admits authorized
// tunneled clients, owns a bounded set of gateways, and routes frames
// to/from them (spec.md §3 TunnelSession, §4.3).
type Server struct {
	cfg *Config

	tokens *allocator.Tokens
	ports  *allocator.Ports

	mu       sync.Mutex
	gateways map[string]*gateway.Gateway // keyed by token
	atCap    bool

	events chan Event
}

// Event is one server-level lifecycle notification.
type Event struct {
	Kind EventKind
}

// NewServer creates a configured tunnel server. Gateways are not opened
// until CreateGateway is called for each tunneled client.
func NewServer(cfg *Config) *Server {
	s := &Server{
		cfg:      cfg,
		tokens:   allocator.NewTokens(cfg.Tunnel.TokenTTL),
		ports:    allocator.NewPorts(cfg.portRange()),
		gateways: make(map[string]*gateway.Gateway),
		events:   make(chan Event, 16),
	}
	return s
}

// Events returns the server's ready/locked/unlocked event stream.
func (s *Server) Events() <-chan Event {
	return s.events
}

// CreateGateway admits a new tunneled client: leases a port, opens a
// gateway, and records its admission token. Invoked out-of-band (e.g.
// through the overlay's own RPC), never over the tunnel socket itself
// (spec.md §4.3 Admission).
func (s *Server) CreateGateway() (*GatewayHandle, error) {
	s.mu.Lock()
	if len(s.gateways) >= s.cfg.Tunnel.MaxTunnels {
		s.mu.Unlock()
		return nil, ErrTunnelsExhausted
	}
	s.mu.Unlock()

	port, err := s.ports.Lease()
	if err != nil {
		if errors.Is(err, allocator.ErrNoFreePort) {
			return nil, ErrNoFreePort
		}
		return nil, err
	}

	token, err := s.tokens.Issue()
	if err != nil {
		s.ports.Release(port)
		return nil, fmt.Errorf("issuing admission token: %w", err)
	}

	gw := gateway.New(token)
	if err := gw.Open(port); err != nil {
		s.ports.Release(port)
		s.tokens.Revoke(token)
		return nil, fmt.Errorf("%w: %v", ErrBindFailed, err)
	}

	s.mu.Lock()
	s.gateways[token] = gw
	atCap := len(s.gateways) >= s.cfg.Tunnel.MaxTunnels
	becameLocked := atCap && !s.atCap
	s.atCap = atCap
	s.mu.Unlock()

	if becameLocked {
		s.emit(Event{Kind: EventLocked})
	}

	slog.Info("gateway created", "addr", gw.Addr().String())
	return &GatewayHandle{Token: token, Addr: gw.Addr().String()}, nil
}

// ServeMux returns an http.Handler that serves the tunnel handshake
// endpoint at the configured path (spec.md §6). Embedders mount this on
// their own listener, or call Run to bind cfg.Listen.Port directly.
func (s *Server) ServeMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Tunnel.Path, s.handleTunnel)
	return mux
}

// Run binds cfg.Listen.Port and blocks serving the tunnel handshake
// endpoint. It is the only way the server binds its own listener;
// cfg.Listen.AutoBind is not consulted here.
func (s *Server) Run() error {
	addr := fmt.Sprintf(":%d", s.cfg.Listen.Port)
	slog.Info("tunnel server starting", "addr", addr, "path", s.cfg.Tunnel.Path)
	s.emit(Event{Kind: EventReady})
	return http.ListenAndServe(addr, s.ServeMux())
}

// cleanup tears down a session's gateway, releases its port, and emits
// unlocked if the server was previously at capacity.
func (s *Server) cleanup(token string, gw *gateway.Gateway) {
	gw.Close()
	s.ports.Release(portFromAddr(gw.Addr()))
	s.tokens.Revoke(token)

	s.mu.Lock()
	delete(s.gateways, token)
	wasAtCap := s.atCap
	s.atCap = len(s.gateways) >= s.cfg.Tunnel.MaxTunnels
	becameUnlocked := wasAtCap && !s.atCap
	s.mu.Unlock()

	if becameUnlocked {
		s.emit(Event{Kind: EventUnlocked})
	}
}

func (s *Server) emit(e Event) {
	select {
	case s.events <- e:
	default:
		slog.Warn("tunnel server event dropped, subscriber too slow", "kind", e.Kind)
	}
}
