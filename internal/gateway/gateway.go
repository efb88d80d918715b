// Package gateway implements the server-side ingress point for one
// tunneled client (spec.md §3 Gateway, §4.2): a listener that accepts RPC
// and data-channel traffic from overlay peers and funnels it into frames
// for the owning tunnel session's muxer.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/overlay/nattunnel/internal/frame"
)

// ErrBindFailed wraps a failure to bind the gateway's listening socket.
var ErrBindFailed = errors.New("gateway: bind failed")

// State is the gateway's lifecycle stage (spec.md §3 Gateway Lifecycle).
type State int

const (
	StateCreated State = iota
	StateOpen
	StateBound
	StateClosed
)

// rpcRequestTimeout bounds how long the gateway waits for Respond() before
// failing an overlay peer's RPC call with a 504.
const rpcRequestTimeout = 30 * time.Second

// Gateway is the ingress point for one tunneled client.
type Gateway struct {
	token string

	mu       sync.Mutex
	state    State
	ln       net.Listener
	httpSrv  *http.Server
	upgrader websocket.Upgrader

	frames chan *frame.Frame
	events chan Event

	rpcMu   sync.Mutex
	rpcResp chan []byte

	sessMu   sync.Mutex
	sessions map[string]*websocket.Conn

	closeOnce sync.Once
	closed    atomic.Bool
}

// New creates a gateway pre-assigned the given admission token. The token
// itself is minted and tracked by the server's allocator (single-owner
// registry per spec.md §5); the gateway only carries it so its open(token)
// event can surface it to the caller, matching spec.md §4.2's public
// contract.
func New(token string) *Gateway {
	return &Gateway{
		token:    token,
		frames:   make(chan *frame.Frame, 64),
		events:   make(chan Event, 16),
		sessions: make(map[string]*websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Frames implements frame.Source: the gateway's outgoing frame events,
// consumed by the owning session's muxer.
func (g *Gateway) Frames() <-chan *frame.Frame {
	return g.frames
}

// Events returns the gateway's open/close/error event stream.
func (g *Gateway) Events() <-chan Event {
	return g.events
}

// Token returns the gateway's admission token.
func (g *Gateway) Token() string {
	return g.token
}

// State returns the gateway's current lifecycle stage.
func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Addr returns the bound listener address. Only valid once Open has
// completed successfully.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ln == nil {
		return nil
	}
	return g.ln.Addr()
}

// Open binds the gateway's listening socket. port == 0 leases an
// ephemeral port from the OS. It emits EventOpen carrying the gateway's
// token once bound.
func (g *Gateway) Open(port int) error {
	g.mu.Lock()
	if g.state != StateCreated {
		g.mu.Unlock()
		return fmt.Errorf("gateway: cannot open from state %d", g.state)
	}
	g.state = StateOpen
	g.mu.Unlock()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		g.mu.Lock()
		g.state = StateCreated
		g.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrBindFailed, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", g.handleRPC)
	mux.HandleFunc("/data", g.handleData)

	g.mu.Lock()
	g.ln = ln
	g.httpSrv = &http.Server{Handler: mux}
	g.state = StateBound
	g.mu.Unlock()

	go func() {
		if err := g.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("gateway listener exited", "err", err)
		}
	}()

	slog.Info("gateway opened", "addr", ln.Addr().String())
	g.emitEvent(Event{Kind: EventOpen, Token: g.token})
	return nil
}

// Respond delivers an RPC response to the outstanding RPC request on the
// listener. Returns an error if no RPC call is currently pending.
func (g *Gateway) Respond(payload []byte) error {
	g.rpcMu.Lock()
	ch := g.rpcResp
	g.rpcMu.Unlock()
	if ch == nil {
		return fmt.Errorf("gateway: no outstanding rpc request")
	}
	select {
	case ch <- payload:
		return nil
	default:
		return fmt.Errorf("gateway: rpc response already delivered")
	}
}

// Transfer delivers a data-channel payload to the overlay peer identified
// by quid. A miss (peer already disconnected) is not an error: the frame
// is simply dropped, mirroring the terminal-frame handshake that already
// cleared the mapping.
func (g *Gateway) Transfer(quid string, payload []byte, binary bool) error {
	g.sessMu.Lock()
	conn, ok := g.sessions[quid]
	g.sessMu.Unlock()
	if !ok {
		return nil
	}

	msgType := websocket.TextMessage
	if binary {
		msgType = websocket.BinaryMessage
	}
	return conn.WriteMessage(msgType, payload)
}

// Close releases the port, aborts all open RPC responses and data-channel
// sessions, and emits EventClose. Idempotent.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		g.closed.Store(true)

		g.mu.Lock()
		g.state = StateClosed
		srv := g.httpSrv
		g.mu.Unlock()

		if srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}

		g.rpcMu.Lock()
		if g.rpcResp != nil {
			close(g.rpcResp)
			g.rpcResp = nil
		}
		g.rpcMu.Unlock()

		g.sessMu.Lock()
		for quid, conn := range g.sessions {
			conn.Close()
			delete(g.sessions, quid)
		}
		g.sessMu.Unlock()

		g.emitEvent(Event{Kind: EventClose})
	})
}

// emitEvent delivers an event unless the gateway is already closed; the
// closed flag (set before any teardown work in Close) prevents a
// send-on-closed-channel race without requiring the channel itself to be
// closed, since concurrent handlers may still be calling in.
func (g *Gateway) emitEvent(e Event) {
	if g.closed.Load() && e.Kind != EventClose {
		return
	}
	select {
	case g.events <- e:
	default:
		slog.Warn("gateway event dropped, subscriber too slow", "kind", e.Kind)
	}
}

func (g *Gateway) emitFrame(f *frame.Frame) {
	if g.closed.Load() {
		return
	}
	select {
	case g.frames <- f:
	default:
		slog.Warn("gateway outgoing frame dropped, muxer too slow")
	}
}
