package tunnelclient

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gocache "github.com/patrickmn/go-cache"

	"github.com/overlay/nattunnel/internal/envelope"
	"github.com/overlay/nattunnel/internal/frame"
)

// TunnelClient terminates the remote end of a tunnel and proxies frames
// to loopback RPC and data-channel endpoints (spec.md §3 TunnelClient,
// §4.4).
type TunnelClient struct {
	cfg    *Config
	dialer *egressDialer

	httpClient *http.Client

	stateMu        sync.Mutex
	state          ReadyState
	conn           *websocket.Conn
	demux          *frame.Demuxer
	mux            *frame.Muxer
	sessionEnded   chan struct{}
	lastSessionErr error
	writeMu        sync.Mutex

	channels *gocache.Cache

	events chan Event
	done   chan struct{}
}

// New creates a tunnel client from the given configuration.
func New(cfg *Config) (*TunnelClient, error) {
	var dialer *egressDialer
	if cfg.Egress.ProxyURL != "" {
		var err error
		dialer, err = newEgressDialer(cfg.Egress.ProxyURL, cfg.Egress.HealthTimeout)
		if err != nil {
			return nil, err
		}
	}

	ttl := cfg.Tunnel.ChannelIdleTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	channels := gocache.New(ttl, ttl/2)

	c := &TunnelClient{
		cfg:        cfg,
		dialer:     dialer,
		httpClient: &http.Client{Timeout: cfg.Tunnel.RPCTimeout},
		channels:   channels,
		events:     make(chan Event, 32),
		done:       make(chan struct{}),
	}

	channels.OnEvicted(func(quid string, v interface{}) {
		if ch, ok := v.(*loopbackChannel); ok {
			ch.markClosed()
		}
	})

	return c, nil
}

// Events returns the client's open/close/error event stream.
func (c *TunnelClient) Events() <-chan Event {
	return c.events
}

// ReadyState returns the client's current ready_state.
func (c *TunnelClient) ReadyState() ReadyState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Open establishes the outbound socket to tunnel_uri and begins
// processing frames. It transitions ready_state CLOSED -> OPEN only once
// the transport reports open.
func (c *TunnelClient) Open(ctx context.Context) error {
	c.stateMu.Lock()
	c.state = StateConnecting
	c.stateMu.Unlock()

	if c.dialer != nil && c.cfg.Egress.VerifyRouting {
		if err := verifyEgressRouting(ctx, c.dialer); err != nil {
			c.stateMu.Lock()
			c.state = StateClosed
			c.stateMu.Unlock()
			return fmt.Errorf("verifying egress routing: %w", err)
		}
	}

	wsDialer := websocket.Dialer{}
	if c.dialer != nil {
		wsDialer.NetDialContext = c.dialer.DialContext
	}

	conn, _, err := wsDialer.DialContext(ctx, c.cfg.Tunnel.TunnelURI, nil)
	if err != nil {
		c.stateMu.Lock()
		c.state = StateClosed
		c.stateMu.Unlock()
		return fmt.Errorf("%w: dialing tunnel: %v", ErrTransport, err)
	}

	c.stateMu.Lock()
	c.conn = conn
	c.demux = frame.NewDemuxer()
	c.mux = frame.NewMuxer(frame.SinkFunc(c.writeBuffer))
	c.sessionEnded = make(chan struct{})
	c.lastSessionErr = nil
	c.state = StateOpen
	c.stateMu.Unlock()

	slog.Info("tunnel client connected", "uri", c.cfg.Tunnel.TunnelURI)
	c.emit(Event{Kind: EventOpen})

	go c.readLoop()
	return nil
}

// Run verifies egress routing once per attempt (if configured) and then
// maintains the tunnel connection, reconnecting with exponential backoff
// whenever the transport drops or a periodic egress health check fails,
// until ctx is cancelled. This mirrors the teacher's own always-
// reconnecting agent (c137req-rprt's Agent.Run / _reconnect_loop /
// _run_tunnel), generalized to a TunnelClient that can also be driven
// one-shot through Open/Close by an embedder that wants its own retry
// policy instead.
func (c *TunnelClient) Run(ctx context.Context) error {
	delay := c.cfg.Tunnel.ReconnectDelay
	if delay <= 0 {
		delay = time.Second
	}
	maxDelay := c.cfg.Tunnel.MaxReconnectDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	for {
		err := c.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		slog.Warn("tunnel disconnected, reconnecting", "err", err, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// runSession opens one tunnel connection and blocks until it ends: the
// transport drops, a periodic egress health check fails, or ctx is
// cancelled (spec.md's Non-goals exclude congestion control and session
// persistence across restarts, not live reconnection of a still-running
// client).
func (c *TunnelClient) runSession(ctx context.Context) error {
	if err := c.Open(ctx); err != nil {
		return err
	}

	c.stateMu.Lock()
	ended := c.sessionEnded
	c.stateMu.Unlock()

	var checkFailed <-chan error
	if c.dialer != nil && c.cfg.Egress.RecheckInterval > 0 {
		stop, failed := startEgressHealthCheck(ctx, c.dialer, c.cfg.Egress.RecheckInterval, c.cfg.Egress.HealthTimeout)
		defer stop()
		checkFailed = failed
	}

	select {
	case <-ended:
		c.stateMu.Lock()
		err := c.lastSessionErr
		c.stateMu.Unlock()
		if err == nil {
			err = errSessionClosed
		}
		return err
	case err := <-checkFailed:
		slog.Error("egress health check failed, forcing tunnel reconnect", "err", err)
		c.Close()
		<-ended
		return err
	case <-ctx.Done():
		c.Close()
		<-ended
		return ctx.Err()
	}
}

func (c *TunnelClient) writeBuffer(buf []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, buf)
}

// readLoop reads frames from the tunnel and dispatches them until the
// transport closes or a codec error is encountered (spec.md §4.4 Frame
// handling). Its exit always signals sessionEnded, so Run's reconnect
// loop can tell when an Open'd session has actually ended.
func (c *TunnelClient) readLoop() {
	c.stateMu.Lock()
	ended := c.sessionEnded
	c.stateMu.Unlock()
	defer func() {
		select {
		case <-ended:
		default:
			close(ended)
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.recordSessionErr(fmt.Errorf("%w: %v", ErrTransport, err))
			c.Close()
			return
		}

		frames, err := c.demux.Feed(data)
		if err != nil {
			slog.Error("tunnel client codec error", "err", err)
			c.recordSessionErr(err)
			c.Close()
			return
		}

		for _, f := range frames {
			switch f.Type {
			case frame.TypeRPC:
				go c.handleRPCFrame(f)
			case frame.TypeDataChannel:
				c.handleDataChannelFrame(f)
			default:
				c.emit(Event{Kind: EventError, Err: ErrUnknownFrameType})
			}
		}
	}
}

func (c *TunnelClient) recordSessionErr(err error) {
	c.stateMu.Lock()
	c.lastSessionErr = err
	c.stateMu.Unlock()
}

// handleRPCFrame proxies an inbound rpc frame to target_rpc_uri and emits
// the response back through the tunnel. Failures are reported via error
// events and do not tear down the tunnel (spec.md §7).
func (c *TunnelClient) handleRPCFrame(f *frame.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Tunnel.RPCTimeout)
	defer cancel()

	// the forward is cancelled as soon as the session it arrived on ends.
	c.stateMu.Lock()
	ended := c.sessionEnded
	c.stateMu.Unlock()
	go func() {
		select {
		case <-ended:
			cancel()
		case <-ctx.Done():
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Tunnel.TargetRPCURI, bytes.NewReader(f.Payload))
	if err != nil {
		c.emit(Event{Kind: EventError, Err: fmt.Errorf("%w: building request: %v", ErrUpstreamRPCFailure, err)})
		return
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.emit(Event{Kind: EventError, Err: fmt.Errorf("%w: %v", ErrUpstreamRPCFailure, err)})
		return
	}
	defer resp.Body.Close()

	body := make([]byte, 0, 4096)
	buf := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			body = append(body, buf[:n]...)
		}
		if rerr != nil {
			break
		}
	}

	if resp.StatusCode >= 400 {
		c.emit(Event{Kind: EventError, Err: fmt.Errorf("%w: upstream status %d", ErrUpstreamRPCFailure, resp.StatusCode)})
		return
	}

	env, err := envelope.FromBytes(body)
	if err != nil {
		c.emit(Event{Kind: EventError, Err: fmt.Errorf("%w: decoding envelope: %v", ErrUpstreamRPCFailure, err)})
		return
	}
	payload, err := env.Serialize()
	if err != nil {
		c.emit(Event{Kind: EventError, Err: fmt.Errorf("%w: serializing envelope: %v", ErrUpstreamRPCFailure, err)})
		return
	}

	if err := c.mux.Write(frame.RPC(payload)); err != nil {
		c.emit(Event{Kind: EventError, Err: fmt.Errorf("%w: %v", ErrTransport, err)})
	}
}

// Close is idempotent. Returns true the first time it tears down an
// active tunnel, false on subsequent calls (spec.md §4.4 Close).
func (c *TunnelClient) Close() bool {
	c.stateMu.Lock()
	if c.state == StateClosed {
		c.stateMu.Unlock()
		return false
	}
	wasActive := c.state == StateConnecting || c.state == StateOpen
	c.state = StateClosed
	conn := c.conn
	c.stateMu.Unlock()

	select {
	case <-c.done:
	default:
		close(c.done)
	}

	if conn != nil {
		conn.Close()
	}

	// spec.md §5 Cancellation & timeouts: Close cancels all pending rpc
	// forwards and loopback sessions associated with this tunnel.
	for quid, v := range c.channels.Items() {
		if ch, ok := v.Object.(*loopbackChannel); ok {
			ch.markClosed()
		}
		c.channels.Delete(quid)
	}

	c.emit(Event{Kind: EventClose})
	return wasActive
}

func (c *TunnelClient) emit(e Event) {
	select {
	case c.events <- e:
	default:
		slog.Warn("tunnel client event dropped, subscriber too slow", "kind", e.Kind)
	}
}
