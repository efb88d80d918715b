package tunnelserver

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/overlay/nattunnel/internal/frame"
	"github.com/overlay/nattunnel/internal/gateway"
)

var tunnelUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleTunnel is the full-duplex socket upgrade at the configured path
// (spec.md §4.3 Handshake, §6 "Tunnel server listening endpoint").
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	// cheap pre-upgrade rejection of an obviously-bad token; the real,
	// atomic-with-acceptance admission decision is the Consume call below,
	// made only once the upgrade has actually succeeded (spec.md §4.3).
	if !s.tokens.Authorized(token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := tunnelUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("tunnel upgrade failed", "err", err)
		return
	}

	if err := s.tokens.Consume(token); err != nil {
		// lost a race against another handshake for the same token between
		// the Authorized peek and here; an HTTP error is no longer
		// possible post-upgrade, so close with a dedicated code instead.
		closeWithCode(conn, CloseUnauthorized, "token already consumed")
		return
	}

	s.mu.Lock()
	gw, ok := s.gateways[token]
	s.mu.Unlock()
	if !ok {
		closeWithCode(conn, CloseGatewayClosed, "gateway no longer exists")
		return
	}

	slog.Info("tunneled client admitted", "addr", gw.Addr().String())
	runSession(s, token, gw, conn)
}

// runSession wires the accepted socket to its gateway: inbound frames
// route to the gateway, the gateway's outgoing frame events route to the
// socket, and either side ending triggers cleanup (spec.md §4.3 "Session
// wiring", "Cleanup").
func runSession(s *Server, token string, gw *gateway.Gateway, conn *websocket.Conn) {
	demux := frame.NewDemuxer()
	mux := frame.NewMuxer(frame.SinkFunc(func(buf []byte) error {
		return conn.WriteMessage(websocket.BinaryMessage, buf)
	}))

	done := make(chan struct{})
	closeOnce := func() {
		select {
		case <-done:
		default:
			close(done)
		}
	}

	// outbound: gateway frame events -> socket
	go func() {
		for {
			select {
			case f, ok := <-gw.Frames():
				if !ok {
					return
				}
				if err := mux.Write(f); err != nil {
					slog.Error("tunnel session write failed", "err", err)
					closeWithCode(conn, CloseUnexpected, err.Error())
					closeOnce()
					return
				}
			case <-done:
				return
			}
		}
	}()

	// inbound: socket -> demuxer -> gateway
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		frames, err := demux.Feed(data)
		if err != nil {
			code := CloseUnexpected
			if errors.Is(err, frame.ErrUnknownFrameType) {
				code = CloseInvalidFrameType
			}
			closeWithCode(conn, code, err.Error())
			break
		}

		// the codec rejects unknown type tags as ErrUnknownFrameType
		// before a frame ever reaches here (handled above with
		// CloseInvalidFrameType), so every frame.Frame returned by Feed
		// is guaranteed to be TypeRPC or TypeDataChannel.
		for _, f := range frames {
			switch f.Type {
			case frame.TypeRPC:
				if err := gw.Respond(f.Payload); err != nil {
					slog.Warn("gateway respond failed", "err", err)
				}
			case frame.TypeDataChannel:
				if err := gw.Transfer(f.Quid, f.Payload, f.Binary); err != nil {
					slog.Warn("gateway transfer failed", "err", err)
				}
			}
		}
	}

	closeOnce()
	conn.Close()
	s.cleanup(token, gw)
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
}

func portFromAddr(addr net.Addr) int {
	if addr == nil {
		return 0
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}
