package gateway

import (
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/overlay/nattunnel/internal/frame"
)

// terminalPayload is the JSON body of the terminal datachannel frame
// emitted when an overlay peer's data-channel session ends (spec.md §4.2
// "Quid lifecycle").
type terminalPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// handleData upgrades an overlay peer's data-channel connection, assigns
// it a fresh quid, and bridges inbound messages to datachannel frames
// until the peer disconnects.
func (g *Gateway) handleData(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway data-channel upgrade failed", "err", err)
		return
	}

	quid := newQuid()
	g.sessMu.Lock()
	g.sessions[quid] = conn
	g.sessMu.Unlock()

	slog.Debug("gateway data-channel session opened", "quid", quid)
	g.readDataLoop(quid, conn)
}

func (g *Gateway) readDataLoop(quid string, conn *websocket.Conn) {
	code := 1000
	message := "closed"

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
				message = ce.Text
			} else {
				message = err.Error()
			}
			break
		}
		g.emitFrame(frame.DataChannel(quid, payload, msgType == websocket.BinaryMessage))
	}

	g.sessMu.Lock()
	delete(g.sessions, quid)
	g.sessMu.Unlock()
	conn.Close()

	term, _ := json.Marshal(terminalPayload{Code: code, Message: message})
	g.emitFrame(&frame.Frame{Type: frame.TypeDataChannel, Quid: quid, Payload: term, Binary: false})
	slog.Debug("gateway data-channel session closed", "quid", quid, "code", code)
}

// newQuid assigns a server-side unique quid: a random 128-bit id,
// hex-encoded, per spec.md §4.2.
func newQuid() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
