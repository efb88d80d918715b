package tunnelclient

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// pendingSend is a payload queued because the loopback socket hadn't
// finished connecting yet (spec.md §5 "Loopback sockets that remain in
// CONNECTING ... must queue that frame until open; they must not drop
// it.").
type pendingSend struct {
	payload []byte
	binary  bool
}

// loopbackChannel bridges one quid's frames to a loopback socket opened by
// the tunnel client (spec.md §4.4 Frame handling, datachannel case).
type loopbackChannel struct {
	quid string

	mu      sync.Mutex
	conn    *websocket.Conn
	open    bool
	closed  bool
	pending []pendingSend
}

func newLoopbackChannel(quid string) *loopbackChannel {
	return &loopbackChannel{quid: quid}
}

// enqueueOrSend delivers payload to the loopback socket, queueing it if
// the socket has not finished connecting.
func (c *loopbackChannel) enqueueOrSend(payload []byte, binary bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if !c.open {
		c.pending = append(c.pending, pendingSend{payload: payload, binary: binary})
		return
	}
	c.write(payload, binary)
}

// markOpen flushes any payloads queued while connecting.
func (c *loopbackChannel) markOpen(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		conn.Close()
		return
	}
	c.conn = conn
	c.open = true
	for _, p := range c.pending {
		c.write(p.payload, p.binary)
	}
	c.pending = nil
}

// write must be called with c.mu held and c.open true.
func (c *loopbackChannel) write(payload []byte, binary bool) {
	msgType := websocket.TextMessage
	if binary {
		msgType = websocket.BinaryMessage
	}
	c.conn.WriteMessage(msgType, payload)
}

// markClosed marks the channel terminated; subsequent sends are dropped.
func (c *loopbackChannel) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		c.conn.Close()
	}
}

// terminalPayload mirrors gateway.terminalPayload: the JSON body of the
// terminal datachannel frame emitted upstream when a loopback socket
// closes (spec.md §4.4 "On loopback close(code, message)").
type terminalPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func marshalTerminal(code int, message string) []byte {
	b, _ := json.Marshal(terminalPayload{Code: code, Message: message})
	return b
}
