package tunnelclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gorilla/websocket"
	gocache "github.com/patrickmn/go-cache"

	"github.com/overlay/nattunnel/internal/frame"
)

// errChannelCapacity is returned when a tunnel client already has
// cfg.Tunnel.MaxChannels live data-channel sessions (spec.md §9 Open
// Question c).
var errChannelCapacity = errors.New("tunnelclient: max data-channel sessions reached")

// handleDataChannelFrame routes an inbound datachannel frame to its
// loopback socket, opening one if this quid hasn't been seen yet
// (spec.md §4.4 Frame handling, datachannel case).
func (c *TunnelClient) handleDataChannelFrame(f *frame.Frame) {
	if v, found := c.channels.Get(f.Quid); found {
		ch := v.(*loopbackChannel)
		c.channels.Replace(f.Quid, ch, gocache.DefaultExpiration)
		ch.enqueueOrSend(f.Payload, f.Binary)
		return
	}

	if c.cfg.Tunnel.MaxChannels > 0 && c.channels.ItemCount() >= c.cfg.Tunnel.MaxChannels {
		c.emit(Event{Kind: EventError, Err: fmt.Errorf("%w: %w: quid %s", ErrLoopbackFailure, errChannelCapacity, f.Quid)})
		return
	}

	ch := newLoopbackChannel(f.Quid)
	c.channels.SetDefault(f.Quid, ch)
	ch.enqueueOrSend(f.Payload, f.Binary)

	go c.dialLoopback(f.Quid, ch)
}

func (c *TunnelClient) dialLoopback(quid string, ch *loopbackChannel) {
	url := fmt.Sprintf("ws://%s:%d", c.cfg.Tunnel.TargetHost, c.cfg.Tunnel.TargetPort)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Tunnel.LoopbackConnectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		c.channels.Delete(quid)
		c.emit(Event{Kind: EventError, Err: fmt.Errorf("%w: dialing loopback: %v", ErrLoopbackFailure, err)})
		c.emitTerminal(quid, 1011, "loopback connect failed")
		return
	}

	ch.markOpen(conn)
	c.bridgeLoopback(quid, ch, conn)
}

// bridgeLoopback relays loopback -> muxer until the loopback socket
// closes, then emits the terminal datachannel frame and clears the
// mapping (spec.md §4.4, §8 Testable property 7).
func (c *TunnelClient) bridgeLoopback(quid string, ch *loopbackChannel, conn *websocket.Conn) {
	code := 1000
	message := ""

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
				message = ce.Text
			} else {
				code = 1011
				message = err.Error()
			}
			break
		}
		if werr := c.mux.Write(frame.DataChannel(quid, payload, msgType == websocket.BinaryMessage)); werr != nil {
			slog.Error("tunnel client failed to forward loopback message", "quid", quid, "err", werr)
			break
		}
		c.channels.Replace(quid, ch, gocache.DefaultExpiration)
	}

	ch.markClosed()
	c.channels.Delete(quid)
	c.emitTerminal(quid, code, message)
}

// emitTerminal writes the terminal datachannel frame upstream: binary
// false, payload JSON{code, message} (spec.md §4.4, §8 property 7).
func (c *TunnelClient) emitTerminal(quid string, code int, message string) {
	f := &frame.Frame{
		Type:    frame.TypeDataChannel,
		Quid:    quid,
		Payload: marshalTerminal(code, message),
		Binary:  false,
	}
	if err := c.mux.Write(f); err != nil {
		slog.Error("tunnel client failed to emit terminal frame", "quid", quid, "err", err)
	}
}
