package gateway

import (
	"io"
	"net/http"
	"time"

	"github.com/overlay/nattunnel/internal/frame"
)

// handleRPC accepts one overlay peer's RPC call at a time: the wire
// format carries no request-correlation id, so a gateway serializes RPC
// traffic, emitting an rpc frame for the session's muxer and blocking the
// HTTP response until Respond is called or the request times out.
func (g *Gateway) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	ch := make(chan []byte, 1)
	g.rpcMu.Lock()
	if g.rpcResp != nil {
		g.rpcMu.Unlock()
		http.Error(w, "rpc call already in flight on this gateway", http.StatusConflict)
		return
	}
	g.rpcResp = ch
	g.rpcMu.Unlock()

	g.emitFrame(frame.RPC(body))

	select {
	case resp, ok := <-ch:
		g.clearRPCWaiter(ch)
		if !ok {
			http.Error(w, "gateway closed", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(resp)
	case <-time.After(rpcRequestTimeout):
		g.clearRPCWaiter(ch)
		http.Error(w, "timed out waiting for tunnel response", http.StatusGatewayTimeout)
	}
}

func (g *Gateway) clearRPCWaiter(ch chan []byte) {
	g.rpcMu.Lock()
	if g.rpcResp == ch {
		g.rpcResp = nil
	}
	g.rpcMu.Unlock()
}
