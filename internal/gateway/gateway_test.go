package gateway

import (
	"bytes"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/overlay/nattunnel/internal/frame"
)

func Test_rpc_round_trip(t *testing.T) {
	g := New("tok")
	if err := g.Open(0); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer g.Close()

	addr := g.Addr().String()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f := <-g.Frames()
		if f.Type != frame.TypeRPC {
			t.Errorf("expected rpc frame, got %v", f.Type)
			return
		}
		if string(f.Payload) != "request-body" {
			t.Errorf("unexpected rpc payload: %q", f.Payload)
		}
		if err := g.Respond([]byte("response-body")); err != nil {
			t.Errorf("respond failed: %v", err)
		}
	}()

	resp, err := http.Post("http://"+addr+"/rpc", "application/octet-stream", strings.NewReader("request-body"))
	if err != nil {
		t.Fatalf("http post failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	<-done
}

func Test_datachannel_quid_roundtrip_and_terminal_frame(t *testing.T) {
	g := New("tok")
	if err := g.Open(0); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer g.Close()

	addr := g.Addr().String()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/data", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("payload-1")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	f := <-g.Frames()
	if f.Type != frame.TypeDataChannel {
		t.Fatalf("expected datachannel frame, got %v", f.Type)
	}
	if !f.Binary || !bytes.Equal(f.Payload, []byte("payload-1")) {
		t.Fatalf("unexpected frame: %+v", f)
	}
	quid := f.Quid

	if err := g.Transfer(quid, []byte("reply"), true); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(msg) != "reply" {
		t.Fatalf("unexpected reply: %q", msg)
	}

	conn.Close()

	select {
	case term := <-g.Frames():
		if term.Type != frame.TypeDataChannel || term.Quid != quid || term.Binary {
			t.Fatalf("unexpected terminal frame: %+v", term)
		}
		if !bytes.Contains(term.Payload, []byte("code")) {
			t.Fatalf("terminal frame missing code: %s", term.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal frame")
	}
}
