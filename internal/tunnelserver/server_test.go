package tunnelserver

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testConfig(maxTunnels int) *Config {
	return &Config{
		Listen: ListenConfig{AutoBind: false},
		Tunnel: TunnelConfig{
			Path:       "/tun",
			MaxTunnels: maxTunnels,
			TokenTTL:   time.Minute,
		},
		Gateway: GatewayConfig{PortRangeMin: 0, PortRangeMax: 0},
	}
}

func dialTunnel(t *testing.T, wsURL, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u, err := url.Parse(wsURL)
	if err != nil {
		t.Fatalf("parsing url: %v", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return websocket.DefaultDialer.Dial(u.String(), nil)
}

// Test_admission_happy_path is spec.md §8 scenario S1.
func Test_admission_happy_path(t *testing.T) {
	s := NewServer(testConfig(1))
	ts := httptest.NewServer(s.ServeMux())
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	handle, err := s.CreateGateway()
	if err != nil {
		t.Fatalf("create gateway failed: %v", err)
	}

	conn, resp, err := dialTunnel(t, wsURL, handle.Token)
	if err != nil {
		t.Fatalf("first upgrade failed: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	_, resp2, err := dialTunnel(t, wsURL, handle.Token)
	if err == nil {
		t.Fatal("expected second upgrade with same token to fail")
	}
	if resp2 == nil || resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 on reused token, got %+v", resp2)
	}
}

// Test_cap_enforcement is spec.md §8 scenario S2.
func Test_cap_enforcement(t *testing.T) {
	s := NewServer(testConfig(2))
	ts := httptest.NewServer(s.ServeMux())
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	h1, err := s.CreateGateway()
	if err != nil {
		t.Fatalf("create gateway 1 failed: %v", err)
	}
	h2, err := s.CreateGateway()
	if err != nil {
		t.Fatalf("create gateway 2 failed: %v", err)
	}

	select {
	case ev := <-s.Events():
		if ev.Kind != EventLocked {
			t.Fatalf("expected locked event, got %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for locked event")
	}

	if _, err := s.CreateGateway(); err != ErrTunnelsExhausted {
		t.Fatalf("expected ErrTunnelsExhausted, got %v", err)
	}

	conn1, _, err := dialTunnel(t, wsURL, h1.Token)
	if err != nil {
		t.Fatalf("dial 1 failed: %v", err)
	}
	conn1.Close()

	select {
	case ev := <-s.Events():
		if ev.Kind != EventUnlocked {
			t.Fatalf("expected unlocked event, got %v", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for unlocked event")
	}

	_ = h2
}

// Test_gateway_gone is spec.md §8 scenario S6.
func Test_gateway_gone(t *testing.T) {
	s := NewServer(testConfig(1))
	ts := httptest.NewServer(s.ServeMux())
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	handle, err := s.CreateGateway()
	if err != nil {
		t.Fatalf("create gateway failed: %v", err)
	}

	s.mu.Lock()
	gw := s.gateways[handle.Token]
	delete(s.gateways, handle.Token)
	s.mu.Unlock()
	gw.Close()

	conn, _, err := dialTunnel(t, wsURL, handle.Token)
	if err != nil {
		t.Fatalf("upgrade should succeed even though gateway is gone: %v", err)
	}
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	if err == nil {
		t.Fatal("expected connection to be closed by server")
	}
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a websocket close error, got %v", err)
	}
	if ce.Code != CloseGatewayClosed {
		t.Fatalf("expected close code %d, got %d", CloseGatewayClosed, ce.Code)
	}
}

// Test_malformed_frame_closes_session is spec.md §8 scenario S5: bytes
// that fail to parse as a frame close the session with CloseUnexpected
// and release the gateway.
func Test_malformed_frame_closes_session(t *testing.T) {
	s := NewServer(testConfig(1))
	ts := httptest.NewServer(s.ServeMux())
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	handle, err := s.CreateGateway()
	if err != nil {
		t.Fatalf("create gateway failed: %v", err)
	}

	conn, _, err := dialTunnel(t, wsURL, handle.Token)
	if err != nil {
		t.Fatalf("upgrade failed: %v", err)
	}
	defer conn.Close()

	// a well-formed rpc type tag (0x01) with a non-zero quidLen: the
	// codec rejects this as ErrMalformedFrame since rpc frames carry no
	// quid.
	malformed := []byte{0x01, 0x00, 0x01, 'a', 0x00, 0x00, 0x00, 0x00}
	if err := conn.WriteMessage(websocket.BinaryMessage, malformed); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_, _, err = conn.ReadMessage()
	if err == nil {
		t.Fatal("expected connection to be closed by server")
	}
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a websocket close error, got %v", err)
	}
	if ce.Code != CloseUnexpected {
		t.Fatalf("expected close code %d, got %d", CloseUnexpected, ce.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		n := len(s.gateways)
		s.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("gateway was not released after malformed frame closed the session")
}

// Test_unknown_frame_type_closes_session is a companion to
// Test_malformed_frame_closes_session: an unrecognized type tag closes
// the session with CloseInvalidFrameType specifically, not the generic
// CloseUnexpected.
func Test_unknown_frame_type_closes_session(t *testing.T) {
	s := NewServer(testConfig(1))
	ts := httptest.NewServer(s.ServeMux())
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	handle, err := s.CreateGateway()
	if err != nil {
		t.Fatalf("create gateway failed: %v", err)
	}

	conn, _, err := dialTunnel(t, wsURL, handle.Token)
	if err != nil {
		t.Fatalf("upgrade failed: %v", err)
	}
	defer conn.Close()

	unknownType := []byte{0xFF, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	if err := conn.WriteMessage(websocket.BinaryMessage, unknownType); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_, _, err = conn.ReadMessage()
	if err == nil {
		t.Fatal("expected connection to be closed by server")
	}
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a websocket close error, got %v", err)
	}
	if ce.Code != CloseInvalidFrameType {
		t.Fatalf("expected close code %d, got %d", CloseInvalidFrameType, ce.Code)
	}
}

func Test_unauthorized_token_rejected(t *testing.T) {
	s := NewServer(testConfig(1))
	ts := httptest.NewServer(s.ServeMux())
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	_, resp, err := dialTunnel(t, wsURL, "not-a-real-token")
	if err == nil {
		t.Fatal("expected upgrade to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}
