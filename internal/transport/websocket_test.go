package transport

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn, *http.Request)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin:  func(r *http.Request) bool { return true },
		Subprotocols: []string{"market.v1"},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn, r)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// recorder collects transport events.
type recorder struct {
	opened chan struct{}
	closed chan error
	frames chan Frame
}

func newRecorder() *recorder {
	return &recorder{
		opened: make(chan struct{}, 1),
		closed: make(chan error, 1),
		frames: make(chan Frame, 16),
	}
}

func (r *recorder) events() Events {
	return Events{
		OnOpen:    func() { r.opened <- struct{}{} },
		OnMessage: func(f Frame) { r.frames <- f },
		OnClose:   func(err error) { r.closed <- err },
	}
}

func waitOpen(t *testing.T, r *recorder) {
	t.Helper()
	select {
	case <-r.opened:
	case err := <-r.closed:
		t.Fatalf("closed before open: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for open")
	}
}

func TestWebSocketDialer_InvalidAddress(t *testing.T) {
	d := NewWebSocketDialer(DefaultWebSocketConfig())

	tests := []struct {
		name    string
		address string
	}{
		{name: "unparseable", address: "ws://[::1"},
		{name: "http scheme", address: "http://example.com/stream"},
		{name: "no scheme", address: "example.com/stream"},
		{name: "missing host", address: "ws:///stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := d.Dial(tt.address, nil, Events{})
			if !errors.Is(err, ErrInvalidAddress) {
				t.Errorf("Dial(%q) error = %v, want ErrInvalidAddress", tt.address, err)
			}
			if tr != nil {
				t.Error("expected nil transport on construction failure")
			}
		})
	}
}

func TestWebSocketTransport_SendAndReceive(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			msgType, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			// Echo with the same frame type
			if err := conn.WriteMessage(msgType, msg); err != nil {
				return
			}
		}
	})
	defer server.Close()

	rec := newRecorder()
	d := NewWebSocketDialer(DefaultWebSocketConfig())

	tr, err := d.Dial(wsURL(server), []string{"market.v1"}, rec.events())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer tr.Close()

	waitOpen(t, rec)

	if err := tr.Send(Text([]byte(`{"type":"ping"}`))); err != nil {
		t.Fatalf("Send text failed: %v", err)
	}
	if err := tr.Send(Binary([]byte{0x01, 0x02, 0xff})); err != nil {
		t.Fatalf("Send binary failed: %v", err)
	}

	for i, want := range []Frame{Text([]byte(`{"type":"ping"}`)), Binary([]byte{0x01, 0x02, 0xff})} {
		select {
		case got := <-rec.frames:
			if got.Binary != want.Binary {
				t.Errorf("frame %d: Binary = %v, want %v", i, got.Binary, want.Binary)
			}
			if string(got.Data) != string(want.Data) {
				t.Errorf("frame %d: Data = %q, want %q", i, got.Data, want.Data)
			}
			if got.ReceivedAt.IsZero() {
				t.Errorf("frame %d: ReceivedAt should not be zero", i)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for frame %d", i)
		}
	}
}

func TestWebSocketTransport_CloseReportsOnce(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	rec := newRecorder()
	tr, err := NewWebSocketDialer(DefaultWebSocketConfig()).Dial(wsURL(server), nil, rec.events())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	waitOpen(t, rec)

	if err := tr.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	select {
	case err := <-rec.closed:
		if err != nil {
			t.Errorf("OnClose err = %v, want nil after Close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for close")
	}

	if err := tr.Send(Text([]byte("x"))); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("Send after close = %v, want ErrAlreadyClosed", err)
	}
}

func TestWebSocketTransport_ServerDropReportsError(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		// Drop without a close handshake
		conn.UnderlyingConn().Close()
	})
	defer server.Close()

	rec := newRecorder()
	_, err := NewWebSocketDialer(DefaultWebSocketConfig()).Dial(wsURL(server), nil, rec.events())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	waitOpen(t, rec)

	select {
	case err := <-rec.closed:
		if err == nil {
			t.Error("expected non-nil error for abrupt drop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for close")
	}
}

func TestWebSocketTransport_HandshakeFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	rec := newRecorder()
	_, err := NewWebSocketDialer(DefaultWebSocketConfig()).Dial(wsURL(server), nil, rec.events())
	if err != nil {
		t.Fatalf("Dial should not fail synchronously: %v", err)
	}

	select {
	case <-rec.opened:
		t.Fatal("unexpected open")
	case err := <-rec.closed:
		if err == nil {
			t.Error("expected handshake error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for close")
	}
}

func TestWebSocketDialer_Headers(t *testing.T) {
	gotHeader := make(chan http.Header, 1)
	server := mockWSServer(t, func(conn *websocket.Conn, r *http.Request) {
		gotHeader <- r.Header.Clone()
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	cfg := DefaultWebSocketConfig()
	cfg.Header = http.Header{"X-Client": []string{"dashboard"}}
	cfg.HeaderFunc = func(u *url.URL) (http.Header, error) {
		return http.Header{"X-Path": []string{u.Path}}, nil
	}

	rec := newRecorder()
	tr, err := NewWebSocketDialer(cfg).Dial(wsURL(server)+"/ws/v1", nil, rec.events())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer tr.Close()

	select {
	case h := <-gotHeader:
		if h.Get("X-Client") != "dashboard" {
			t.Errorf("X-Client = %q, want dashboard", h.Get("X-Client"))
		}
		if h.Get("X-Path") != "/ws/v1" {
			t.Errorf("X-Path = %q, want /ws/v1", h.Get("X-Path"))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for handshake")
	}
}

func TestWebSocketDialer_HeaderFuncError(t *testing.T) {
	cfg := DefaultWebSocketConfig()
	cfg.HeaderFunc = func(u *url.URL) (http.Header, error) {
		return nil, errors.New("no key")
	}

	_, err := NewWebSocketDialer(cfg).Dial("ws://localhost:1/ws", nil, Events{})
	if err == nil || !strings.Contains(err.Error(), "build handshake headers") {
		t.Errorf("Dial error = %v, want header build failure", err)
	}
}
