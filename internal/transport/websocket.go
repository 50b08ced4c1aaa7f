package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer dials WebSocket transports.
type WebSocketDialer struct {
	cfg    WebSocketConfig
	logger *slog.Logger
}

// NewWebSocketDialer creates a dialer.
func NewWebSocketDialer(cfg WebSocketConfig) *WebSocketDialer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketDialer{cfg: cfg, logger: logger}
}

// Dial validates the address and starts the handshake in the background.
func (d *WebSocketDialer) Dial(address string, protocols []string, events Events) (Transport, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidAddress, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidAddress)
	}

	header := http.Header{}
	for k, v := range d.cfg.Header {
		header[k] = append([]string(nil), v...)
	}
	if d.cfg.HeaderFunc != nil {
		extra, err := d.cfg.HeaderFunc(u)
		if err != nil {
			return nil, fmt.Errorf("build handshake headers: %w", err)
		}
		for k, v := range extra {
			header[k] = append([]string(nil), v...)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &wsTransport{
		cfg:    d.cfg,
		logger: d.logger.With("url", u.Redacted()),
		events: events,
		cancel: cancel,
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: d.cfg.HandshakeTimeout,
		Subprotocols:     protocols,
		Proxy:            http.ProxyFromEnvironment,
	}

	go t.run(ctx, dialer, u.String(), header)

	return t, nil
}

// wsTransport implements Transport over one gorilla connection.
type wsTransport struct {
	cfg    WebSocketConfig
	logger *slog.Logger
	events Events

	cancel context.CancelFunc

	// Write serialization
	writeMu sync.Mutex

	// State
	mu        sync.Mutex
	conn      *websocket.Conn
	closed    bool
	closeOnce sync.Once
}

// run performs the handshake then reads until the connection ends.
func (t *wsTransport) run(ctx context.Context, dialer websocket.Dialer, address string, header http.Header) {
	conn, _, err := dialer.DialContext(ctx, address, header)
	if err != nil {
		t.mu.Lock()
		closedByUs := t.closed
		t.mu.Unlock()
		if closedByUs {
			err = nil
		}
		t.finish(err)
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		t.finish(nil)
		return
	}
	t.conn = conn
	t.mu.Unlock()

	if t.cfg.ReadLimit > 0 {
		conn.SetReadLimit(t.cfg.ReadLimit)
	}

	t.logger.Debug("websocket connected", "subprotocol", conn.Subprotocol())

	if t.events.OnOpen != nil {
		t.events.OnOpen()
	}

	t.readLoop(conn)
}

// readLoop delivers frames until the connection fails or is closed.
func (t *wsTransport) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		receivedAt := time.Now() // Capture timestamp immediately

		if err != nil {
			t.mu.Lock()
			closedByUs := t.closed
			t.mu.Unlock()

			// Errors after Close() are the expected teardown
			if closedByUs || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.finish(nil)
			} else {
				t.finish(err)
			}
			return
		}

		if t.events.OnMessage != nil {
			t.events.OnMessage(Frame{
				Binary:     msgType == websocket.BinaryMessage,
				Data:       data,
				ReceivedAt: receivedAt,
			})
		}
	}
}

// finish reports the close exactly once.
func (t *wsTransport) finish(err error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		conn := t.conn
		t.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		t.cancel()

		if err != nil {
			t.logger.Debug("websocket closed", "error", err)
		}
		if t.events.OnClose != nil {
			t.events.OnClose(err)
		}
	})
}

// Send writes one frame.
func (t *wsTransport) Send(frame Frame) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return ErrAlreadyClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	msgType := websocket.TextMessage
	if frame.Binary {
		msgType = websocket.BinaryMessage
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	return conn.WriteMessage(msgType, frame.Data)
}

// Close sends a close frame and tears the connection down. A handshake
// still in flight is aborted.
func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		// Handshake in flight; run() reports the close once DialContext returns
		t.cancel()
		return nil
	}

	t.writeMu.Lock()
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	t.writeMu.Unlock()

	// Unblocks readLoop, which reports the close
	return conn.Close()
}
