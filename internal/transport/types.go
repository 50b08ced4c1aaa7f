package transport

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Errors
var (
	ErrNotConnected   = errors.New("transport not connected")
	ErrAlreadyClosed  = errors.New("transport already closed")
	ErrInvalidAddress = errors.New("invalid transport address")
)

// Frame is a single message as it crossed the wire.
type Frame struct {
	Binary     bool      // True for binary frames, false for text
	Data       []byte    // Raw payload bytes
	ReceivedAt time.Time // Local timestamp when the frame was read (inbound only)
}

// Text returns a text frame carrying data.
func Text(data []byte) Frame {
	return Frame{Data: data}
}

// Binary returns a binary frame carrying data.
func Binary(data []byte) Frame {
	return Frame{Binary: true, Data: data}
}

// Events receives asynchronous transport notifications. OnClose is called
// exactly once per transport, whether the open ever succeeded or not.
type Events struct {
	OnOpen    func()
	OnMessage func(Frame)
	OnClose   func(err error)
}

// Transport is one duplex connection to a remote endpoint.
type Transport interface {
	// Send writes one frame.
	Send(frame Frame) error

	// Close starts closing the connection. OnClose follows asynchronously.
	Close() error
}

// Dialer constructs transports. Dial returns synchronously; an error means
// the transport could not even be constructed (e.g. malformed address) and
// no events will follow.
type Dialer interface {
	Dial(address string, protocols []string, events Events) (Transport, error)
}

// HeaderFunc builds handshake headers for one dial attempt.
type HeaderFunc func(u *url.URL) (http.Header, error)

// WebSocketConfig configures the WebSocket dialer.
type WebSocketConfig struct {
	HandshakeTimeout time.Duration // Max time for the opening handshake
	WriteTimeout     time.Duration // Write deadline for sends
	ReadLimit        int64         // Max inbound message size in bytes (0 = unlimited)
	Header           http.Header   // Static handshake headers
	HeaderFunc       HeaderFunc    // Per-dial headers (e.g. signatures), merged over Header
	Logger           *slog.Logger
}

// DefaultWebSocketConfig returns sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadLimit:        16 << 20,
	}
}
