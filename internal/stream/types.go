package stream

import "time"

// State is the connection lifecycle state.
type State int

const (
	StateClosed State = iota // Initial state, and after every drop
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Message is an inbound frame forwarded to the application.
type Message struct {
	Binary      bool      // Binary frames are opaque; Type/Channel are empty
	Type        string    // Envelope "type" of a text frame
	Channel     string    // Envelope "channel", if present
	ErrorDetail string    // Envelope "error", if present
	Data        []byte    // Raw frame bytes, unmodified
	ReceivedAt  time.Time // Local timestamp when the transport read the frame
}

// Observer receives Manager notifications.
type Observer interface {
	OnStateChange(from, to State)
	OnMessage(msg Message)
	OnError(err error)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	StateChange func(from, to State)
	Message     func(msg Message)
	Error       func(err error)
}

func (o ObserverFuncs) OnStateChange(from, to State) {
	if o.StateChange != nil {
		o.StateChange(from, to)
	}
}

func (o ObserverFuncs) OnMessage(msg Message) {
	if o.Message != nil {
		o.Message(msg)
	}
}

func (o ObserverFuncs) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

// Config is fixed for the lifetime of one Start call.
type Config struct {
	URL       string   // Endpoint address (required)
	Protocols []string // Sub-protocols offered during the handshake

	ReconnectInterval    time.Duration // Delay before each reconnect attempt
	MaxReconnectAttempts int           // Attempts before giving up (negative = never reconnect)
	HeartbeatInterval    time.Duration // Ping period (negative = no heartbeat)
	HeartbeatTimeout     time.Duration // Max wait for a pong

	// RetryOnDialError schedules a reconnect when the transport cannot even
	// be constructed (e.g. malformed address). Off by default so a
	// permanently bad address does not spin.
	RetryOnDialError bool

	// Optional per-session callbacks
	OnError       func(err error)
	OnMessage     func(msg Message)
	OnStateChange func(from, to State)
}

// Default configuration values.
const (
	DefaultReconnectInterval    = 3 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultHeartbeatTimeout     = 5 * time.Second
)

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectInterval:    DefaultReconnectInterval,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		HeartbeatInterval:    DefaultHeartbeatInterval,
		HeartbeatTimeout:     DefaultHeartbeatTimeout,
	}
}

func (c Config) withDefaults() Config {
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	} else if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	return c
}

func (c Config) callbacks() Observer {
	if c.OnError == nil && c.OnMessage == nil && c.OnStateChange == nil {
		return nil
	}
	return ObserverFuncs{
		StateChange: c.OnStateChange,
		Message:     c.OnMessage,
		Error:       c.OnError,
	}
}

// Stats provides counters for the Manager's lifetime.
type Stats struct {
	State             State
	Attempts          int
	Dials             int64
	Opens             int64
	FramesReceived    int64
	BinaryFrames      int64
	MessagesForwarded int64
	FramesSent        int64
	PingsSent         int64
	PongsReceived     int64
	ProtocolErrors    int64
	SendErrors        int64
	HeartbeatTimeouts int64
}
