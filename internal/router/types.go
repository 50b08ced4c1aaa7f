package router

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Config holds configuration for the Router.
type Config struct {
	BufferSize    int // Initial record buffer slots
	MaxBufferSize int // Ceiling; the oldest records are evicted beyond it (0 = unbounded)
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize:    1000,
		MaxBufferSize: 100000,
	}
}

// Record is one application message ready to be archived.
type Record struct {
	Session    uuid.UUID
	Type       string // "binary" for binary frames
	Channel    string
	Symbol     string
	Payload    []byte
	Binary     bool
	ReceivedAt time.Time
}

// Stats contains runtime statistics.
type Stats struct {
	MessagesReceived int64
	MessagesRouted   int64
	ControlSkipped   int64
	ParseErrors      int64
	Buffer           BufferStats
}

// payloadWire picks the symbol out of an application payload. It may sit at
// the top level or inside "data".
type payloadWire struct {
	Symbol json.RawMessage `json:"symbol"`
	Data   json.RawMessage `json:"data"`
}

type dataWire struct {
	Symbol json.RawMessage `json:"symbol"`
}
