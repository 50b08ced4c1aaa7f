package writer

import (
	"time"

	"github.com/google/uuid"
)

// WriterConfig contains configuration for batch writers.
type WriterConfig struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: time.Second,
	}
}

// WriterMetrics holds metrics for a writer.
type WriterMetrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
}

// FlushObserver is told about every flush attempt.
type FlushObserver interface {
	ObserveFlush(rows int, d time.Duration, err error)
}

// messageRow represents a row for the stream_messages table.
type messageRow struct {
	ID         uuid.UUID
	InstanceID string
	SessionID  uuid.UUID
	ReceivedAt int64 // Microseconds
	MsgType    string
	Channel    string
	Symbol     string
	IsBinary   bool
	Payload    []byte
}

// Schema creates the stream_messages table.
const Schema = `
CREATE TABLE IF NOT EXISTS stream_messages (
    id          UUID PRIMARY KEY,
    instance_id TEXT NOT NULL,
    session_id  UUID NOT NULL,
    received_at BIGINT NOT NULL,
    msg_type    TEXT NOT NULL,
    channel     TEXT NOT NULL DEFAULT '',
    symbol      TEXT NOT NULL DEFAULT '',
    is_binary   BOOLEAN NOT NULL DEFAULT FALSE,
    payload     BYTEA NOT NULL
);
CREATE INDEX IF NOT EXISTS stream_messages_symbol_idx ON stream_messages (symbol, received_at);
CREATE INDEX IF NOT EXISTS stream_messages_session_idx ON stream_messages (session_id, received_at);
`
