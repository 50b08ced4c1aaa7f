// Package router turns stream messages into archive records.
package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/rickgao/cryptostream/internal/stream"
)

// Router is a stream.Observer that queues application messages as Records
// for the writer.
type Router struct {
	cfg     Config
	logger  *slog.Logger
	session func() uuid.UUID

	buf *GrowableBuffer[Record]

	mu          sync.Mutex
	received    int64
	routed      int64
	skipped     int64
	parseErrors int64
}

// NewRouter creates a Router. session names the stream session each record
// belongs to, typically (*stream.Manager).SessionID.
func NewRouter(cfg Config, session func() uuid.UUID, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if session == nil {
		session = func() uuid.UUID { return uuid.Nil }
	}

	return &Router{
		cfg:     cfg,
		logger:  logger,
		session: session,
		buf:     NewGrowableBuffer[Record](cfg.BufferSize, cfg.MaxBufferSize),
	}
}

// Buffer returns the record queue consumed by the writer.
func (r *Router) Buffer() *GrowableBuffer[Record] {
	return r.buf
}

// Close stops accepting records. Queued records stay readable.
func (r *Router) Close() {
	r.buf.Close()
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Stats{
		MessagesReceived: r.received,
		MessagesRouted:   r.routed,
		ControlSkipped:   r.skipped,
		ParseErrors:      r.parseErrors,
		Buffer:           r.buf.Stats(),
	}
}

// OnStateChange implements stream.Observer.
func (r *Router) OnStateChange(from, to stream.State) {}

// OnError implements stream.Observer.
func (r *Router) OnError(err error) {}

// OnMessage implements stream.Observer.
func (r *Router) OnMessage(msg stream.Message) {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()

	rec, ok, err := r.toRecord(msg)
	if err != nil {
		r.logger.Warn("failed to parse message", "type", msg.Type, "channel", msg.Channel, "error", err)
		r.mu.Lock()
		r.parseErrors++
		r.mu.Unlock()
		return
	}
	if !ok {
		r.mu.Lock()
		r.skipped++
		r.mu.Unlock()
		return
	}

	if r.buf.Send(rec) {
		r.mu.Lock()
		r.routed++
		r.mu.Unlock()
	}
}

// toRecord converts msg. Subscription acks are protocol traffic and are
// skipped (ok == false).
func (r *Router) toRecord(msg stream.Message) (rec Record, ok bool, err error) {
	rec = Record{
		Session:    r.session(),
		Channel:    msg.Channel,
		Payload:    msg.Data,
		Binary:     msg.Binary,
		ReceivedAt: msg.ReceivedAt,
	}

	if msg.Binary {
		rec.Type = "binary"
		return rec, true, nil
	}

	switch msg.Type {
	case stream.TypeSubscriptionSuccess, stream.TypeSubscriptionError:
		return Record{}, false, nil
	}

	rec.Type = msg.Type
	rec.Symbol, err = extractSymbol(msg.Data)
	if err != nil {
		return Record{}, false, err
	}
	if rec.Symbol == "" {
		rec.Symbol = symbolFromChannel(msg.Channel)
	}
	return rec, true, nil
}

// extractSymbol reads "symbol" from the payload or from its "data" object.
// A symbol that is not a string is treated as absent. Only a payload that
// is not a JSON object is an error.
func extractSymbol(data []byte) (string, error) {
	var wire payloadWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}

	if s := symbolValue(wire.Symbol); s != "" {
		return s, nil
	}

	if d := bytes.TrimSpace(wire.Data); len(d) > 0 && d[0] == '{' {
		var inner dataWire
		if err := json.Unmarshal(d, &inner); err == nil {
			return symbolValue(inner.Symbol), nil
		}
	}
	return "", nil
}

func symbolValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.ToUpper(s)
}

// symbolFromChannel returns the last segment of a dotted or colon-separated
// channel name ("ticker.BTC" → "BTC").
func symbolFromChannel(channel string) string {
	i := strings.LastIndexAny(channel, ".:")
	if i < 0 || i == len(channel)-1 {
		return ""
	}
	return strings.ToUpper(channel[i+1:])
}
