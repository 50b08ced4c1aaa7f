package writer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/cryptostream/internal/router"
)

const flushTimeout = 30 * time.Second

const insertMessage = `
	INSERT INTO stream_messages (id, instance_id, session_id, received_at, msg_type, channel, symbol, is_binary, payload)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (id) DO NOTHING
`

// DB is the part of *pgxpool.Pool the writer uses.
type DB interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EnsureSchema creates the stream_messages table if it does not exist.
func EnsureSchema(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create stream_messages: %w", err)
	}
	return nil
}

// Option configures a RecordWriter.
type Option func(*RecordWriter)

// WithFlushObserver reports every flush to o.
func WithFlushObserver(o FlushObserver) Option {
	return func(w *RecordWriter) { w.observer = o }
}

// RecordWriter consumes Records from the router buffer and writes them to
// the stream_messages table.
type RecordWriter struct {
	cfg        WriterConfig
	instanceID string
	logger     *slog.Logger
	observer   FlushObserver
	newID      func() uuid.UUID

	// Input from Router
	input *router.GrowableBuffer[router.Record]

	db DB

	// Batching
	batch       []messageRow
	batchMu     sync.Mutex
	flushMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics WriterMetrics
}

// NewRecordWriter creates a new RecordWriter. Rows are tagged with
// instanceID.
func NewRecordWriter(
	cfg WriterConfig,
	instanceID string,
	input *router.GrowableBuffer[router.Record],
	db DB,
	logger *slog.Logger,
	opts ...Option,
) *RecordWriter {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}

	w := &RecordWriter{
		cfg:        cfg,
		instanceID: instanceID,
		input:      input,
		db:         db,
		logger:     logger.With("component", "writer"),
		newID:      uuid.New,
		batch:      make([]messageRow, 0, cfg.BatchSize),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins consuming records and writing to the database.
func (w *RecordWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(2)
	go w.consumeLoop()
	go w.flushLoop()

	w.logger.Info("record writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop closes the input buffer, waits for the loops to finish and writes
// whatever is still queued using ctx.
func (w *RecordWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping record writer")

	if w.cancel != nil {
		w.cancel()
	}
	// Unblocks consumeLoop once the queued records are taken
	w.input.Close()
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("record writer stop timed out")
		return ctx.Err()
	}

	if rest := w.input.DrainTo(0); len(rest) > 0 {
		w.add(rest)
	}
	err := w.flush(ctx)

	w.logger.Info("record writer stopped", "inserts", w.Stats().Inserts)
	return err
}

// Stats returns current metrics.
func (w *RecordWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop blocks on the input buffer and exits once it is closed and
// drained.
func (w *RecordWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		rec, ok := w.input.Receive()
		if !ok {
			return
		}

		records := []router.Record{rec}
		if w.cfg.BatchSize > 1 {
			records = append(records, w.input.DrainTo(w.cfg.BatchSize-1)...)
		}
		if w.add(records) {
			w.flushInBackground()
		}
	}
}

func (w *RecordWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flushInBackground()
		}
	}
}

// flushInBackground flushes from one of the loops. An insert in flight
// survives Stop cancelling w.ctx and is bounded by flushTimeout instead.
func (w *RecordWriter) flushInBackground() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), flushTimeout)
	defer cancel()
	_ = w.flush(ctx)
}

// add appends records to the batch and reports whether it is full.
func (w *RecordWriter) add(records []router.Record) bool {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()

	for _, rec := range records {
		w.batch = append(w.batch, w.transform(rec))
	}
	return len(w.batch) >= w.cfg.BatchSize
}

func (w *RecordWriter) transform(rec router.Record) messageRow {
	return messageRow{
		ID:         w.newID(),
		InstanceID: w.instanceID,
		SessionID:  rec.Session,
		ReceivedAt: rec.ReceivedAt.UnixMicro(),
		MsgType:    rec.Type,
		Channel:    rec.Channel,
		Symbol:     rec.Symbol,
		IsBinary:   rec.Binary,
		Payload:    rec.Payload,
	}
}

// flush writes the current batch. A failed batch is dropped; the error is
// counted, logged and returned.
func (w *RecordWriter) flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return nil
	}
	batch := w.batch
	w.batch = make([]messageRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()
	conflicts, err := w.batchInsert(ctx, batch)
	elapsed := time.Since(start)

	if w.observer != nil {
		w.observer.ObserveFlush(len(batch), elapsed, err)
	}

	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return fmt.Errorf("insert stream messages: %w", err)
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed records",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", elapsed,
	)
	return nil
}

func (w *RecordWriter) batchInsert(ctx context.Context, rows []messageRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertMessage,
			r.ID, r.InstanceID, r.SessionID, r.ReceivedAt, r.MsgType,
			r.Channel, r.Symbol, r.IsBinary, r.Payload)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}
	return conflicts, nil
}
