package stream

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rickgao/cryptostream/internal/clock"
	"github.com/rickgao/cryptostream/internal/transport"
)

// Manager keeps one logical feed alive over a replaceable transport.
type Manager struct {
	dialer transport.Dialer
	clock  clock.Clock
	base   *slog.Logger

	// Observers
	obsMu     sync.RWMutex
	observers []observerEntry
	nextObsID int

	// Session
	mu        sync.Mutex
	cfg       Config
	session   Observer // Config callbacks of the current Start
	sessionID uuid.UUID
	logger    *slog.Logger

	state     State
	gen       uint64 // Bumped per dial; callbacks from older transports are dropped
	tr        transport.Transport
	attempts  int
	lastErr   error
	lastMsg   *Message
	stopped   bool // Automatic reconnection disabled
	exhausted bool

	heartbeat clock.Timer
	hbTimeout clock.Timer
	pingSeq   uint64
	reconnect clock.Timer

	stats Stats

	// Delivery queue; see drain
	qMu      sync.Mutex
	queue    []batch
	draining bool
}

type observerEntry struct {
	id  int
	obs Observer
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for heartbeats and reconnect delays.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// NewManager creates a Manager. No connection is made until Start.
func NewManager(dialer transport.Dialer, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		dialer:  dialer,
		clock:   clock.Real(),
		base:    logger,
		logger:  logger,
		stopped: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddObserver registers o and returns a function that removes it.
func (m *Manager) AddObserver(o Observer) (remove func()) {
	m.obsMu.Lock()
	m.nextObsID++
	id := m.nextObsID
	m.observers = append(m.observers, observerEntry{id: id, obs: o})
	m.obsMu.Unlock()

	return func() {
		m.obsMu.Lock()
		defer m.obsMu.Unlock()
		for i, e := range m.observers {
			if e.id == id {
				m.observers = append(m.observers[:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

// Start opens a session. It is a no-op while Connecting or Connected. A
// transport that cannot be constructed is returned as an *Error of kind
// ErrConnection (and reported to observers).
func (m *Manager) Start(cfg Config) error {
	cfg = cfg.withDefaults()

	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}

	m.cancelTimersLocked()
	m.cfg = cfg
	m.session = cfg.callbacks()
	m.sessionID = uuid.New()
	m.logger = m.base.With("session", m.sessionID.String())
	m.stopped = false
	m.attempts = 0
	m.exhausted = false

	m.logger.Info("starting stream",
		"url", cfg.URL,
		"reconnect_interval", cfg.ReconnectInterval,
		"max_reconnect_attempts", cfg.MaxReconnectAttempts,
		"heartbeat_interval", cfg.HeartbeatInterval,
	)

	var b batch
	err := m.connectLocked(&b)
	m.enqueueLocked(b)
	m.mu.Unlock()

	m.drain()
	return err
}

// Stop closes the session and disables automatic reconnection. Every
// timer is cancelled before Stop returns. If another goroutine is
// delivering events, the Closing notification and the transport close
// run there, after the events queued ahead of them.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.cancelTimersLocked()

	var b batch
	if m.tr != nil {
		m.setStateLocked(StateClosing, &b)
		// The close acknowledgement moves the state to Closed
		b.closers = append(b.closers, m.tr)
	} else {
		m.setStateLocked(StateClosed, &b)
	}
	m.logger.Info("stopping stream")
	m.enqueueLocked(b)
	m.mu.Unlock()

	m.drain()
}

// Send encodes payload and writes it. It returns true only when the
// session is Connected and the transport accepted the write.
func (m *Manager) Send(payload any) bool {
	frame, err := encodePayload(payload)
	if err != nil {
		m.reportSendError(0, fmt.Errorf("encode payload: %w", err))
		return false
	}
	return m.sendFrame(frame)
}

// sendFrame is the single write path for application and control frames.
func (m *Manager) sendFrame(frame transport.Frame) bool {
	m.mu.Lock()
	if m.state != StateConnected || m.tr == nil {
		m.mu.Unlock()
		return false
	}
	tr := m.tr
	gen := m.gen
	m.mu.Unlock()

	if err := tr.Send(frame); err != nil {
		m.reportSendError(gen, err)
		return false
	}

	m.mu.Lock()
	m.stats.FramesSent++
	m.mu.Unlock()
	return true
}

// reportSendError records a write failure. The session state is left alone.
func (m *Manager) reportSendError(gen uint64, err error) {
	e := &Error{Kind: ErrSend, Err: err}

	m.mu.Lock()
	m.stats.SendErrors++
	if gen == 0 || gen == m.gen {
		m.lastErr = e
	}
	m.logger.Warn("send failed", "error", err)

	var b batch
	b.error(e)
	m.enqueueLocked(b)
	m.mu.Unlock()

	m.drain()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected returns true while Connected.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// LastMessage returns the most recent forwarded message.
func (m *Manager) LastMessage() (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastMsg == nil {
		return Message{}, false
	}
	return *m.lastMsg, true
}

// LastError returns the last observed error, cleared on every successful open.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Attempts returns the reconnect-attempt counter.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Exhausted reports whether the session gave up reconnecting.
func (m *Manager) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exhausted
}

// SessionID identifies the current Start call in logs and records.
func (m *Manager) SessionID() uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.State = m.state
	s.Attempts = m.attempts
	return s
}

// connectLocked replaces the transport with a freshly dialed one.
func (m *Manager) connectLocked(b *batch) error {
	m.gen++
	gen := m.gen

	if m.tr != nil {
		b.closers = append(b.closers, m.tr)
		m.tr = nil
	}

	m.setStateLocked(StateConnecting, b)
	m.stats.Dials++

	var (
		tr  transport.Transport
		err error
	)
	if m.cfg.URL == "" {
		err = errMissingURL
	} else {
		tr, err = m.dialer.Dial(m.cfg.URL, m.cfg.Protocols, m.eventsFor(gen))
	}
	if err != nil {
		e := &Error{Kind: ErrConnection, Err: err}
		m.lastErr = e
		b.error(e)
		m.logger.Error("transport construction failed", "error", err)
		m.setStateLocked(StateClosed, b)
		if m.cfg.RetryOnDialError {
			m.scheduleReconnectLocked(b)
		}
		return e
	}

	m.tr = tr
	return nil
}

// eventsFor binds transport callbacks to one dial generation.
func (m *Manager) eventsFor(gen uint64) transport.Events {
	return transport.Events{
		OnOpen:    func() { m.handleOpen(gen) },
		OnMessage: func(f transport.Frame) { m.handleFrame(gen, f) },
		OnClose:   func(err error) { m.handleClose(gen, err) },
	}
}

func (m *Manager) handleOpen(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}

	var b batch
	m.attempts = 0
	m.lastErr = nil
	m.stats.Opens++
	m.setStateLocked(StateConnected, &b)
	m.armHeartbeatLocked()
	m.logger.Info("stream connected")
	m.enqueueLocked(b)
	m.mu.Unlock()

	m.drain()
}

func (m *Manager) handleClose(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}

	var b batch
	m.tr = nil
	m.stopHeartbeatLocked()

	if m.stopped {
		m.setStateLocked(StateClosed, &b)
		m.logger.Info("stream closed")
		m.enqueueLocked(b)
		m.mu.Unlock()
		m.drain()
		return
	}

	if err != nil {
		e := &Error{Kind: ErrConnection, Err: err}
		m.lastErr = e
		b.error(e)
	}
	m.logger.Warn("stream dropped", "error", err, "attempts", m.attempts)
	m.setStateLocked(StateClosed, &b)
	m.scheduleReconnectLocked(&b)
	m.enqueueLocked(b)
	m.mu.Unlock()

	m.drain()
}

// scheduleReconnectLocked arms the reconnect timer, or reports exhaustion
// once the attempt budget is spent.
func (m *Manager) scheduleReconnectLocked(b *batch) {
	if m.stopped {
		return
	}

	if m.attempts >= m.cfg.MaxReconnectAttempts {
		if !m.exhausted {
			m.exhausted = true
			e := &Error{
				Kind: ErrReconnectExhausted,
				Err:  fmt.Errorf("gave up after %d attempts", m.attempts),
			}
			m.lastErr = e
			b.error(e)
			m.logger.Error("reconnect attempts exhausted", "attempts", m.attempts)
		}
		return
	}

	m.attempts++
	gen := m.gen
	if m.reconnect != nil {
		m.reconnect.Stop()
	}
	m.reconnect = m.clock.AfterFunc(m.cfg.ReconnectInterval, func() {
		m.handleReconnect(gen)
	})

	m.logger.Info("reconnect scheduled",
		"attempt", m.attempts,
		"max_attempts", m.cfg.MaxReconnectAttempts,
		"delay", m.cfg.ReconnectInterval,
	)
}

func (m *Manager) handleReconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.stopped || m.state != StateClosed {
		m.mu.Unlock()
		return
	}
	m.reconnect = nil

	var b batch
	m.logger.Info("attempting reconnection", "attempt", m.attempts)
	// Failures are reported through the batch
	_ = m.connectLocked(&b)
	m.enqueueLocked(b)
	m.mu.Unlock()

	m.drain()
}

// armHeartbeatLocked (re)starts the ping cycle.
func (m *Manager) armHeartbeatLocked() {
	m.stopHeartbeatLocked()
	if m.cfg.HeartbeatInterval < 0 {
		return
	}

	gen := m.gen
	m.heartbeat = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() {
		m.handleHeartbeatTick(gen)
	})
}

// handleHeartbeatTick sends a ping and makes sure a pong deadline is
// armed. An outstanding deadline is kept rather than pushed back, so a
// peer that never answers is detected even when the timeout is longer
// than the ping interval.
func (m *Manager) handleHeartbeatTick(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}

	m.heartbeat = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() {
		m.handleHeartbeatTick(gen)
	})

	if m.hbTimeout == nil {
		m.pingSeq++
		seq := m.pingSeq
		m.hbTimeout = m.clock.AfterFunc(m.cfg.HeartbeatTimeout, func() {
			m.handleHeartbeatTimeout(gen, seq)
		})
	}
	m.stats.PingsSent++
	m.mu.Unlock()

	// Armed before sending so a fast pong always finds the deadline
	m.sendFrame(pingFrame)
}

func (m *Manager) handleHeartbeatTimeout(gen, seq uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected || seq != m.pingSeq || m.hbTimeout == nil {
		m.mu.Unlock()
		return
	}
	m.hbTimeout = nil

	var b batch
	e := &Error{
		Kind: ErrHeartbeatTimeout,
		Err:  fmt.Errorf("no pong within %s", m.cfg.HeartbeatTimeout),
	}
	m.lastErr = e
	m.stats.HeartbeatTimeouts++
	b.error(e)
	m.logger.Warn("heartbeat timeout, forcing close", "timeout", m.cfg.HeartbeatTimeout)

	m.dropLocked(&b)
	m.enqueueLocked(b)
	m.mu.Unlock()

	m.drain()
}

// dropLocked abandons the current transport and takes the standard
// close→reconnect path without waiting for its close callback.
func (m *Manager) dropLocked(b *batch) {
	m.gen++
	if m.tr != nil {
		b.closers = append(b.closers, m.tr)
		m.tr = nil
	}
	m.stopHeartbeatLocked()
	m.setStateLocked(StateClosed, b)
	m.scheduleReconnectLocked(b)
}

func (m *Manager) handleFrame(gen uint64, f transport.Frame) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}

	var b batch
	m.stats.FramesReceived++

	if f.Binary {
		msg := Message{Binary: true, Data: f.Data, ReceivedAt: f.ReceivedAt}
		m.stats.BinaryFrames++
		m.forwardLocked(msg, &b)
		m.enqueueLocked(b)
		m.mu.Unlock()
		m.drain()
		return
	}

	env, err := parseEnvelope(f.Data)
	switch {
	case err != nil:
		e := &Error{Kind: ErrProtocol, Err: err}
		m.lastErr = e
		m.stats.ProtocolErrors++
		b.error(e)
		m.logger.Warn("dropping malformed frame", "error", err, "size", len(f.Data))

	case env.Type == TypePong:
		m.stats.PongsReceived++
		if m.hbTimeout != nil {
			m.hbTimeout.Stop()
			m.hbTimeout = nil
		}

	default:
		m.forwardLocked(Message{
			Type:        env.Type,
			Channel:     rawString(env.Channel),
			ErrorDetail: rawString(env.Error),
			Data:        f.Data,
			ReceivedAt:  f.ReceivedAt,
		}, &b)
	}
	m.enqueueLocked(b)
	m.mu.Unlock()

	m.drain()
}

func (m *Manager) forwardLocked(msg Message, b *batch) {
	m.lastMsg = &msg
	m.stats.MessagesForwarded++
	b.message(msg)
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
	if m.hbTimeout != nil {
		m.hbTimeout.Stop()
		m.hbTimeout = nil
	}
}

func (m *Manager) cancelTimersLocked() {
	m.stopHeartbeatLocked()
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

func (m *Manager) setStateLocked(to State, b *batch) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.logger.Debug("state change", "from", from, "to", to)
	b.stateChange(from, to)
}

// batch collects the side effects of one event so they run after the
// session lock is released.
type batch struct {
	session Observer
	closers []transport.Transport
	events  []func(Observer)
}

func (b *batch) stateChange(from, to State) {
	b.events = append(b.events, func(o Observer) { o.OnStateChange(from, to) })
}

func (b *batch) message(msg Message) {
	b.events = append(b.events, func(o Observer) { o.OnMessage(msg) })
}

func (b *batch) error(err error) {
	b.events = append(b.events, func(o Observer) { o.OnError(err) })
}

// enqueueLocked queues b for delivery. Batches are queued under m.mu, so
// the queue order is the order in which the events happened.
func (m *Manager) enqueueLocked(b batch) {
	if len(b.events) == 0 && len(b.closers) == 0 {
		return
	}
	b.session = m.session

	m.qMu.Lock()
	m.queue = append(m.queue, b)
	m.qMu.Unlock()
}

// drain delivers queued batches in FIFO order. Only one goroutine drains
// at a time; any other caller returns at once and its batch is delivered
// by the active drainer. An observer that calls back into the Manager
// therefore never deadlocks, and its own events follow the current batch.
func (m *Manager) drain() {
	m.qMu.Lock()
	if m.draining {
		m.qMu.Unlock()
		return
	}
	m.draining = true

	for len(m.queue) > 0 {
		b := m.queue[0]
		m.queue[0] = batch{}
		m.queue = m.queue[1:]
		m.qMu.Unlock()

		m.deliver(b)

		m.qMu.Lock()
	}
	m.draining = false
	m.qMu.Unlock()
}

// deliver notifies observers, then closes abandoned transports so a close
// acknowledgement is never delivered ahead of the events that caused it.
func (m *Manager) deliver(b batch) {
	if len(b.events) > 0 {
		m.obsMu.RLock()
		observers := make([]Observer, 0, len(m.observers)+1)
		if b.session != nil {
			observers = append(observers, b.session)
		}
		for _, e := range m.observers {
			observers = append(observers, e.obs)
		}
		m.obsMu.RUnlock()

		for _, ev := range b.events {
			for _, o := range observers {
				ev(o)
			}
		}
	}

	for _, tr := range b.closers {
		if err := tr.Close(); err != nil {
			m.base.Debug("close transport", "error", err)
		}
	}
}
