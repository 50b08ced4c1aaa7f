package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/cryptostream/internal/stream"
)

const defaultNamespace = "cryptostream"

// Config contains metrics configuration.
type Config struct {
	// Namespace prefixes every metric. Defaults to "cryptostream".
	Namespace string
	// ConstLabels are added to every metric, e.g. the instance id.
	ConstLabels map[string]string
	// Registerer defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// Registry holds the stream metrics.
type Registry struct {
	namespace   string
	constLabels prometheus.Labels
	registerer  prometheus.Registerer

	// Stream metrics
	state           *prometheus.GaugeVec
	transitions     *prometheus.CounterVec
	messagesTotal   *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
	subscriptionAck *prometheus.CounterVec

	// Recorder metrics
	flushRows     prometheus.Counter
	flushErrors   prometheus.Counter
	flushDuration prometheus.Histogram
}

var allStates = []stream.State{
	stream.StateClosed,
	stream.StateConnecting,
	stream.StateConnected,
	stream.StateClosing,
}

// New creates the metrics and registers them.
func New(cfg Config) (*Registry, error) {
	m := &Registry{
		namespace:   cfg.Namespace,
		constLabels: prometheus.Labels(cfg.ConstLabels),
		registerer:  cfg.Registerer,
	}
	if m.namespace == "" {
		m.namespace = defaultNamespace
	}
	if m.registerer == nil {
		m.registerer = prometheus.DefaultRegisterer
	}

	m.state = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   "stream",
		Name:        "state",
		Help:        "Current connection state (1 for the active state).",
		ConstLabels: m.constLabels,
	}, []string{"state"})

	m.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   "stream",
		Name:        "state_transitions_total",
		Help:        "Number of connection state transitions by target state.",
		ConstLabels: m.constLabels,
	}, []string{"to"})

	m.messagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   "stream",
		Name:        "messages_total",
		Help:        "Number of messages delivered to observers by envelope type.",
		ConstLabels: m.constLabels,
	}, []string{"type"})

	m.errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   "stream",
		Name:        "errors_total",
		Help:        "Number of advisory stream errors by kind.",
		ConstLabels: m.constLabels,
	}, []string{"kind"})

	m.subscriptionAck = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   "subscription",
		Name:        "acks_total",
		Help:        "Number of subscription acknowledgements by result.",
		ConstLabels: m.constLabels,
	}, []string{"result"})

	m.flushRows = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   "recorder",
		Name:        "flushed_rows_total",
		Help:        "Number of rows sent to the database.",
		ConstLabels: m.constLabels,
	})

	m.flushErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   "recorder",
		Name:        "flush_errors_total",
		Help:        "Number of failed batch inserts.",
		ConstLabels: m.constLabels,
	})

	m.flushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   "recorder",
		Name:        "flush_duration_seconds",
		Help:        "Duration of batch inserts.",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: m.constLabels,
	})

	for _, c := range []prometheus.Collector{
		m.state,
		m.transitions,
		m.messagesTotal,
		m.errorsTotal,
		m.subscriptionAck,
		m.flushRows,
		m.flushErrors,
		m.flushDuration,
	} {
		if err := m.registerer.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}

	for _, s := range allStates {
		m.state.WithLabelValues(s.String()).Set(0)
	}
	m.state.WithLabelValues(stream.StateClosed.String()).Set(1)

	return m, nil
}

// GaugeFunc registers a gauge whose value is read from fn at scrape time.
func (m *Registry) GaugeFunc(subsystem, name, help string, fn func() float64) error {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels,
	}, fn)
	if err := m.registerer.Register(g); err != nil {
		return fmt.Errorf("register %s_%s: %w", subsystem, name, err)
	}
	return nil
}

// OnStateChange implements stream.Observer.
func (m *Registry) OnStateChange(from, to stream.State) {
	m.state.WithLabelValues(from.String()).Set(0)
	m.state.WithLabelValues(to.String()).Set(1)
	m.transitions.WithLabelValues(to.String()).Inc()
}

// OnMessage implements stream.Observer.
func (m *Registry) OnMessage(msg stream.Message) {
	typ := msg.Type
	if msg.Binary {
		typ = "binary"
	}
	m.messagesTotal.WithLabelValues(typ).Inc()
}

// OnError implements stream.Observer.
func (m *Registry) OnError(err error) {
	m.errorsTotal.WithLabelValues(ErrorKind(err)).Inc()
}

// SubscriptionAck counts one acknowledgement.
func (m *Registry) SubscriptionAck(ok bool) {
	result := "success"
	if !ok {
		result = "error"
	}
	m.subscriptionAck.WithLabelValues(result).Inc()
}

// ObserveFlush records one batch insert.
func (m *Registry) ObserveFlush(rows int, d time.Duration, err error) {
	m.flushDuration.Observe(d.Seconds())
	if err != nil {
		m.flushErrors.Inc()
		return
	}
	m.flushRows.Add(float64(rows))
}

var errorKinds = []struct {
	kind  error
	label string
}{
	{stream.ErrReconnectExhausted, "reconnect_exhausted"},
	{stream.ErrHeartbeatTimeout, "heartbeat_timeout"},
	{stream.ErrSubscription, "subscription"},
	{stream.ErrProtocol, "protocol"},
	{stream.ErrSend, "send"},
	{stream.ErrConnection, "connection"},
}

// ErrorKind maps a stream error to its metric label.
func ErrorKind(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.kind) {
			return k.label
		}
	}
	return "other"
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
