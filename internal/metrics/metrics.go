package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/tradeflow-stream/internal/connection"
	"github.com/rickgao/tradeflow-stream/internal/model"
	"github.com/rickgao/tradeflow-stream/internal/orders"
	"github.com/rickgao/tradeflow-stream/internal/router"
)

const (
	namespace = "tradeflow"
	subsystem = "stream"
)

var allStates = []model.ConnectionState{
	model.Disconnected,
	model.Connecting,
	model.Connected,
	model.Reconnecting,
	model.Failed,
}

// Metrics holds the client's collectors. It implements router.Observer.
type Metrics struct {
	reg prometheus.Registerer

	messagesRouted   *prometheus.CounterVec
	routeLatency     *prometheus.HistogramVec
	parseErrors      *prometheus.CounterVec
	messagesUnrouted prometheus.Counter
	connectionState  *prometheus.GaugeVec
	transitions      *prometheus.CounterVec
	reconnectAttempt prometheus.Gauge
	orderEvents      *prometheus.CounterVec
}

var _ router.Observer = (*Metrics)(nil)

// New creates and registers the collectors. A nil registerer uses the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		reg: reg,
		messagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_routed_total",
			Help:      "Messages delivered to a consumer, by channel.",
		}, []string{"channel"}),
		routeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "route_latency_seconds",
			Help:      "Time from frame receipt to handler completion.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"channel"}),
		parseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "parse_errors_total",
			Help:      "Messages dropped because the body could not be decoded.",
		}, []string{"channel"}),
		messagesUnrouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_unrouted_total",
			Help:      "Messages for topics with no active subscription.",
		}),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connection_transitions_total",
			Help:      "Connection state transitions, by target state.",
		}, []string{"to"}),
		reconnectAttempt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconnect_attempt",
			Help:      "Current consecutive reconnect attempt (0 when connected).",
		}),
		orderEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "order_events_total",
			Help:      "Order events by reconciliation outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.messagesRouted,
		m.routeLatency,
		m.parseErrors,
		m.messagesUnrouted,
		m.connectionState,
		m.transitions,
		m.reconnectAttempt,
		m.orderEvents,
	)

	m.setState(model.Disconnected)
	return m
}

// MessageRouted records a delivered message.
func (m *Metrics) MessageRouted(topic string, latency time.Duration) {
	ch := router.ChannelOf(topic)
	m.messagesRouted.WithLabelValues(ch).Inc()
	m.routeLatency.WithLabelValues(ch).Observe(latency.Seconds())
}

// ParseError records a message whose body could not be decoded.
func (m *Metrics) ParseError(topic string) {
	m.parseErrors.WithLabelValues(router.ChannelOf(topic)).Inc()
}

// Unrouted records a message with no active consumer.
func (m *Metrics) Unrouted(string) {
	m.messagesUnrouted.Inc()
}

// ObserveStateChange is registered with Manager.OnStateChange.
func (m *Metrics) ObserveStateChange(c connection.StateChange) {
	if c.From != c.To {
		m.transitions.WithLabelValues(c.To.String()).Inc()
	}
	m.setState(c.To)
	m.reconnectAttempt.Set(float64(c.Attempt))
}

// ObserveOrderOutcome records the result of applying one order event.
func (m *Metrics) ObserveOrderOutcome(o orders.Outcome) {
	m.orderEvents.WithLabelValues(outcomeLabel(o)).Inc()
}

func (m *Metrics) setState(current model.ConnectionState) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1
		}
		m.connectionState.WithLabelValues(s.String()).Set(v)
	}
}

func outcomeLabel(o orders.Outcome) string {
	switch {
	case o.ResyncRequired:
		return "unknown_order"
	case o.Stale:
		return "stale"
	case o.Applied:
		return "applied"
	}
	return "duplicate"
}
