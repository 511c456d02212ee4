package wanas

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the sync engine's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	connectionState    *prometheus.GaugeVec
	connectAttempts    prometheus.Counter
	connectFailures    prometheus.Counter
	reconnects         prometheus.Counter
	droppedInvocations *prometheus.CounterVec
	pushEvents         *prometheus.CounterVec
	malformedEvents    prometheus.Counter
	suppressed         *prometheus.CounterVec
	unreadCount        prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is convenient in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wanas",
			Subsystem: "chat",
			Name:      "connection_state",
			Help:      "1 for the current push channel state, 0 for the others.",
		}, []string{"state"}),
		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wanas",
			Subsystem: "chat",
			Name:      "connect_attempts_total",
			Help:      "Push channel negotiation attempts.",
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wanas",
			Subsystem: "chat",
			Name:      "connect_failures_total",
			Help:      "Failed push channel negotiation attempts.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wanas",
			Subsystem: "chat",
			Name:      "reconnects_total",
			Help:      "Transport drops that started a reconnect cycle.",
		}),
		droppedInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wanas",
			Subsystem: "chat",
			Name:      "dropped_invocations_total",
			Help:      "Hub invocations dropped because the channel was not connected.",
		}, []string{"method"}),
		pushEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wanas",
			Subsystem: "chat",
			Name:      "push_events_total",
			Help:      "Push events received, by hub target.",
		}, []string{"target"}),
		malformedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wanas",
			Subsystem: "chat",
			Name:      "malformed_events_total",
			Help:      "Push frames dropped because they could not be decoded.",
		}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wanas",
			Subsystem: "chat",
			Name:      "suppressed_messages_total",
			Help:      "Messages not appended to the timeline, by reason.",
		}, []string{"reason"}),
		unreadCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wanas",
			Subsystem: "chat",
			Name:      "unread_messages",
			Help:      "Global unread counter as last applied.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.connectionState,
			m.connectAttempts,
			m.connectFailures,
			m.reconnects,
			m.droppedInvocations,
			m.pushEvents,
			m.malformedEvents,
			m.suppressed,
			m.unreadCount,
		)
	}
	return m
}

var allStates = []ConnectionState{StateDisconnected, StateConnecting, StateConnected, StateReconnecting}

func (m *Metrics) setState(s ConnectionState) {
	if m == nil {
		return
	}
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.connectionState.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) attempt(ok bool) {
	if m == nil {
		return
	}
	m.connectAttempts.Inc()
	if !ok {
		m.connectFailures.Inc()
	}
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) droppedInvocation(method string) {
	if m == nil {
		return
	}
	m.droppedInvocations.WithLabelValues(method).Inc()
}

func (m *Metrics) pushEvent(target string) {
	if m == nil {
		return
	}
	m.pushEvents.WithLabelValues(target).Inc()
}

func (m *Metrics) malformed() {
	if m == nil {
		return
	}
	m.malformedEvents.Inc()
}

const (
	suppressDuplicate = "duplicate"
	suppressSelfEcho  = "self_echo"
)

func (m *Metrics) suppress(reason string) {
	if m == nil {
		return
	}
	m.suppressed.WithLabelValues(reason).Inc()
}

func (m *Metrics) setUnread(n int) {
	if m == nil {
		return
	}
	m.unreadCount.Set(float64(n))
}
