package broker

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the broker's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	connections prometheus.Gauge
	messages    *prometheus.CounterVec
	receipts    prometheus.Counter
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "forumchat",
			Subsystem: "broker",
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forumchat",
			Subsystem: "broker",
			Name:      "messages_total",
			Help:      "Chat messages received, by outcome.",
		}, []string{"outcome"}),
		receipts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forumchat",
			Subsystem: "broker",
			Name:      "seen_receipts_total",
			Help:      "Read receipts forwarded.",
		}),
	}
	reg.MustRegister(m.connections, m.messages, m.receipts)
	return m
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

// message outcomes: delivered, offline, rejected, rate_limited, store_failed
func (m *Metrics) message(outcome string) {
	if m != nil {
		m.messages.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) receipt() {
	if m != nil {
		m.receipts.Inc()
	}
}
