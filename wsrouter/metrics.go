package wsrouter

import "github.com/prometheus/client_golang/prometheus"

// routerMetrics tracks the router-level gauges/counters named in the domain
// stack: open connections, messages processed, and errors emitted by code.
// Nil-safe throughout so a Router built without a registry never touches a
// nil pointer.
type routerMetrics struct {
	openConnections  prometheus.Gauge
	messagesHandled  prometheus.Counter
	messagesDropped  prometheus.Counter
	errorsByCode     *prometheus.CounterVec
}

func newRouterMetrics(reg prometheus.Registerer) *routerMetrics {
	if reg == nil {
		return nil
	}
	m := &routerMetrics{
		openConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wskit",
			Subsystem: "wsrouter",
			Name:      "open_connections",
			Help:      "Number of connections currently tracked by the router.",
		}),
		messagesHandled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wskit",
			Subsystem: "wsrouter",
			Name:      "messages_handled_total",
			Help:      "Inbound frames that reached a registered handler.",
		}),
		messagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wskit",
			Subsystem: "wsrouter",
			Name:      "messages_dropped_total",
			Help:      "Inbound frames dropped before dispatch (oversize, malformed, unroutable).",
		}),
		errorsByCode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wskit",
			Subsystem: "wsrouter",
			Name:      "errors_total",
			Help:      "Error envelopes sent to clients, partitioned by canonical code.",
		}, []string{"code"}),
	}
	reg.MustRegister(m.openConnections, m.messagesHandled, m.messagesDropped, m.errorsByCode)
	return m
}

func (m *routerMetrics) connOpened() {
	if m != nil {
		m.openConnections.Inc()
	}
}

func (m *routerMetrics) connClosed() {
	if m != nil {
		m.openConnections.Dec()
	}
}

func (m *routerMetrics) handled() {
	if m != nil {
		m.messagesHandled.Inc()
	}
}

func (m *routerMetrics) dropped() {
	if m != nil {
		m.messagesDropped.Inc()
	}
}

func (m *routerMetrics) errorSent(code string) {
	if m != nil {
		m.errorsByCode.WithLabelValues(code).Inc()
	}
}
