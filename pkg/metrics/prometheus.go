package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// promMetrics is the Prometheus implementation of Metrics.
type promMetrics struct {
	connectionState *prometheus.GaugeVec
	connectionsTotal prometheus.Counter
	closesTotal      prometheus.Counter
	raRounds         *prometheus.CounterVec
	datRefreshes     *prometheus.CounterVec
	messages         *prometheus.CounterVec
	messageBytes     *prometheus.CounterVec
}

// NewPrometheus registers the idscp2 collectors with reg (nil uses the
// default registerer) and returns the Metrics implementation backed by
// them.
func NewPrometheus(reg prometheus.Registerer) Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &promMetrics{
		connectionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "idscp2_connection_state",
				Help: "Current FSM state per connection (1 for the active state)",
			},
			[]string{"connection_id", "state"},
		),
		connectionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "idscp2_connections_total",
				Help: "Total number of transitions into Established",
			},
		),
		closesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "idscp2_connection_closes_total",
				Help: "Total number of session teardowns",
			},
		),
		raRounds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idscp2_ra_rounds_total",
				Help: "Terminal remote-attestation results by role, suite, and outcome",
			},
			[]string{"role", "suite", "outcome"},
		),
		datRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idscp2_dat_requests_total",
				Help: "DAT acquisitions by source (fresh or cached)",
			},
			[]string{"source"},
		),
		messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idscp2_messages_total",
				Help: "Application messages by direction",
			},
			[]string{"direction"},
		),
		messageBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idscp2_message_bytes_total",
				Help: "Application payload bytes by direction",
			},
			[]string{"direction"},
		),
	}
}

func (m *promMetrics) SetConnectionState(connectionID, state string) {
	// Reset the previous state's gauge by deleting all series for this
	// connection before setting the new one.
	m.connectionState.DeletePartialMatch(prometheus.Labels{"connection_id": connectionID})
	m.connectionState.WithLabelValues(connectionID, state).Set(1)
	if state == "ESTABLISHED" {
		m.connectionsTotal.Inc()
	}
}

func (m *promMetrics) ConnectionClosed(connectionID string) {
	m.connectionState.DeletePartialMatch(prometheus.Labels{"connection_id": connectionID})
	m.closesTotal.Inc()
}

func (m *promMetrics) RecordRaRound(role, suite string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.raRounds.WithLabelValues(role, suite, outcome).Inc()
}

func (m *promMetrics) RecordDatRefresh(source string) {
	m.datRefreshes.WithLabelValues(source).Inc()
}

func (m *promMetrics) RecordMessage(direction string, bytes int) {
	m.messages.WithLabelValues(direction).Inc()
	m.messageBytes.WithLabelValues(direction).Add(float64(bytes))
}

// Handler returns the HTTP handler serving the default Prometheus
// registry, for mounting at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
