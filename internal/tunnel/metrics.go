package tunnel

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the set of process-level Prometheus collectors exposed by the
// optional admin HTTP surface (see DOMAIN STACK in SPEC_FULL.md). These are
// purely additive observability: nothing in the tunnel's correctness depends
// on them being scraped.
type Metrics struct {
	ClientSessions prometheus.Gauge
	Forwards       prometheus.Gauge
	Connections    prometheus.Gauge
	BytesRelayed   *prometheus.CounterVec
}

// NewMetrics constructs and registers a Metrics set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ClientSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "portbridge",
			Name:      "client_sessions_open",
			Help:      "Number of currently open client control sessions.",
		}),
		Forwards: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "portbridge",
			Name:      "forwards_open",
			Help:      "Number of currently live forwards across all client sessions.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "portbridge",
			Name:      "tunneled_connections_open",
			Help:      "Number of currently open tunneled public/backend connections.",
		}),
		BytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portbridge",
			Name:      "bytes_relayed_total",
			Help:      "Total bytes relayed through tunneled connections, by direction.",
		}, []string{"direction"}),
	}
	reg.MustRegister(m.ClientSessions, m.Forwards, m.Connections, m.BytesRelayed)
	return m
}
