package daemon

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yourusername/emhttpd/pkg/emhttpd/conn"
)

// metricsSet is the optional "(new, ambient) Prometheus metrics" surface
// from SPEC_FULL.md, grounded on the teacher's buffer_pool_prometheus.go
// but built per-Daemon rather than as package-level promauto globals,
// since a process may run more than one Daemon and package-level
// collectors would double-register on the second one. When
// Options.MetricsRegisterer is nil, the counters still exist but are
// simply never exposed to a scraper.
type metricsSet struct {
	activeConnections   prometheus.Gauge
	acceptedConnections prometheus.Counter
	rejectedConnections prometheus.Counter
	terminations        *prometheus.CounterVec
}

func newMetricsSet(reg prometheus.Registerer) (*metricsSet, error) {
	m := &metricsSet{
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "emhttpd",
			Subsystem: "daemon",
			Name:      "active_connections",
			Help:      "Connections currently tracked by the daemon.",
		}),
		acceptedConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "emhttpd",
			Subsystem: "daemon",
			Name:      "accepted_connections_total",
			Help:      "Connections accepted from the listen socket.",
		}),
		rejectedConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "emhttpd",
			Subsystem: "daemon",
			Name:      "rejected_connections_total",
			Help:      "Connections rejected because MaxConnections was reached.",
		}),
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emhttpd",
			Subsystem: "daemon",
			Name:      "connection_terminations_total",
			Help:      "Completed connections by termination code.",
		}, []string{"code"}),
	}

	if reg == nil {
		return m, nil
	}
	collectors := []prometheus.Collector{
		m.activeConnections, m.acceptedConnections, m.rejectedConnections, m.terminations,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metricsSet) observeTermination(code conn.TerminationCode) {
	m.terminations.WithLabelValues(code.String()).Inc()
}
