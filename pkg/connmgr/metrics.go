package connmgr

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metricsSet holds the optional Prometheus instrumentation. All hooks are
// nil-safe so the hot path pays nothing when metrics are disabled.
type metricsSet struct {
	calls         *prometheus.CounterVec
	notifications *prometheus.CounterVec
	sessions      prometheus.Gauge
}

func newMetricsSet(reg prometheus.Registerer) *metricsSet {
	ms := &metricsSet{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "connmgr",
			Name:      "calls_total",
			Help:      "RPC calls issued through the manager, by server, operation, and outcome.",
		}, []string{"server", "op", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "connmgr",
			Name:      "notifications_total",
			Help:      "Server-pushed notifications received, by server and kind.",
		}, []string{"server", "kind"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "connmgr",
			Name:      "live_sessions",
			Help:      "Number of currently connected server sessions.",
		}),
	}
	reg.MustRegister(ms.calls, ms.notifications, ms.sessions)
	return ms
}

const outcomeOK = "ok"

func (m *Manager) countCall(serverID, op string, err error) {
	if m.metrics == nil {
		return
	}
	outcome := outcomeOK
	if err != nil {
		if kind := ErrorKindOf(err); kind != "" {
			outcome = string(kind)
		} else {
			outcome = string(KindInternal)
		}
	}
	m.metrics.calls.WithLabelValues(serverID, op, outcome).Inc()
}

func (m *Manager) countNotification(serverID, kind string) {
	if m.metrics == nil {
		return
	}
	m.metrics.notifications.WithLabelValues(serverID, kind).Inc()
}

func (m *Manager) sessionGauge(delta float64) {
	if m.metrics == nil {
		return
	}
	m.metrics.sessions.Add(delta)
}
