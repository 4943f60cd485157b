package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments dispatch outcomes for operator dashboards.
// Grounded on the teacher's MetricsCollector shape
// (internal/infra/observability), narrowed to the counters this
// component needs.
type Metrics struct {
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
}

// MustNewMetrics registers the orchestrator's collectors against reg
// and panics on a registration conflict, matching the teacher's
// fail-fast bootstrap convention for metrics wiring.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_dispatch_total",
			Help: "Count of completed generation dispatches by outcome status.",
		}, []string{"task_type", "status"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_dispatch_duration_seconds",
			Help:    "Wall-clock duration of one generation dispatch.",
			Buckets: prometheus.DefBuckets,
		}, []string{"task_type", "status"}),
	}
	reg.MustRegister(m.dispatchTotal, m.dispatchDuration)
	return m
}

func (m *Metrics) observe(taskType, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(taskType, status).Inc()
	m.dispatchDuration.WithLabelValues(taskType, status).Observe(duration.Seconds())
}
