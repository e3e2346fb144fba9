// Package metrics exposes Prometheus instrumentation for the task
// pipeline: task outcomes, durations, pool occupancy, and queue depth.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the service's Prometheus collectors.
type Metrics struct {
	TasksTotal      *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec
	PoolPages       *prometheus.GaugeVec
	QueueDepth      prometheus.Gauge
	SessionRestarts prometheus.Counter
}

// New registers the service collectors on the default registry.
func New() *Metrics {
	return &Metrics{
		TasksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "renderbox",
			Name:      "tasks_total",
			Help:      "Tasks resolved, by kind and outcome code.",
		}, []string{"kind", "outcome"}),
		TaskDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "renderbox",
			Name:      "task_duration_seconds",
			Help:      "End-to-end task duration, queue wait included.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"kind"}),
		PoolPages: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "renderbox",
			Name:      "pool_pages",
			Help:      "Browser pages by pool state.",
		}, []string{"state"}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "renderbox",
			Name:      "queue_depth",
			Help:      "Tasks waiting for dispatch.",
		}),
		SessionRestarts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "renderbox",
			Name:      "session_restarts_total",
			Help:      "Browser engine restarts since process start.",
		}),
	}
}

// ObserveTask records one resolved task. outcome is "success" or the
// error code.
func (m *Metrics) ObserveTask(kind, outcome string, seconds float64) {
	m.TasksTotal.WithLabelValues(kind, outcome).Inc()
	m.TaskDuration.WithLabelValues(kind).Observe(seconds)
}

// SetPoolStats publishes a pool snapshot.
func (m *Metrics) SetPoolStats(idle, checkedOut int) {
	m.PoolPages.WithLabelValues("idle").Set(float64(idle))
	m.PoolPages.WithLabelValues("checked_out").Set(float64(checkedOut))
}
