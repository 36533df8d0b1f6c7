// Package metrics provides Prometheus-based metrics for orchestration
// operations, plus a query service for aggregating them from a Prometheus
// server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records orchestration metrics.
type Recorder struct {
	instancesTotal   *prometheus.CounterVec
	terminalsTotal   *prometheus.CounterVec
	gitOpDuration    *prometheus.HistogramVec
	liveTerminals    prometheus.Gauge
	instanceActivity *prometheus.CounterVec
}

// NewRecorder creates a Prometheus-backed recorder. Metrics register on the
// default registry; construct at most one per process.
func NewRecorder() *Recorder {
	return &Recorder{
		instancesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentdeck_instances_total",
				Help: "Instance lifecycle operations by agent type and outcome",
			},
			[]string{"agent_type", "operation", "status"},
		),
		terminalsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentdeck_terminal_sessions_total",
				Help: "Terminal session open/close operations by kind",
			},
			[]string{"kind", "operation"},
		),
		gitOpDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentdeck_git_operation_duration_seconds",
				Help:    "Duration of external git invocations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "status"},
		),
		liveTerminals: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentdeck_live_terminal_sessions",
				Help: "Number of currently open terminal sessions",
			},
		),
		instanceActivity: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentdeck_instance_events_total",
				Help: "Instance events appended, by instance and kind",
			},
			[]string{"instance_id", "kind"},
		),
	}
}

// ObserveInstanceOp records one instance lifecycle operation.
func (r *Recorder) ObserveInstanceOp(agentType, operation string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	r.instancesTotal.WithLabelValues(agentType, operation, status).Inc()
}

// ObserveTerminalOpened records a terminal session spawn.
func (r *Recorder) ObserveTerminalOpened(kind string) {
	r.terminalsTotal.WithLabelValues(kind, "open").Inc()
	r.liveTerminals.Inc()
}

// ObserveTerminalClosed records a terminal session close.
func (r *Recorder) ObserveTerminalClosed(kind string) {
	r.terminalsTotal.WithLabelValues(kind, "close").Inc()
	r.liveTerminals.Dec()
}

// ObserveGitOp records one external git invocation.
func (r *Recorder) ObserveGitOp(operation string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	r.gitOpDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
}

// ObserveInstanceEvent records an appended instance event.
func (r *Recorder) ObserveInstanceEvent(instanceID, kind string) {
	r.instanceActivity.WithLabelValues(instanceID, kind).Inc()
}
