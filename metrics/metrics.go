// Package metrics exposes Prometheus instrumentation for workflows and
// notifications. A nil *Recorder is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "alertflow"

// Recorder holds every collector.
type Recorder struct {
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	nodes             *prometheus.CounterVec
	notifications     *prometheus.CounterVec
	channelSends      *prometheus.CounterVec
	throttled         *prometheus.CounterVec
	escalations       *prometheus.CounterVec
	scheduled         prometheus.Gauge
}

// New registers the collectors with reg, or the default registerer when reg is nil.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Recorder{
		executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "executions_total",
			Help:      "Workflow executions by final status",
		}, []string{"status"}),
		executionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "execution_duration_seconds",
			Help:      "Wall time of workflow executions",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~262s
		}, []string{"status"}),
		nodes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "nodes_executed_total",
			Help:      "Executed workflow nodes by type and result",
		}, []string{"type", "result"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "notifications_total",
			Help:      "Notifications created by type and priority",
		}, []string{"type", "priority"}),
		channelSends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "channel_sends_total",
			Help:      "Channel delivery attempts by channel and result",
		}, []string{"channel", "result"}),
		throttled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "throttled_total",
			Help:      "Rule firings suppressed by a throttle window",
		}, []string{"rule"}),
		escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "escalations_total",
			Help:      "Escalations fired for unacknowledged notifications",
		}, []string{"rule"}),
		scheduled: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "registered_workflows",
			Help:      "Workflows with an active schedule or event registration",
		}),
	}
}

// ExecutionFinished records a completed execution.
func (r *Recorder) ExecutionFinished(status string, d time.Duration) {
	if r == nil {
		return
	}
	r.executions.WithLabelValues(status).Inc()
	r.executionDuration.WithLabelValues(status).Observe(d.Seconds())
}

// NodeExecuted records one node run; ok is false when the node failed.
func (r *Recorder) NodeExecuted(nodeType string, ok bool) {
	if r == nil {
		return
	}
	r.nodes.WithLabelValues(nodeType, result(ok)).Inc()
}

func (r *Recorder) NotificationCreated(typ, priority string) {
	if r == nil {
		return
	}
	r.notifications.WithLabelValues(typ, priority).Inc()
}

func (r *Recorder) ChannelSend(channel string, ok bool) {
	if r == nil {
		return
	}
	r.channelSends.WithLabelValues(channel, result(ok)).Inc()
}

func (r *Recorder) Throttled(rule string) {
	if r == nil {
		return
	}
	r.throttled.WithLabelValues(rule).Inc()
}

func (r *Recorder) Escalated(rule string) {
	if r == nil {
		return
	}
	r.escalations.WithLabelValues(rule).Inc()
}

// SetScheduled sets the number of registered workflows.
func (r *Recorder) SetScheduled(n int) {
	if r == nil {
		return
	}
	r.scheduled.Set(float64(n))
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
