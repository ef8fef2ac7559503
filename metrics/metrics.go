// Package metrics exposes Prometheus instruments for the purchase lifecycle.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "accountmarket"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	transitions   *prometheus.CounterVec
	workflow      *prometheus.CounterVec
	sweepAffected *prometheus.CounterVec
	sweepFailures *prometheus.CounterVec
	sweepDuration *prometheus.HistogramVec
	notifySent    *prometheus.CounterVec
	notifyFailed  *prometheus.CounterVec
	notifyDropped *prometheus.CounterVec
}

// New builds the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Committed status transitions by entity and target status.",
		}, []string{"entity", "to"}),
		workflow: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_events_total",
			Help:      "Workflow events applied, by event and outcome.",
		}, []string{"event", "outcome"}),
		sweepAffected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_affected_total",
			Help:      "Rows changed by janitor sweep steps.",
		}, []string{"step"}),
		sweepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_failures_total",
			Help:      "Janitor sweep steps that failed after retries.",
		}, []string{"step"}),
		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of janitor sweep steps.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
		notifySent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_sent_total",
			Help:      "Notifications handed to the sink, by event type.",
		}, []string{"type"}),
		notifyFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "Notifications the sink rejected, by event type.",
		}, []string{"type"}),
		notifyDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped before delivery because the queue was full or closed.",
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.transitions,
			m.workflow,
			m.sweepAffected,
			m.sweepFailures,
			m.sweepDuration,
			m.notifySent,
			m.notifyFailed,
			m.notifyDropped,
		)
	}
	return m
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

func (m *Metrics) ObserveTransition(entity, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(label(entity), label(to)).Inc()
}

func (m *Metrics) ObserveWorkflow(event string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.workflow.WithLabelValues(label(event), outcome).Inc()
}

func (m *Metrics) ObserveSweep(step string, affected int64, took time.Duration, err error) {
	if m == nil {
		return
	}
	step = label(step)
	m.sweepDuration.WithLabelValues(step).Observe(took.Seconds())
	if err != nil {
		m.sweepFailures.WithLabelValues(step).Inc()
		return
	}
	if affected > 0 {
		m.sweepAffected.WithLabelValues(step).Add(float64(affected))
	}
}

func (m *Metrics) ObserveNotification(eventType string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.notifyFailed.WithLabelValues(label(eventType)).Inc()
		return
	}
	m.notifySent.WithLabelValues(label(eventType)).Inc()
}

func (m *Metrics) ObserveNotificationDropped(eventType string) {
	if m == nil {
		return
	}
	m.notifyDropped.WithLabelValues(label(eventType)).Inc()
}
