// Package metrics holds the Prometheus collectors exported by the ledger service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "subscription_ledger"

// Metrics groups the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	webhookEvents   *prometheus.CounterVec
	webhookDuration *prometheus.HistogramVec
	applyRetries    prometheus.Counter
	sweepDeleted    prometheus.Counter
	sweepRuns       *prometheus.CounterVec
	queryResults    *prometheus.CounterVec
}

// MustNew builds the collectors and registers them with reg. Registration errors panic,
// mirroring promauto. Use a fresh prometheus.NewRegistry() in tests.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Webhook deliveries by event type and outcome.",
		}, []string{"event", "outcome"}),
		webhookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "processing_seconds",
			Help:      "Time spent handling a webhook delivery.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		applyRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "apply_retries_total",
			Help:      "Ledger apply attempts repeated after a transient storage failure.",
		}),
		sweepDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "deleted_total",
			Help:      "Payment records removed by the retention sweeper.",
		}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "runs_total",
			Help:      "Retention sweeper runs by result.",
		}, []string{"result"}),
		queryResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "results_total",
			Help:      "Ledger read operations by operation and result.",
		}, []string{"operation", "result"}),
	}
	reg.MustRegister(m.webhookEvents, m.webhookDuration, m.applyRetries, m.sweepDeleted, m.sweepRuns, m.queryResults)
	return m
}

// ObserveWebhook records one webhook delivery.
func (m *Metrics) ObserveWebhook(event, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if event == "" {
		event = "unknown"
	}
	m.webhookEvents.WithLabelValues(event, outcome).Inc()
	m.webhookDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// IncApplyRetry counts a retried ledger apply.
func (m *Metrics) IncApplyRetry() {
	if m == nil {
		return
	}
	m.applyRetries.Inc()
}

// ObserveSweep records a sweeper run.
func (m *Metrics) ObserveSweep(deleted int64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.sweepRuns.WithLabelValues("error").Inc()
		return
	}
	m.sweepRuns.WithLabelValues("ok").Inc()
	m.sweepDeleted.Add(float64(deleted))
}

// ObserveQuery records the result class of a read operation.
func (m *Metrics) ObserveQuery(operation, result string) {
	if m == nil {
		return
	}
	m.queryResults.WithLabelValues(operation, result).Inc()
}
