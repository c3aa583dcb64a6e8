// Package metrics exposes the pipeline's Prometheus instruments. One
// Registry-backed set per process; both deployments (scheduler and worker)
// register the same families and export what they touch.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
)

// Metrics bundles every instrument the pipeline records.
type Metrics struct {
	registry *prometheus.Registry

	MessagesScheduled *prometheus.CounterVec
	MessagesSent      *prometheus.CounterVec
	MessagesRetried   *prometheus.CounterVec
	MessagesFailed    *prometheus.CounterVec
	MessagesDropped   prometheus.Counter

	DeliveryDuration *prometheus.HistogramVec
	QueueDepth       *prometheus.GaugeVec
	StatusRows       *prometheus.GaugeVec
	BreakerState     prometheus.Gauge
	SweeperRecovered prometheus.Counter
}

// New builds and registers the instrument set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		MessagesScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "greetings_messages_scheduled_total",
			Help: "Message log rows created by the pre-calculator.",
		}, []string{"message_type"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "greetings_messages_sent_total",
			Help: "Messages confirmed delivered.",
		}, []string{"message_type"}),
		MessagesRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "greetings_messages_retried_total",
			Help: "Transient failures that went back on the queue.",
		}, []string{"message_type"}),
		MessagesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "greetings_messages_failed_total",
			Help: "Messages dead-lettered.",
		}, []string{"message_type"}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "greetings_messages_dropped_total",
			Help: "Duplicate or stale envelopes acked without sending.",
		}),
		DeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "greetings_delivery_duration_seconds",
			Help:    "End-to-end handling time per consumed envelope.",
			Buckets: prometheus.DefBuckets,
		}, []string{"message_type", "outcome"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "greetings_queue_depth",
			Help: "Broker queue depths from the last poll.",
		}, []string{"queue"}),
		StatusRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "greetings_message_log_rows",
			Help: "Message log rows by status from the last poll.",
		}, []string{"status"}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "greetings_breaker_state",
			Help: "Delivery circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		SweeperRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "greetings_sweeper_recovered_total",
			Help: "Rows republished by the recovery sweeper.",
		}),
	}

	reg.MustRegister(
		m.MessagesScheduled, m.MessagesSent, m.MessagesRetried,
		m.MessagesFailed, m.MessagesDropped, m.DeliveryDuration,
		m.QueueDepth, m.StatusRows, m.BreakerState, m.SweeperRecovered,
	)
	return m
}

// Registry exposes the backing registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveDelivery satisfies the worker pool's Observer interface.
func (m *Metrics) ObserveDelivery(messageType, outcome string, seconds float64) {
	m.DeliveryDuration.WithLabelValues(messageType, outcome).Observe(seconds)
	switch outcome {
	case "sent":
		m.MessagesSent.WithLabelValues(messageType).Inc()
	case "retried":
		m.MessagesRetried.WithLabelValues(messageType).Inc()
	case "failed":
		m.MessagesFailed.WithLabelValues(messageType).Inc()
	case "dropped":
		m.MessagesDropped.Inc()
	}
}

// ObserveScheduled satisfies the scheduler's Observer interface.
func (m *Metrics) ObserveScheduled(messageType string) {
	m.MessagesScheduled.WithLabelValues(messageType).Inc()
}

// ObserveRecovered counts rows the recovery sweeper re-drove.
func (m *Metrics) ObserveRecovered(count int) {
	m.SweeperRecovered.Add(float64(count))
}

// SetBreakerState maps a gobreaker state onto the gauge.
func (m *Metrics) SetBreakerState(s gobreaker.State) {
	switch s {
	case gobreaker.StateClosed:
		m.BreakerState.Set(0)
	case gobreaker.StateHalfOpen:
		m.BreakerState.Set(1)
	case gobreaker.StateOpen:
		m.BreakerState.Set(2)
	}
}
