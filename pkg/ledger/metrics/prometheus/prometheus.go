package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/subledger/pkg/ledger"
)

// Metrics implements ledger.Metrics using Prometheus.
type Metrics struct {
	eventsTotal          *prometheus.CounterVec
	transitionsTotal     *prometheus.CounterVec
	notificationsTotal   *prometheus.CounterVec
	storageOpsDuration   *prometheus.HistogramVec
	storageOpsErrorTotal *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_events_total",
			Help:      "Total number of provider events applied to the ledger, by outcome.",
		}, []string{"event_type", "outcome"}),

		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_status_transitions_total",
			Help:      "Total number of committed subscription status transitions.",
		}, []string{"from", "to"}),

		notificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_notifications_enqueued_total",
			Help:      "Total number of notifications written to the outbox.",
		}, []string{"kind"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_storage_operation_duration_seconds",
			Help:      "Latency of ledger store transactions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrorTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_storage_operation_errors_total",
			Help:      "Total number of failed ledger store transactions.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordEvent(eventType string, outcome ledger.Outcome) {
	m.eventsTotal.WithLabelValues(eventType, string(outcome)).Inc()
}

func (m *Metrics) RecordTransition(from, to ledger.Status) {
	f := string(from)
	if f == "" {
		f = "none"
	}
	m.transitionsTotal.WithLabelValues(f, string(to)).Inc()
}

func (m *Metrics) RecordNotificationEnqueued(kind ledger.NotificationKind) {
	m.notificationsTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrorTotal.WithLabelValues(operation).Inc()
	}
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
