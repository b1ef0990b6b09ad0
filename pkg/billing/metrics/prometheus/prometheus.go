package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/subledger/pkg/billing"
)

const subsystem = "billing"

// Metrics implements billing.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal        *prometheus.CounterVec
	webhookProcessingDuration *prometheus.HistogramVec
	webhookErrorsTotal        *prometheus.CounterVec
	userSyncTotal             *prometheus.CounterVec
	userSyncDuration          *prometheus.HistogramVec
	apiCallsTotal             *prometheus.CounterVec
	apiCallDuration           *prometheus.HistogramVec
	notificationsTotal        *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation for webhook ingestion.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: prometheus.DefBuckets,
		}, labels)
	}

	return &Metrics{
		webhookEventsTotal: counter("webhook_events_total",
			"Total number of acknowledged webhook events, by ledger outcome.",
			"provider", "event_type", "outcome"),
		webhookProcessingDuration: histogram("webhook_processing_duration_seconds",
			"Duration of webhook processing in seconds.",
			"provider", "event_type"),
		webhookErrorsTotal: counter("webhook_errors_total",
			"Total number of rejected or failed webhooks.",
			"provider", "error_type"),
		userSyncTotal: counter("user_sync_total",
			"Total number of provider-to-ledger syncs.",
			"provider", "status"),
		userSyncDuration: histogram("user_sync_duration_seconds",
			"Duration of provider-to-ledger syncs in seconds.",
			"provider"),
		apiCallsTotal: counter("api_calls_total",
			"Total number of API calls to the billing provider.",
			"provider", "endpoint", "status"),
		apiCallDuration: histogram("api_call_duration_seconds",
			"Duration of API calls to the billing provider in seconds.",
			"provider", "endpoint"),
		notificationsTotal: counter("notification_deliveries_total",
			"Total number of outbox delivery attempts.",
			"kind", "status"),
	}
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, outcome string) {
	m.webhookEventsTotal.WithLabelValues(provider, eventType, outcome).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration) {
	m.webhookProcessingDuration.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, errorType string) {
	m.webhookErrorsTotal.WithLabelValues(provider, errorType).Inc()
}

func (m *Metrics) RecordUserSync(provider, status string) {
	m.userSyncTotal.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) RecordUserSyncDuration(provider string, duration time.Duration) {
	m.userSyncDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string) {
	m.apiCallsTotal.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, endpoint string, duration time.Duration) {
	m.apiCallDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) RecordNotificationDelivery(kind, status string) {
	m.notificationsTotal.WithLabelValues(kind, status).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) billing.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
