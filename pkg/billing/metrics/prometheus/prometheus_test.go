package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subledger/pkg/billing"
)

var _ billing.Metrics = (*Metrics)(nil)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	next:
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if want, ok := labels[l.GetName()]; ok && want != l.GetValue() {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestMetrics_Webhook(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordWebhookEvent("stripe", "invoice.payment_failed", "applied")
	m.RecordWebhookEvent("stripe", "invoice.payment_failed", "duplicate")
	m.RecordWebhookError("stripe", "invalid_signature")
	m.RecordWebhookError("stripe", "invalid_signature")
	m.RecordWebhookProcessingDuration("stripe", "invoice.payment_failed", 20*time.Millisecond)

	assert.Equal(t, 1.0, counterValue(t, reg, "test_billing_webhook_events_total",
		map[string]string{"outcome": "duplicate"}))
	assert.Equal(t, 2.0, counterValue(t, reg, "test_billing_webhook_errors_total",
		map[string]string{"error_type": "invalid_signature"}))
}

func TestMetrics_ProviderCalls(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordAPICall("stripe", "schedule_cancellation", "success")
	m.RecordAPICallDuration("stripe", "schedule_cancellation", time.Millisecond)
	m.RecordUserSync("stripe", "error")
	m.RecordUserSyncDuration("stripe", time.Millisecond)
	m.RecordNotificationDelivery("payment_failed", "sent")

	assert.Equal(t, 1.0, counterValue(t, reg, "test_billing_api_calls_total",
		map[string]string{"endpoint": "schedule_cancellation"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "test_billing_user_sync_total",
		map[string]string{"status": "error"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "test_billing_notification_deliveries_total",
		map[string]string{"kind": "payment_failed"}))
}
