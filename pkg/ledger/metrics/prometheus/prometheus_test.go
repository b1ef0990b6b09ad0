package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subledger/pkg/ledger"
)

func gather(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func TestMetrics_RecordEvent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordEvent("invoice.payment_failed", ledger.OutcomeApplied)
	m.RecordEvent("invoice.payment_failed", ledger.OutcomeApplied)
	m.RecordEvent("invoice.payment_failed", ledger.OutcomeDuplicate)

	f := gather(t, reg, "test_ledger_events_total")
	require.Len(t, f.GetMetric(), 2)
	var applied float64
	for _, metric := range f.GetMetric() {
		for _, l := range metric.GetLabel() {
			if l.GetName() == "outcome" && l.GetValue() == "applied" {
				applied = metric.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, applied)
}

func TestMetrics_RecordTransition_EmptyFrom(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordTransition("", ledger.StatusActive)

	f := gather(t, reg, "test_ledger_status_transitions_total")
	require.Len(t, f.GetMetric(), 1)
	labels := map[string]string{}
	for _, l := range f.GetMetric()[0].GetLabel() {
		labels[l.GetName()] = l.GetValue()
	}
	assert.Equal(t, "none", labels["from"])
	assert.Equal(t, "active", labels["to"])
}

func TestMetrics_RecordStorageOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordStorageOperation("update", 10*time.Millisecond, nil)
	m.RecordStorageOperation("update", 10*time.Millisecond, errors.New("conflict"))

	hist := gather(t, reg, "test_ledger_storage_operation_duration_seconds")
	assert.Equal(t, uint64(2), hist.GetMetric()[0].GetHistogram().GetSampleCount())

	errs := gather(t, reg, "test_ledger_storage_operation_errors_total")
	assert.Equal(t, 1.0, errs.GetMetric()[0].GetCounter().GetValue())
}

func TestMetrics_RecordNotificationEnqueued(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordNotificationEnqueued(ledger.NotificationPaymentFailed)

	f := gather(t, reg, "test_ledger_notifications_enqueued_total")
	assert.Equal(t, 1.0, f.GetMetric()[0].GetCounter().GetValue())
}
