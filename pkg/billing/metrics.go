package billing

import "time"

// Metrics defines the interface for tracking webhook ingestion and provider calls.
type Metrics interface {
	// RecordWebhookEvent records an acknowledged webhook event.
	// outcome is the ledger outcome, e.g. "applied", "duplicate", "missing_entity".
	RecordWebhookEvent(provider, eventType, outcome string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a rejected or failed webhook.
	// errorType: "invalid_signature", "expired_timestamp", "invalid_payload",
	// "payload_too_large", "permanent_failure" or "processing_error"
	RecordWebhookError(provider, errorType string)

	// RecordUserSync records a provider-to-ledger sync.
	// status: "success" or "error"
	RecordUserSync(provider, status string)

	// RecordUserSyncDuration records how long a user sync took.
	RecordUserSyncDuration(provider string, duration time.Duration)

	// RecordAPICall records an API call to the billing provider.
	// status: "success" or "error"
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)

	// RecordNotificationDelivery records an outbox delivery attempt.
	// status: "sent" or "failed"
	RecordNotificationDelivery(kind, status string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordUserSync(_, _ string)                                   {}
func (n *NoopMetrics) RecordUserSyncDuration(_ string, _ time.Duration)             {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
func (n *NoopMetrics) RecordNotificationDelivery(_, _ string)                       {}
