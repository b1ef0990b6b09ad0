package ledger

import "time"

// Metrics defines the interface for tracking ledger operations.
type Metrics interface {
	// RecordEvent records how an event-driven operation ended.
	RecordEvent(eventType string, outcome Outcome)

	// RecordTransition records a committed status change.
	RecordTransition(from, to Status)

	// RecordNotificationEnqueued records an outbox insert.
	RecordNotificationEnqueued(kind NotificationKind)

	// RecordStorageOperation records the duration and status of a store transaction.
	RecordStorageOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordEvent(eventType string, outcome Outcome)                              {}
func (n *NoopMetrics) RecordTransition(from, to Status)                                           {}
func (n *NoopMetrics) RecordNotificationEnqueued(kind NotificationKind)                           {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
