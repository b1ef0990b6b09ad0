package ledger

import (
	"context"
	"time"
)

// Store defines the interface for ledger persistence.
// Every event-driven mutation runs inside RunInTx so the dedup claim, the row
// writes and the outbox insert commit or roll back together.
type Store interface {
	// RunInTx runs fn in a transaction. The transaction commits when fn returns
	// nil and rolls back otherwise. Implementations may call fn more than once
	// when they retry on contention, so fn must not have side effects outside tx.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// GetSubscription returns a row by local id or ErrSubscriptionNotFound
	GetSubscription(ctx context.Context, id string) (*Subscription, error)

	// LiveSubscription returns the user's active or trialing row or ErrNoLiveSubscription
	LiveSubscription(ctx context.Context, userID string) (*Subscription, error)

	// ListSubscriptions returns every row of a user, newest first
	ListSubscriptions(ctx context.Context, userID string) ([]Subscription, error)

	// IsProcessed reports whether an event id has a dedup record.
	// It is a non-locking read used to short-circuit redeliveries; the
	// authoritative check is Tx.ClaimEvent.
	IsProcessed(ctx context.Context, eventID string) (bool, error)

	// CountByStatus returns row counts per status
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// PendingNotifications returns up to limit unsent outbox rows, oldest first
	PendingNotifications(ctx context.Context, limit int) ([]Notification, error)

	// MarkNotificationSent records a successful delivery
	MarkNotificationSent(ctx context.Context, id string, sentAt time.Time) error

	// MarkNotificationFailed increments the attempt counter and stores the cause
	MarkNotificationFailed(ctx context.Context, id string, cause string) error

	// PruneProcessedEvents deletes dedup records processed before the cutoff
	PruneProcessedEvents(ctx context.Context, before time.Time) (int64, error)
}

// Tx is the transactional view handed to RunInTx callbacks.
// Reads lock the returned rows until the transaction ends where the backend
// supports it.
type Tx interface {
	// ClaimEvent inserts the dedup record. A duplicate id yields AlreadyProcessed.
	// A concurrent claim of the same id blocks until the other transaction ends.
	ClaimEvent(ctx context.Context, ev ProcessedEvent) (ClaimResult, error)

	// SubscriptionByID returns a row by local id or ErrSubscriptionNotFound
	SubscriptionByID(ctx context.Context, id string) (*Subscription, error)

	// SubscriptionByExternalID returns a row by provider id or ErrSubscriptionNotFound
	SubscriptionByExternalID(ctx context.Context, externalID string) (*Subscription, error)

	// LiveSubscriptionForUser returns the user's live row or ErrNoLiveSubscription
	LiveSubscriptionForUser(ctx context.Context, userID string) (*Subscription, error)

	// LockUser serializes transactions that establish subscriptions for one user
	LockUser(ctx context.Context, userID string) error

	// InsertSubscription writes a new row. It fails with ErrDuplicateExternalID
	// when the external id is taken.
	InsertSubscription(ctx context.Context, sub *Subscription) error

	// UpdateSubscription writes sub when the stored version equals sub.Version
	// and increments sub.Version. A version mismatch yields ErrConcurrentUpdate.
	UpdateSubscription(ctx context.Context, sub *Subscription) error

	// EnqueueNotification inserts an outbox row. It returns false without error
	// when a row with the same idempotency key exists.
	EnqueueNotification(ctx context.Context, n *Notification) (bool, error)
}

// PlanCatalog resolves plans. The ledger never writes plans.
type PlanCatalog interface {
	PlanByID(ctx context.Context, id string) (*Plan, error)
	PlanByPriceID(ctx context.Context, priceID string) (*Plan, error)
}
