package ledger

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a subscription row
type Status string

const (
	// StatusTrialing is a live subscription inside its trial period
	StatusTrialing Status = "trialing"
	// StatusActive is a live, paid subscription
	StatusActive Status = "active"
	// StatusPastDue means the latest renewal payment failed and is being retried
	StatusPastDue Status = "past_due"
	// StatusCanceled is terminal. A canceled row never transitions again.
	StatusCanceled Status = "canceled"
	// StatusUnpaid means payment retries were exhausted without cancellation
	StatusUnpaid Status = "unpaid"
	// StatusIncomplete means the first payment has not completed yet
	StatusIncomplete Status = "incomplete"
)

// ParseStatus maps a provider status string onto a Status.
// "incomplete_expired" is folded into StatusCanceled since the provider never
// revives such subscriptions.
func ParseStatus(s string) (Status, error) {
	if st := Status(s); st.Valid() {
		return st, nil
	}
	if s == "incomplete_expired" {
		return StatusCanceled, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCanceled, StatusUnpaid, StatusIncomplete:
		return true
	}
	return false
}

// IsLive reports whether the status grants access (active or trialing).
// At most one live row may exist per user.
func (s Status) IsLive() bool {
	return s == StatusActive || s == StatusTrialing
}

// IsTerminal reports whether no further transitions are allowed
func (s Status) IsTerminal() bool {
	return s == StatusCanceled
}

func (s Status) String() string {
	return string(s)
}

// Subscription is a persisted ledger row
type Subscription struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	PlanID string `json:"planId"`
	// ExternalSubscriptionID is empty when the row has no provider counterpart
	ExternalSubscriptionID string     `json:"externalSubscriptionId,omitempty"`
	ExternalCustomerID     string     `json:"externalCustomerId,omitempty"`
	Status                 Status     `json:"status"`
	CurrentPeriodEnd       time.Time  `json:"currentPeriodEnd"`
	CancelAtPeriodEnd      bool       `json:"cancelAtPeriodEnd"`
	TrialEndsAt            *time.Time `json:"trialEndsAt,omitempty"`
	// LastReconciledEventAt is the provider creation time of the newest event
	// applied to this row. Older events are dropped.
	LastReconciledEventAt time.Time `json:"lastReconciledEventAt"`
	// Version is bumped on every write and used for compare-and-swap updates
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of the subscription
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	if s.TrialEndsAt != nil {
		t := *s.TrialEndsAt
		c.TrialEndsAt = &t
	}
	return &c
}

// Plan is read-only reference data mapping a provider price to a local plan
type Plan struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	ExternalPriceID string `json:"externalPriceId"`
}

// Snapshot is the provider-reported state of a subscription, taken from an
// event payload or a direct provider read.
type Snapshot struct {
	Status            Status
	CurrentPeriodEnd  time.Time
	CancelAtPeriodEnd bool
	TrialEndsAt       *time.Time
	PriceID           string
	CustomerID        string
	// ObservedAt is the provider's clock when the state was read, if known
	ObservedAt time.Time
}

// EventRef identifies the provider event driving a mutation
type EventRef struct {
	ID         string
	Type       string
	OccurredAt time.Time
}

// ProcessedEvent is the dedup record written when an event is applied
type ProcessedEvent struct {
	EventID     string    `json:"eventId"`
	EventType   string    `json:"eventType"`
	ProcessedAt time.Time `json:"processedAt"`
}

// ClaimResult is the outcome of claiming an event id
type ClaimResult int

const (
	// Claimed means this is the first time the event id is seen
	Claimed ClaimResult = iota + 1
	// AlreadyProcessed means the event id was applied before
	AlreadyProcessed
)

func (c ClaimResult) String() string {
	switch c {
	case Claimed:
		return "claimed"
	case AlreadyProcessed:
		return "already_processed"
	default:
		return "unknown"
	}
}

// NotificationKind names the message a notifier should deliver
type NotificationKind string

const (
	NotificationPaymentFailed NotificationKind = "payment_failed"
	NotificationTrialEnding   NotificationKind = "trial_ending"
)

// Notification is an outbox row written in the same transaction as the state
// change that caused it.
type Notification struct {
	ID             string           `json:"id"`
	Kind           NotificationKind `json:"kind"`
	UserID         string           `json:"userId"`
	SubscriptionID string           `json:"subscriptionId"`
	EventID        string           `json:"eventId"`
	IdempotencyKey string           `json:"idempotencyKey"`
	Attempts       int              `json:"attempts"`
	LastError      string           `json:"lastError,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	SentAt         *time.Time       `json:"sentAt,omitempty"`
}

// NotificationKey builds the idempotency key for a notification
func NotificationKey(kind NotificationKind, subscriptionID, eventID string) string {
	return string(kind) + ":" + subscriptionID + ":" + eventID
}

// Outcome describes what applying an event did to the ledger
type Outcome string

const (
	// OutcomeApplied means at least one row changed
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the event id was already processed
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeMissing means the referenced subscription, plan or user was not found
	OutcomeMissing Outcome = "missing_entity"
	// OutcomeStale means the event is older than the row's last reconciled event
	OutcomeStale Outcome = "stale"
	// OutcomeTerminal means the row is canceled and ignores further events
	OutcomeTerminal Outcome = "terminal"
	// OutcomeIgnored means the event was acknowledged without any mutation
	OutcomeIgnored Outcome = "ignored"
	// OutcomeShadowed means the row was updated but kept non-live because a
	// newer subscription of the same user is live
	OutcomeShadowed Outcome = "shadowed"
)

// Result is returned by every event-driven ledger operation
type Result struct {
	Outcome      Outcome
	Subscription *Subscription
	// Superseded is the live row canceled to make room for Subscription, if any
	Superseded *Subscription
	// Holder is the newer live row that kept Subscription from going live, if any
	Holder *Subscription
	// Notified is true when a notification was enqueued by this event
	Notified bool
}
