package ledger

import "errors"

var (
	// ErrSubscriptionNotFound is returned when no row matches the lookup
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrPlanNotFound is returned when a plan id or price id is unknown
	ErrPlanNotFound = errors.New("plan not found")

	// ErrNoLiveSubscription is returned when the user has no active or trialing row
	ErrNoLiveSubscription = errors.New("no live subscription")

	// ErrNoExternalSubscription is returned when a row has no provider counterpart
	ErrNoExternalSubscription = errors.New("subscription has no external id")

	// ErrConcurrentUpdate is returned when a compare-and-swap write lost a race
	ErrConcurrentUpdate = errors.New("concurrent subscription update")

	// ErrTerminalState is returned when a local flow targets a canceled row
	ErrTerminalState = errors.New("subscription is canceled")

	// ErrUnknownStatus is returned for provider statuses outside the state machine
	ErrUnknownStatus = errors.New("unknown subscription status")

	// ErrInvalidSubscription is returned when a row fails validation before a write
	ErrInvalidSubscription = errors.New("invalid subscription")

	// ErrInvalidEvent is returned when an event reference has no id
	ErrInvalidEvent = errors.New("invalid event reference")

	// ErrDuplicateExternalID is returned when inserting a second row for one external id
	ErrDuplicateExternalID = errors.New("external subscription id already exists")
)
