package billing

import (
	"errors"
	"fmt"

	"github.com/mihaimyh/subledger/pkg/ledger"
)

var (
	// ErrInvalidPayload is returned when a verified body does not parse into an event
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrInvalidSignature is returned when no v1 signature matches or the header is malformed
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrExpiredTimestamp is returned when the signed timestamp is outside the tolerance window
	ErrExpiredTimestamp = errors.New("timestamp outside tolerance")

	// ErrPermanent marks handler failures that a redelivery cannot fix
	ErrPermanent = errors.New("permanent handler failure")

	// ErrProviderNotConfigured is returned when a flow needs the provider client but none is set
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrProviderAPIError is returned when the provider's API call fails
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrProviderSubscriptionNotFound is returned when the provider has no such subscription
	ErrProviderSubscriptionNotFound = errors.New("subscription not found in billing provider")
)

func permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsPermanent reports whether err is a handler failure that retrying cannot fix
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent) ||
		errors.Is(err, ledger.ErrUnknownStatus) ||
		errors.Is(err, ledger.ErrInvalidSubscription) ||
		errors.Is(err, ledger.ErrInvalidEvent)
}
