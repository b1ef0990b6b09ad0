package billing

import (
	"context"
	"time"

	"github.com/mihaimyh/subledger/pkg/ledger"
)

// ProviderClient is the outbound surface of the billing provider used by the
// ledger. Implementations live in provider subpackages (e.g. billing/stripe).
type ProviderClient interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// RetrieveSubscription reads the provider's current view of a subscription.
	// Returns ErrProviderSubscriptionNotFound when it does not exist.
	RetrieveSubscription(ctx context.Context, externalID string) (*ProviderSubscription, error)

	// ScheduleCancellation asks the provider to cancel at the end of the period
	ScheduleCancellation(ctx context.Context, externalID string) error

	// CancelImmediately cancels the subscription at the provider right away
	CancelImmediately(ctx context.Context, externalID string) error
}

// ProviderSubscription is the provider's view of a subscription
type ProviderSubscription struct {
	ID                string
	Status            string
	CurrentPeriodEnd  time.Time
	CancelAtPeriodEnd bool
	TrialEnd          *time.Time
	PriceID           string
	CustomerID        string
	Metadata          map[string]string
	// ObservedAt is the provider's clock at the time of the read, when the
	// response carries one
	ObservedAt time.Time
}

// Snapshot converts the provider view into ledger terms
func (p *ProviderSubscription) Snapshot() (ledger.Snapshot, error) {
	status, err := ledger.ParseStatus(p.Status)
	if err != nil {
		return ledger.Snapshot{}, err
	}
	return ledger.Snapshot{
		Status:            status,
		CurrentPeriodEnd:  p.CurrentPeriodEnd,
		CancelAtPeriodEnd: p.CancelAtPeriodEnd,
		TrialEndsAt:       p.TrialEnd,
		PriceID:           p.PriceID,
		CustomerID:        p.CustomerID,
		ObservedAt:        p.ObservedAt,
	}, nil
}
