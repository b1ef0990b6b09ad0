package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subledger/pkg/billing"
	"github.com/mihaimyh/subledger/pkg/ledger"
)

const providerName = "stripe"

// Config configures the Stripe client
type Config struct {
	APIKey string

	// Backends overrides the Stripe API backends, e.g. to point at a mock server.
	// If nil, the SDK defaults are used.
	Backends *stripe.Backends

	// Logger is an optional structured logger. If nil, logs are discarded.
	Logger ledger.Logger

	// Metrics records checkout and portal calls. Subscription calls are
	// recorded by billing.Service.
	Metrics billing.Metrics
}

// Provider implements billing.ProviderClient for Stripe
type Provider struct {
	client  *stripe.Client
	logger  ledger.Logger
	metrics billing.Metrics
}

var _ billing.ProviderClient = (*Provider)(nil)

// NewProvider creates a new Stripe provider client
func NewProvider(cfg Config) (*Provider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	var opts []stripe.ClientOption
	if cfg.Backends != nil {
		opts = append(opts, stripe.WithBackends(cfg.Backends))
	}

	p := &Provider{
		client:  stripe.NewClient(apiKey, opts...),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	if p.logger == nil {
		p.logger = &ledger.NoopLogger{}
	}
	if p.metrics == nil {
		p.metrics = &billing.NoopMetrics{}
	}
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// RetrieveSubscription reads a subscription with its items
func (p *Provider) RetrieveSubscription(ctx context.Context, externalID string) (*billing.ProviderSubscription, error) {
	sub, err := p.client.V1Subscriptions.Retrieve(ctx, externalID, &stripe.SubscriptionRetrieveParams{})
	if err != nil {
		return nil, p.mapError("RetrieveSubscription", externalID, err)
	}
	return toProviderSubscription(sub), nil
}

// ScheduleCancellation sets cancel_at_period_end on the subscription
func (p *Provider) ScheduleCancellation(ctx context.Context, externalID string) error {
	params := &stripe.SubscriptionUpdateParams{CancelAtPeriodEnd: stripe.Bool(true)}
	if _, err := p.client.V1Subscriptions.Update(ctx, externalID, params); err != nil {
		return p.mapError("ScheduleCancellation", externalID, err)
	}
	p.logger.Info("Stripe subscription cancellation scheduled", ledger.Field{Key: "external_subscription_id", Value: externalID})
	return nil
}

// CancelImmediately cancels the subscription. A subscription Stripe no longer
// knows about counts as canceled.
func (p *Provider) CancelImmediately(ctx context.Context, externalID string) error {
	_, err := p.client.V1Subscriptions.Cancel(ctx, externalID, &stripe.SubscriptionCancelParams{})
	if err != nil {
		err = p.mapError("CancelImmediately", externalID, err)
		if errors.Is(err, billing.ErrProviderSubscriptionNotFound) {
			p.logger.Warn("Canceling subscription unknown to Stripe", ledger.Field{Key: "external_subscription_id", Value: externalID})
			return nil
		}
		return err
	}
	p.logger.Info("Stripe subscription canceled", ledger.Field{Key: "external_subscription_id", Value: externalID})
	return nil
}

func (p *Provider) mapError(op, externalID string, err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		p.logger.Error("Non-Stripe error during Stripe operation",
			ledger.Field{Key: "operation", Value: op}, ledger.Field{Key: "error", Value: err})
		return fmt.Errorf("%w: %s: %w", billing.ErrProviderAPIError, op, err)
	}
	p.logger.Warn("Stripe API error",
		ledger.Field{Key: "operation", Value: op},
		ledger.Field{Key: "external_subscription_id", Value: externalID},
		ledger.Field{Key: "type", Value: string(stripeErr.Type)},
		ledger.Field{Key: "code", Value: string(stripeErr.Code)},
		ledger.Field{Key: "request_id", Value: stripeErr.RequestID},
		ledger.Field{Key: "status_code", Value: stripeErr.HTTPStatusCode})
	if stripeErr.Code == stripe.ErrorCodeResourceMissing || stripeErr.HTTPStatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", billing.ErrProviderSubscriptionNotFound, externalID)
	}
	return fmt.Errorf("%w: %s: %w", billing.ErrProviderAPIError, op, err)
}

// toProviderSubscription reads the period end from the first item: since the
// 2025-03-31 API version it is no longer reported on the subscription itself.
func toProviderSubscription(sub *stripe.Subscription) *billing.ProviderSubscription {
	ps := &billing.ProviderSubscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		ps.CustomerID = sub.Customer.ID
	}
	if sub.LastResponse != nil {
		if at, err := http.ParseTime(sub.LastResponse.Header.Get("Date")); err == nil {
			ps.ObservedAt = at.UTC()
		}
	}
	if sub.TrialEnd > 0 {
		t := time.Unix(sub.TrialEnd, 0).UTC()
		ps.TrialEnd = &t
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			ps.PriceID = item.Price.ID
		}
		if item.CurrentPeriodEnd > 0 {
			ps.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
	}
	return ps
}
