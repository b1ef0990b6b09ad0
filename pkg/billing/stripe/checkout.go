package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subledger/pkg/billing"
	"github.com/mihaimyh/subledger/pkg/ledger"
)

// CheckoutRequest describes a subscription checkout for one plan
type CheckoutRequest struct {
	UserID string
	Plan   ledger.Plan

	// CustomerID attaches an existing Stripe customer. If empty, Stripe creates
	// one and the session carries UserID as client_reference_id.
	CustomerID string

	SuccessURL string
	CancelURL  string
}

// CheckoutURL creates a subscription Checkout Session and returns its URL.
// The session and the subscription it creates carry user_id and plan_id
// metadata, which the checkout and subscription webhook handlers read.
func (p *Provider) CheckoutURL(ctx context.Context, req CheckoutRequest) (string, error) {
	if req.UserID == "" || req.Plan.ExternalPriceID == "" {
		return "", errors.New("stripe: checkout needs a user and a plan with a price")
	}
	start := time.Now()

	metadata := map[string]string{
		billing.MetadataUserID: req.UserID,
		billing.MetadataPlanID: req.Plan.ID,
	}
	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(req.Plan.ExternalPriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:       stripe.String(req.SuccessURL),
		CancelURL:        stripe.String(req.CancelURL),
		Metadata:         metadata,
		SubscriptionData: &stripe.CheckoutSessionCreateSubscriptionDataParams{Metadata: metadata},
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	} else {
		params.ClientReferenceID = stripe.String(req.UserID)
	}

	session, err := p.client.V1CheckoutSessions.Create(ctx, params)
	p.record("/checkout/sessions", start, err)
	if err != nil {
		return "", fmt.Errorf("%w: create checkout session: %w", billing.ErrProviderAPIError, err)
	}
	return session.URL, nil
}

// PortalURL creates a Customer Portal session where the customer can manage
// payment methods and cancel.
func (p *Provider) PortalURL(ctx context.Context, customerID, returnURL string) (string, error) {
	if customerID == "" {
		return "", ledger.ErrNoExternalSubscription
	}
	start := time.Now()

	session, err := p.client.V1BillingPortalSessions.Create(ctx, &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	})
	p.record("/billing_portal/sessions", start, err)
	if err != nil {
		return "", fmt.Errorf("%w: create portal session: %w", billing.ErrProviderAPIError, err)
	}
	return session.URL, nil
}

func (p *Provider) record(endpoint string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordAPICall(providerName, endpoint, status)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
}
