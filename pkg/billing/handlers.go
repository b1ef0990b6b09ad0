package billing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mihaimyh/subledger/pkg/ledger"
)

// Handlers translates provider payloads into ledger operations
type Handlers struct {
	ledger   *ledger.Ledger
	provider ProviderClient
	logger   ledger.Logger
}

// NewHandlers creates the reconciliation handlers. provider is optional; when
// nil, checkout sessions without an expanded subscription rely on metadata.
func NewHandlers(l *ledger.Ledger, provider ProviderClient, logger ledger.Logger) *Handlers {
	if logger == nil {
		logger = &ledger.NoopLogger{}
	}
	return &Handlers{ledger: l, provider: provider, logger: logger}
}

// NewDefaultRouter returns a router with every handler in h registered
func NewDefaultRouter(h *Handlers) *Router {
	r := NewRouter()
	r.HandleFunc(EventCheckoutCompleted, h.CheckoutCompleted)
	r.HandleFunc(EventSubscriptionCreated, h.SubscriptionCreated)
	r.HandleFunc(EventSubscriptionUpdated, h.SubscriptionUpdated)
	r.HandleFunc(EventSubscriptionDeleted, h.SubscriptionDeleted)
	r.HandleFunc(EventSubscriptionTrialWillEnd, h.TrialWillEnd)
	r.HandleFunc(EventPaymentSucceeded, h.PaymentSucceeded)
	r.HandleFunc(EventPaymentFailed, h.PaymentFailed)
	return r
}

// CheckoutCompleted establishes the subscription bought through a checkout session
func (h *Handlers) CheckoutCompleted(ctx context.Context, ev *WebhookEvent) (ledger.Result, error) {
	var session checkoutSessionObject
	if err := decode(ev, &session); err != nil {
		return ledger.Result{}, err
	}
	if session.Mode != "" && session.Mode != "subscription" {
		return h.ledger.Acknowledge(ctx, ev.Ref())
	}
	if session.Subscription.ID == "" {
		h.logger.Warn("Checkout session without subscription",
			ledger.Field{Key: "event_id", Value: ev.ID}, ledger.Field{Key: "session_id", Value: session.ID})
		return h.ledger.Acknowledge(ctx, ev.Ref())
	}

	in := ledger.Establishment{
		UserID:                 session.Metadata[MetadataUserID],
		ExternalSubscriptionID: session.Subscription.ID,
		PlanID:                 session.Metadata[MetadataPlanID],
	}
	if in.UserID == "" {
		in.UserID = session.ClientReferenceID
	}

	switch {
	case len(session.Subscription.Object) > 0:
		var sub subscriptionObject
		if err := json.Unmarshal(session.Subscription.Object, &sub); err != nil {
			return ledger.Result{}, permanent(fmt.Errorf("decode expanded subscription: %w", err))
		}
		snap, err := sub.snapshot()
		if err != nil {
			return ledger.Result{}, permanent(err)
		}
		in.Snapshot = snap
		fillFromMetadata(&in, sub.Metadata)
	case h.provider != nil:
		ps, err := h.provider.RetrieveSubscription(ctx, session.Subscription.ID)
		if err != nil {
			return ledger.Result{}, fmt.Errorf("retrieve subscription %s: %w", session.Subscription.ID, err)
		}
		snap, err := ps.Snapshot()
		if err != nil {
			return ledger.Result{}, permanent(err)
		}
		in.Snapshot = snap
		fillFromMetadata(&in, ps.Metadata)
	default:
		in.Snapshot = ledger.Snapshot{Status: ledger.StatusActive}
	}
	if in.Snapshot.CustomerID == "" {
		in.Snapshot.CustomerID = session.Customer.ID
	}
	return h.ledger.Establish(ctx, ev.Ref(), in)
}

// SubscriptionCreated adopts or establishes a subscription created outside checkout
func (h *Handlers) SubscriptionCreated(ctx context.Context, ev *WebhookEvent) (ledger.Result, error) {
	var sub subscriptionObject
	if err := decode(ev, &sub); err != nil {
		return ledger.Result{}, err
	}
	snap, err := sub.snapshot()
	if err != nil {
		return ledger.Result{}, permanent(err)
	}
	in := ledger.Establishment{ExternalSubscriptionID: sub.ID, Snapshot: snap}
	fillFromMetadata(&in, sub.Metadata)
	return h.ledger.Establish(ctx, ev.Ref(), in)
}

// SubscriptionUpdated overwrites status, period end and the cancel flag
func (h *Handlers) SubscriptionUpdated(ctx context.Context, ev *WebhookEvent) (ledger.Result, error) {
	var sub subscriptionObject
	if err := decode(ev, &sub); err != nil {
		return ledger.Result{}, err
	}
	snap, err := sub.snapshot()
	if err != nil {
		return ledger.Result{}, permanent(err)
	}
	return h.ledger.ApplyUpdate(ctx, ev.Ref(), sub.ID, snap)
}

// SubscriptionDeleted cancels the row
func (h *Handlers) SubscriptionDeleted(ctx context.Context, ev *WebhookEvent) (ledger.Result, error) {
	var sub subscriptionObject
	if err := decode(ev, &sub); err != nil {
		return ledger.Result{}, err
	}
	return h.ledger.ApplyDeleted(ctx, ev.Ref(), sub.ID)
}

// TrialWillEnd notifies the owner of a trialing subscription
func (h *Handlers) TrialWillEnd(ctx context.Context, ev *WebhookEvent) (ledger.Result, error) {
	var sub subscriptionObject
	if err := decode(ev, &sub); err != nil {
		return ledger.Result{}, err
	}
	return h.ledger.ApplyTrialWillEnd(ctx, ev.Ref(), sub.ID)
}

// PaymentSucceeded recovers a delinquent subscription
func (h *Handlers) PaymentSucceeded(ctx context.Context, ev *WebhookEvent) (ledger.Result, error) {
	subID, err := h.invoiceSubscription(ev)
	if err != nil || subID == "" {
		return h.oneOffInvoice(ctx, ev, err)
	}
	return h.ledger.ApplyPaymentSucceeded(ctx, ev.Ref(), subID)
}

// PaymentFailed marks the subscription past due and notifies the owner
func (h *Handlers) PaymentFailed(ctx context.Context, ev *WebhookEvent) (ledger.Result, error) {
	subID, err := h.invoiceSubscription(ev)
	if err != nil || subID == "" {
		return h.oneOffInvoice(ctx, ev, err)
	}
	return h.ledger.ApplyPaymentFailed(ctx, ev.Ref(), subID)
}

func (h *Handlers) invoiceSubscription(ev *WebhookEvent) (string, error) {
	var inv invoiceObject
	if err := decode(ev, &inv); err != nil {
		return "", err
	}
	return inv.subscriptionID(), nil
}

// oneOffInvoice acknowledges invoices that are not tied to a subscription
func (h *Handlers) oneOffInvoice(ctx context.Context, ev *WebhookEvent, err error) (ledger.Result, error) {
	if err != nil {
		return ledger.Result{}, err
	}
	h.logger.Info("Invoice without subscription, acknowledging",
		ledger.Field{Key: "event_id", Value: ev.ID}, ledger.Field{Key: "event_type", Value: ev.RawType})
	return h.ledger.Acknowledge(ctx, ev.Ref())
}

func fillFromMetadata(in *ledger.Establishment, md map[string]string) {
	if in.UserID == "" {
		in.UserID = md[MetadataUserID]
	}
	if in.PlanID == "" {
		in.PlanID = md[MetadataPlanID]
	}
}

func decode(ev *WebhookEvent, v interface{}) error {
	if err := json.Unmarshal(ev.Object, v); err != nil {
		return permanent(fmt.Errorf("decode %s object: %w", ev.RawType, err))
	}
	return nil
}
