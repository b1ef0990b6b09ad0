package billing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subledger/pkg/billing"
	"github.com/mihaimyh/subledger/pkg/ledger"
)

type fakeProvider struct {
	mu        sync.Mutex
	subs      map[string]*billing.ProviderSubscription
	err       error
	scheduled []string
	canceled  []string
}

func newFakeProvider(subs ...*billing.ProviderSubscription) *fakeProvider {
	p := &fakeProvider{subs: make(map[string]*billing.ProviderSubscription)}
	for _, s := range subs {
		p.subs[s.ID] = s
	}
	return p
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) RetrieveSubscription(_ context.Context, id string) (*billing.ProviderSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	s, ok := p.subs[id]
	if !ok {
		return nil, billing.ErrProviderSubscriptionNotFound
	}
	c := *s
	return &c, nil
}

func (p *fakeProvider) ScheduleCancellation(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.scheduled = append(p.scheduled, id)
	return nil
}

func (p *fakeProvider) CancelImmediately(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.canceled = append(p.canceled, id)
	return nil
}

func verified(t *testing.T, id, typ string, at time.Time, object string) *billing.WebhookEvent {
	t.Helper()
	ev, err := billing.ParseEvent(eventBody(id, typ, at, object))
	require.NoError(t, err)
	return ev
}

func TestRouter(t *testing.T) {
	r := billing.NewRouter()
	_, ok := r.Route(billing.EventPaymentFailed)
	assert.False(t, ok)

	r.HandleFunc(billing.EventPaymentFailed, func(context.Context, *billing.WebhookEvent) (ledger.Result, error) {
		return ledger.Result{Outcome: ledger.OutcomeApplied}, nil
	})
	h, ok := r.Route(billing.EventPaymentFailed)
	require.True(t, ok)
	res, err := h.Handle(context.Background(), &billing.WebhookEvent{})
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeApplied, res.Outcome)

	assert.Panics(t, func() { r.Handle(billing.EventUnknown, billing.HandlerFunc(nil)) })
	assert.Panics(t, func() { r.Handle(billing.EventPaymentFailed, nil) })
}

func TestNewDefaultRouter_RegistersEveryKnownType(t *testing.T) {
	r := billing.NewDefaultRouter(billing.NewHandlers(nil, nil, nil))
	for _, typ := range []billing.EventType{
		billing.EventCheckoutCompleted,
		billing.EventSubscriptionCreated,
		billing.EventSubscriptionUpdated,
		billing.EventSubscriptionDeleted,
		billing.EventSubscriptionTrialWillEnd,
		billing.EventPaymentSucceeded,
		billing.EventPaymentFailed,
	} {
		_, ok := r.Route(typ)
		assert.True(t, ok, typ.String())
	}
	_, ok := r.Route(billing.EventUnknown)
	assert.False(t, ok)
}

func TestCheckoutCompleted_RetrievesSubscriptionFromProvider(t *testing.T) {
	f := newEndpointFixture(t, nil)
	trialEnd := now.Add(7 * 24 * time.Hour)
	provider := newFakeProvider(&billing.ProviderSubscription{
		ID: "sub_1", Status: "trialing", PriceID: "price_pro", CustomerID: "cus_1",
		CurrentPeriodEnd: trialEnd, TrialEnd: &trialEnd,
	})
	h := billing.NewHandlers(f.ledger, provider, f.logger)

	ev := verified(t, "evt_1", "checkout.session.completed", now,
		`{"id":"cs_1","mode":"subscription","subscription":"sub_1","client_reference_id":"u1"}`)
	res, err := h.CheckoutCompleted(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeApplied, res.Outcome)

	sub := res.Subscription
	assert.Equal(t, "u1", sub.UserID)
	assert.Equal(t, planPro.ID, sub.PlanID)
	assert.Equal(t, ledger.StatusTrialing, sub.Status)
	assert.Equal(t, "cus_1", sub.ExternalCustomerID)
	require.NotNil(t, sub.TrialEndsAt)
	assert.True(t, sub.TrialEndsAt.Equal(trialEnd))
}

func TestCheckoutCompleted_ProviderFailureIsTransient(t *testing.T) {
	f := newEndpointFixture(t, nil)
	provider := newFakeProvider()
	provider.err = errors.New("timeout")
	h := billing.NewHandlers(f.ledger, provider, f.logger)

	ev := verified(t, "evt_1", "checkout.session.completed", now,
		`{"id":"cs_1","mode":"subscription","subscription":"sub_1","metadata":{"user_id":"u1","plan_id":"basic"}}`)
	_, err := h.CheckoutCompleted(context.Background(), ev)
	require.Error(t, err)
	assert.False(t, billing.IsPermanent(err))

	done, err := f.ledger.IsProcessed(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestCheckoutCompleted_WithoutProviderDefaultsToActive(t *testing.T) {
	f := newEndpointFixture(t, nil)
	h := billing.NewHandlers(f.ledger, nil, f.logger)

	ev := verified(t, "evt_1", "checkout.session.completed", now,
		`{"id":"cs_1","mode":"subscription","customer":{"id":"cus_9"},"subscription":"sub_1","metadata":{"user_id":"u1","plan_id":"basic"}}`)
	res, err := h.CheckoutCompleted(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeApplied, res.Outcome)
	assert.Equal(t, ledger.StatusActive, res.Subscription.Status)
	assert.Equal(t, planBasic.ID, res.Subscription.PlanID)
	assert.Equal(t, "cus_9", res.Subscription.ExternalCustomerID)
}

func TestCheckoutCompleted_NonSubscriptionSessions(t *testing.T) {
	f := newEndpointFixture(t, nil)
	h := billing.NewHandlers(f.ledger, nil, f.logger)
	ctx := context.Background()

	res, err := h.CheckoutCompleted(ctx, verified(t, "evt_1", "checkout.session.completed", now,
		`{"id":"cs_1","mode":"payment","metadata":{"user_id":"u1"}}`))
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeIgnored, res.Outcome)

	res, err = h.CheckoutCompleted(ctx, verified(t, "evt_2", "checkout.session.completed", now,
		`{"id":"cs_2","mode":"subscription","metadata":{"user_id":"u1"}}`))
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeIgnored, res.Outcome)

	_, err = f.ledger.Current(ctx, "u1")
	assert.ErrorIs(t, err, ledger.ErrNoLiveSubscription)
}

func TestCheckoutCompleted_MissingUserCommitsClaim(t *testing.T) {
	f := newEndpointFixture(t, nil)
	h := billing.NewHandlers(f.ledger, nil, f.logger)

	res, err := h.CheckoutCompleted(context.Background(), verified(t, "evt_1", "checkout.session.completed", now,
		`{"id":"cs_1","mode":"subscription","subscription":"sub_1","metadata":{"plan_id":"basic"}}`))
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeMissing, res.Outcome)

	done, err := f.ledger.IsProcessed(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestSubscriptionCreated_UsesSubscriptionMetadata(t *testing.T) {
	f := newEndpointFixture(t, nil)
	h := billing.NewHandlers(f.ledger, nil, f.logger)

	res, err := h.SubscriptionCreated(context.Background(), verified(t, "evt_1", "customer.subscription.created", now,
		`{"id":"sub_1","status":"incomplete","customer":"cus_1","metadata":{"user_id":"u1"},
		  "items":{"data":[{"current_period_end":1743508800,"price":{"id":"price_basic"}}]}}`))
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeApplied, res.Outcome)
	assert.Equal(t, ledger.StatusIncomplete, res.Subscription.Status)
	assert.Equal(t, planBasic.ID, res.Subscription.PlanID)
	assert.True(t, res.Subscription.CurrentPeriodEnd.Equal(time.Unix(1743508800, 0)))
}

func TestSubscriptionUpdated(t *testing.T) {
	f := newEndpointFixture(t, nil)
	f.seed(ledger.Subscription{ID: "local-1", UserID: "u1", ExternalSubscriptionID: "sub_1", Status: ledger.StatusActive})
	h := billing.NewHandlers(f.ledger, nil, f.logger)

	res, err := h.SubscriptionUpdated(context.Background(), verified(t, "evt_1", "customer.subscription.updated", now,
		`{"id":"sub_1","status":"active","cancel_at_period_end":true,"current_period_end":1743508800,
		  "items":{"data":[{"price":{"id":"price_pro"}}]}}`))
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeApplied, res.Outcome)
	assert.True(t, res.Subscription.CancelAtPeriodEnd)
	assert.Equal(t, planPro.ID, res.Subscription.PlanID)

	_, err = h.SubscriptionUpdated(context.Background(), verified(t, "evt_2", "customer.subscription.updated", now,
		`{"id":"sub_1","status":"paused"}`))
	assert.True(t, billing.IsPermanent(err))
}

func TestTrialWillEnd(t *testing.T) {
	f := newEndpointFixture(t, nil)
	f.seed(ledger.Subscription{ID: "local-1", UserID: "u1", ExternalSubscriptionID: "sub_1", Status: ledger.StatusTrialing})
	h := billing.NewHandlers(f.ledger, nil, f.logger)

	res, err := h.TrialWillEnd(context.Background(), verified(t, "evt_1", "customer.subscription.trial_will_end", now, `{"id":"sub_1"}`))
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeApplied, res.Outcome)
	assert.True(t, res.Notified)

	notes := f.store.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, ledger.NotificationTrialEnding, notes[0].Kind)
}

func TestPaymentHandlers_InvoiceShapes(t *testing.T) {
	f := newEndpointFixture(t, nil)
	f.seed(ledger.Subscription{ID: "local-1", UserID: "u1", ExternalSubscriptionID: "sub_1", Status: ledger.StatusActive})
	h := billing.NewHandlers(f.ledger, nil, f.logger)
	ctx := context.Background()

	// newer API versions nest the subscription under the invoice parent
	res, err := h.PaymentFailed(ctx, verified(t, "evt_1", "invoice.payment_failed", now,
		`{"id":"in_1","parent":{"subscription_details":{"subscription":"sub_1"}}}`))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPastDue, res.Subscription.Status)

	res, err = h.PaymentSucceeded(ctx, verified(t, "evt_2", "invoice.payment_succeeded", now.Add(time.Minute),
		`{"id":"in_2","subscription":{"id":"sub_1"}}`))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusActive, res.Subscription.Status)

	res, err = h.PaymentFailed(ctx, verified(t, "evt_3", "invoice.payment_failed", now, `{"id":"in_3"}`))
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeIgnored, res.Outcome)

	_, err = h.PaymentFailed(ctx, verified(t, "evt_4", "invoice.payment_failed", now, `{"id":42}`))
	assert.True(t, billing.IsPermanent(err))
}

func TestSubscriptionDeleted(t *testing.T) {
	f := newEndpointFixture(t, nil)
	f.seed(ledger.Subscription{ID: "local-1", UserID: "u1", ExternalSubscriptionID: "sub_1", Status: ledger.StatusPastDue})
	h := billing.NewHandlers(f.ledger, nil, f.logger)

	res, err := h.SubscriptionDeleted(context.Background(), verified(t, "evt_1", "customer.subscription.deleted", now.Add(-time.Hour), `{"id":"sub_1"}`))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCanceled, res.Subscription.Status)
}
