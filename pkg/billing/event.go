package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mihaimyh/subledger/pkg/ledger"
)

// EventType is the closed set of provider events the ledger reacts to.
// Anything else decodes to EventUnknown and is acknowledged without a handler.
type EventType int

const (
	EventUnknown EventType = iota
	EventCheckoutCompleted
	EventSubscriptionCreated
	EventSubscriptionUpdated
	EventSubscriptionDeleted
	EventSubscriptionTrialWillEnd
	EventPaymentSucceeded
	EventPaymentFailed
)

var eventTypesByName = map[string]EventType{
	"checkout.session.completed":           EventCheckoutCompleted,
	"customer.subscription.created":        EventSubscriptionCreated,
	"customer.subscription.updated":        EventSubscriptionUpdated,
	"customer.subscription.deleted":        EventSubscriptionDeleted,
	"customer.subscription.trial_will_end": EventSubscriptionTrialWillEnd,
	"invoice.payment_succeeded":            EventPaymentSucceeded,
	"invoice.paid":                         EventPaymentSucceeded,
	"invoice.payment_failed":               EventPaymentFailed,
}

// ParseEventType maps a provider type tag onto the union
func ParseEventType(s string) EventType {
	return eventTypesByName[s]
}

func (t EventType) String() string {
	switch t {
	case EventCheckoutCompleted:
		return "checkout.session.completed"
	case EventSubscriptionCreated:
		return "customer.subscription.created"
	case EventSubscriptionUpdated:
		return "customer.subscription.updated"
	case EventSubscriptionDeleted:
		return "customer.subscription.deleted"
	case EventSubscriptionTrialWillEnd:
		return "customer.subscription.trial_will_end"
	case EventPaymentSucceeded:
		return "invoice.payment_succeeded"
	case EventPaymentFailed:
		return "invoice.payment_failed"
	default:
		return "unknown"
	}
}

// WebhookEvent is a verified provider event. It is never persisted beyond its id.
type WebhookEvent struct {
	ID string
	// Type is the decoded union tag, RawType the provider's string
	Type      EventType
	RawType   string
	CreatedAt time.Time
	Livemode  bool
	// Object is data.object, decoded lazily by the handler for Type
	Object json.RawMessage
	// Raw is the full verified body, kept for replay logging
	Raw []byte
}

// Ref returns the ledger reference for this event
func (e *WebhookEvent) Ref() ledger.EventRef {
	return ledger.EventRef{ID: e.ID, Type: e.RawType, OccurredAt: e.CreatedAt}
}

type envelope struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Created  *int64 `json:"created"`
	Livemode bool   `json:"livemode"`
	Data     *struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ParseEvent decodes and validates an event body: id, type, created and
// data.object are required and data.object must be a JSON object.
func ParseEvent(body []byte) (*WebhookEvent, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	switch {
	case env.ID == "":
		return nil, fmt.Errorf("%w: missing id", ErrInvalidPayload)
	case env.Type == "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidPayload)
	case env.Created == nil:
		return nil, fmt.Errorf("%w: missing created", ErrInvalidPayload)
	case env.Data == nil:
		return nil, fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}
	obj := bytes.TrimSpace(env.Data.Object)
	if len(obj) == 0 || obj[0] != '{' {
		return nil, fmt.Errorf("%w: data.object must be an object", ErrInvalidPayload)
	}
	return &WebhookEvent{
		ID:        env.ID,
		Type:      ParseEventType(env.Type),
		RawType:   env.Type,
		CreatedAt: time.Unix(*env.Created, 0).UTC(),
		Livemode:  env.Livemode,
		Object:    obj,
		Raw:       body,
	}, nil
}
