package billing

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/mihaimyh/subledger/pkg/ledger"
)

// Metadata keys set on checkout sessions and subscriptions when they are created
const (
	MetadataUserID = "user_id"
	MetadataPlanID = "plan_id"
)

// expandable decodes a field the provider sends either as an id string or as
// the expanded object.
type expandable struct {
	ID     string
	Object json.RawMessage
}

func (e *expandable) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		return nil
	case b[0] == '"':
		return json.Unmarshal(b, &e.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	e.ID = obj.ID
	e.Object = append(json.RawMessage(nil), b...)
	return nil
}

type subscriptionObject struct {
	ID                string            `json:"id"`
	Customer          expandable        `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	TrialEnd          *int64            `json:"trial_end"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// snapshot converts the object. Newer API versions report the period on the
// subscription items rather than on the subscription.
func (s *subscriptionObject) snapshot() (ledger.Snapshot, error) {
	status, err := ledger.ParseStatus(s.Status)
	if err != nil {
		return ledger.Snapshot{}, err
	}
	snap := ledger.Snapshot{
		Status:            status,
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		CustomerID:        s.Customer.ID,
	}
	periodEnd := s.CurrentPeriodEnd
	if len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		snap.PriceID = item.Price.ID
		if periodEnd == 0 {
			periodEnd = item.CurrentPeriodEnd
		}
	}
	if periodEnd > 0 {
		snap.CurrentPeriodEnd = time.Unix(periodEnd, 0).UTC()
	}
	if s.TrialEnd != nil && *s.TrialEnd > 0 {
		t := time.Unix(*s.TrialEnd, 0).UTC()
		snap.TrialEndsAt = &t
	}
	return snap, nil
}

type checkoutSessionObject struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          expandable        `json:"customer"`
	Subscription      expandable        `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

type invoiceObject struct {
	ID           string     `json:"id"`
	Customer     expandable `json:"customer"`
	Subscription expandable `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription expandable `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// subscriptionID returns the invoice's subscription, which newer API versions
// nest under parent.subscription_details.
func (i *invoiceObject) subscriptionID() string {
	if i.Subscription.ID != "" {
		return i.Subscription.ID
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		return i.Parent.SubscriptionDetails.Subscription.ID
	}
	return ""
}
