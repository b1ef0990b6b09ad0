package api

import (
	"time"

	"github.com/mihaimyh/subledger/pkg/ledger"
)

// SubscriptionResponse is the public view of one subscription row
type SubscriptionResponse struct {
	ID                     string     `json:"id"`
	PlanID                 string     `json:"plan_id"`
	Status                 string     `json:"status"`
	Live                   bool       `json:"live"`
	CurrentPeriodEnd       *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool       `json:"cancel_at_period_end"`
	TrialEndsAt            *time.Time `json:"trial_ends_at,omitempty"`
	ExternalSubscriptionID string     `json:"external_subscription_id,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// CurrentResponse wraps the user's live subscription
type CurrentResponse struct {
	UserID       string               `json:"user_id"`
	Subscription SubscriptionResponse `json:"subscription"`
}

// HistoryResponse lists every subscription of a user, newest first
type HistoryResponse struct {
	UserID        string                 `json:"user_id"`
	Subscriptions []SubscriptionResponse `json:"subscriptions"`
}

func toResponse(sub *ledger.Subscription) SubscriptionResponse {
	resp := SubscriptionResponse{
		ID:                     sub.ID,
		PlanID:                 sub.PlanID,
		Status:                 string(sub.Status),
		Live:                   sub.Status.IsLive(),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		TrialEndsAt:            sub.TrialEndsAt,
		ExternalSubscriptionID: sub.ExternalSubscriptionID,
		CreatedAt:              sub.CreatedAt,
		UpdatedAt:              sub.UpdatedAt,
	}
	if !sub.CurrentPeriodEnd.IsZero() {
		end := sub.CurrentPeriodEnd
		resp.CurrentPeriodEnd = &end
	}
	return resp
}
