package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/mihaimyh/subledger/pkg/billing"
	"github.com/mihaimyh/subledger/pkg/ledger"
)

const maxUserIDLen = 255

// Handler provides HTTP endpoints for subscription inspection and the
// user-initiated cancel and sync flows
type Handler struct {
	config Config
}

// GetSubscription returns the user's live subscription
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	sub, err := h.config.Ledger.Current(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, CurrentResponse{UserID: userID, Subscription: toResponse(sub)})
}

// GetHistory returns every subscription row of the user
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	subs, err := h.config.Ledger.History(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := HistoryResponse{UserID: userID, Subscriptions: make([]SubscriptionResponse, 0, len(subs))}
	for i := range subs {
		resp.Subscriptions = append(resp.Subscriptions, toResponse(&subs[i]))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Cancel schedules cancellation at period end, or cancels now when the
// immediately query parameter is true
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	immediately := false
	if v := r.URL.Query().Get("immediately"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			h.handleError(w, r, fmt.Errorf("invalid immediately parameter"), http.StatusBadRequest)
			return
		}
		immediately = parsed
	}
	h.runFlow(w, r, func(ctx context.Context, userID string) (*ledger.Subscription, error) {
		if immediately {
			return h.config.Service.CancelImmediately(ctx, userID)
		}
		return h.config.Service.RequestCancel(ctx, userID)
	})
}

// Sync reconciles the user's subscription with the provider
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	h.runFlow(w, r, func(ctx context.Context, userID string) (*ledger.Subscription, error) {
		return h.config.Service.SyncUser(ctx, userID)
	})
}

func (h *Handler) runFlow(w http.ResponseWriter, r *http.Request,
	flow func(ctx context.Context, userID string) (*ledger.Subscription, error),
) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	if h.config.Service == nil {
		h.handleError(w, r, billing.ErrProviderNotConfigured, http.StatusNotImplemented)
		return
	}
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	sub, err := flow(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, CurrentResponse{UserID: userID, Subscription: toResponse(sub)})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

// fail maps domain errors to status codes
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ledger.ErrNoLiveSubscription), errors.Is(err, ledger.ErrSubscriptionNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ledger.ErrNoExternalSubscription), errors.Is(err, ledger.ErrTerminalState),
		errors.Is(err, ledger.ErrConcurrentUpdate):
		code = http.StatusConflict
	case errors.Is(err, billing.ErrProviderNotConfigured):
		code = http.StatusNotImplemented
	case errors.Is(err, billing.ErrProviderAPIError), errors.Is(err, billing.ErrProviderSubscriptionNotFound):
		code = http.StatusBadGateway
	}
	if code == http.StatusInternalServerError {
		h.config.Logger.Error("Subscription API request failed",
			ledger.Field{Key: "path", Value: r.URL.Path},
			ledger.Field{Key: "error", Value: err.Error()})
		err = fmt.Errorf("internal error")
	}
	h.handleError(w, r, err, code)
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	h.writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}
