// Package http provides net/http middleware that admits only users with a
// live subscription
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mihaimyh/subledger/pkg/ledger"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// SubscriptionSource returns the user's live subscription or
// ledger.ErrNoLiveSubscription. *ledger.Ledger implements it.
type SubscriptionSource interface {
	Current(ctx context.Context, userID string) (*ledger.Subscription, error)
}

// Config holds middleware configuration
type Config struct {
	// Source resolves live subscriptions (required)
	Source SubscriptionSource

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// Plans restricts access to these plan ids. Empty admits any plan.
	Plans []string

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnSubscriptionRequired is called when the user has no live subscription
	// or the plan is not admitted. If nil, returns 402 or 403.
	OnSubscriptionRequired func(w http.ResponseWriter, r *http.Request, sub *ledger.Subscription)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that requires a live subscription.
// The subscription is stored in the request context for the next handler.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Source == nil {
		panic("subledger/http: Config.Source is required")
	}
	if config.GetUserID == nil {
		panic("subledger/http: Config.GetUserID is required")
	}
	allowed := planSet(config.Plans)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeError(w, http.StatusUnauthorized, "unauthorized")
				}
				return
			}

			sub, err := config.Source.Current(r.Context(), userID)
			switch {
			case errors.Is(err, ledger.ErrNoLiveSubscription):
				denied(config, w, r, nil)
				return
			case err != nil:
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
				return
			case allowed != nil && !allowed[sub.PlanID]:
				denied(config, w, r, sub)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSubscription(r.Context(), sub)))
		})
	}
}

// HandlerFunc creates the middleware for plain handler functions
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

func denied(config Config, w http.ResponseWriter, r *http.Request, sub *ledger.Subscription) {
	if config.OnSubscriptionRequired != nil {
		config.OnSubscriptionRequired(w, r, sub)
		return
	}
	if sub == nil {
		writeError(w, http.StatusPaymentRequired, "subscription required")
		return
	}
	writeError(w, http.StatusForbidden, "plan not allowed")
}

func planSet(plans []string) map[string]bool {
	if len(plans) == 0 {
		return nil
	}
	set := make(map[string]bool, len(plans))
	for _, p := range plans {
		set[p] = true
	}
	return set
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "subledger:userID"

	// SubscriptionKey is the context key for the admitted subscription
	SubscriptionKey ContextKey = "subledger:subscription"
)

// WithSubscription adds the subscription to a context
func WithSubscription(ctx context.Context, sub *ledger.Subscription) context.Context {
	return context.WithValue(ctx, SubscriptionKey, sub)
}

// SubscriptionFromContext returns the subscription admitted by Middleware
func SubscriptionFromContext(ctx context.Context) (*ledger.Subscription, bool) {
	sub, ok := ctx.Value(SubscriptionKey).(*ledger.Subscription)
	return sub, ok
}

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
