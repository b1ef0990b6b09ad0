// Package echo provides Echo middleware that admits only users with a live
// subscription
package echo

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/subledger/pkg/ledger"
)

// SubscriptionKey is the Echo context key holding the admitted subscription
const SubscriptionKey = "subledger.subscription"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// SubscriptionSource returns the user's live subscription or
// ledger.ErrNoLiveSubscription. *ledger.Ledger implements it.
type SubscriptionSource interface {
	Current(ctx context.Context, userID string) (*ledger.Subscription, error)
}

// Config holds middleware configuration
type Config struct {
	// Source resolves live subscriptions (required)
	Source SubscriptionSource

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// Plans restricts access to these plan ids. Empty admits any plan.
	Plans []string

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnSubscriptionRequired is called when the user has no live subscription
	// (sub is nil) or the plan is not admitted. If nil, returns 402 or 403.
	OnSubscriptionRequired func(c echo.Context, sub *ledger.Subscription) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that requires a live subscription
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Source == nil {
		panic("subledger/echo: Config.Source is required")
	}
	if cfg.GetUserID == nil {
		panic("subledger/echo: Config.GetUserID is required")
	}
	if cfg.OnUnauthorized == nil {
		cfg.OnUnauthorized = defaultUnauthorized
	}
	if cfg.OnSubscriptionRequired == nil {
		cfg.OnSubscriptionRequired = defaultSubscriptionRequired
	}
	if cfg.OnError == nil {
		cfg.OnError = defaultError
	}
	allowed := make(map[string]bool, len(cfg.Plans))
	for _, p := range cfg.Plans {
		allowed[p] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				return cfg.OnUnauthorized(c)
			}

			sub, err := cfg.Source.Current(c.Request().Context(), userID)
			if errors.Is(err, ledger.ErrNoLiveSubscription) {
				return cfg.OnSubscriptionRequired(c, nil)
			}
			if err != nil {
				return cfg.OnError(c, err)
			}
			if len(allowed) > 0 && !allowed[sub.PlanID] {
				return cfg.OnSubscriptionRequired(c, sub)
			}

			c.Set(SubscriptionKey, sub)
			return next(c)
		}
	}
}

// Default error handlers

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultSubscriptionRequired(c echo.Context, sub *ledger.Subscription) error {
	if sub == nil {
		return c.JSON(http.StatusPaymentRequired, map[string]string{"error": "Subscription required"})
	}
	return c.JSON(http.StatusForbidden, map[string]string{"error": "Plan not allowed", "plan": sub.PlanID})
}

func defaultError(c echo.Context, _ error) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// GetSubscription returns the subscription admitted by Middleware
func GetSubscription(c echo.Context) (*ledger.Subscription, bool) {
	sub, ok := c.Get(SubscriptionKey).(*ledger.Subscription)
	return sub, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// set by an auth middleware with c.Set(key, userID)
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
