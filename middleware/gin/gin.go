// Package gin provides Gin middleware that admits only users with a live
// subscription
package gin

import (
	"context"
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/subledger/pkg/ledger"
)

// SubscriptionKey is the Gin context key holding the admitted subscription
const SubscriptionKey = "subledger.subscription"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

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
	OnUnauthorized func(c *gongin.Context)

	// OnSubscriptionRequired is called when the user has no live subscription
	// (sub is nil) or the plan is not admitted. If nil, returns 402 or 403.
	OnSubscriptionRequired func(c *gongin.Context, sub *ledger.Subscription)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that requires a live subscription
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Source == nil {
		panic("subledger/gin: Config.Source is required")
	}
	if cfg.GetUserID == nil {
		panic("subledger/gin: Config.GetUserID is required")
	}
	allowed := make(map[string]bool, len(cfg.Plans))
	for _, p := range cfg.Plans {
		allowed[p] = true
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		sub, err := cfg.Source.Current(c.Request.Context(), userID)
		if errors.Is(err, ledger.ErrNoLiveSubscription) {
			sub, err = nil, nil
		}
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}
		if sub == nil || (len(allowed) > 0 && !allowed[sub.PlanID]) {
			if cfg.OnSubscriptionRequired != nil {
				cfg.OnSubscriptionRequired(c, sub)
			} else {
				defaultSubscriptionRequired(c, sub)
			}
			c.Abort()
			return
		}

		c.Set(SubscriptionKey, sub)
		c.Next()
	}
}

func defaultSubscriptionRequired(c *gongin.Context, sub *ledger.Subscription) {
	if sub == nil {
		c.JSON(http.StatusPaymentRequired, gongin.H{"error": "Subscription required"})
		return
	}
	c.JSON(http.StatusForbidden, gongin.H{"error": "Plan not allowed", "plan": sub.PlanID})
}

// GetSubscription returns the subscription admitted by Middleware
func GetSubscription(c *gongin.Context) (*ledger.Subscription, bool) {
	v, ok := c.Get(SubscriptionKey)
	if !ok {
		return nil, false
	}
	sub, ok := v.(*ledger.Subscription)
	return sub, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In subscription middleware config:
//	GetUserID: gin.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
