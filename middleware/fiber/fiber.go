// Package fiber provides Fiber middleware that admits only users with a live
// subscription
package fiber

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/subledger/pkg/ledger"
)

// SubscriptionKey is the Locals key holding the admitted subscription
const SubscriptionKey = "subledger.subscription"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

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
	OnUnauthorized func(c *fiber.Ctx) error

	// OnSubscriptionRequired is called when the user has no live subscription
	// (sub is nil) or the plan is not admitted. If nil, returns 402 or 403.
	OnSubscriptionRequired func(c *fiber.Ctx, sub *ledger.Subscription) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that requires a live subscription
func Middleware(cfg Config) fiber.Handler {
	if cfg.Source == nil {
		panic("subledger/fiber: Config.Source is required")
	}
	if cfg.GetUserID == nil {
		panic("subledger/fiber: Config.GetUserID is required")
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

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			return cfg.OnUnauthorized(c)
		}

		sub, err := cfg.Source.Current(c.UserContext(), userID)
		if errors.Is(err, ledger.ErrNoLiveSubscription) {
			return cfg.OnSubscriptionRequired(c, nil)
		}
		if err != nil {
			return cfg.OnError(c, err)
		}
		if len(allowed) > 0 && !allowed[sub.PlanID] {
			return cfg.OnSubscriptionRequired(c, sub)
		}

		c.Locals(SubscriptionKey, sub)
		return c.Next()
	}
}

// Default error handlers

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultSubscriptionRequired(c *fiber.Ctx, sub *ledger.Subscription) error {
	if sub == nil {
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "Subscription required"})
	}
	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Plan not allowed", "plan": sub.PlanID})
}

func defaultError(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// GetSubscription returns the subscription admitted by Middleware
func GetSubscription(c *fiber.Ctx) (*ledger.Subscription, bool) {
	sub, ok := c.Locals(SubscriptionKey).(*ledger.Subscription)
	return sub, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber context values (Locals)
// set by an auth middleware with c.Locals(key, userID)
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
