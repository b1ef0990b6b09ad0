// Package redisnotifier publishes outbox notifications to a Redis stream.
package redisnotifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/subledger/pkg/billing"
	"github.com/mihaimyh/subledger/pkg/ledger"
)

// Config configures the Redis stream notifier
type Config struct {
	// Stream receives every notification (default: "subledger:notifications")
	Stream string

	// MaxLen caps the stream length approximately (default: 100000)
	MaxLen int64

	// MarkerPrefix prefixes the per-key delivery markers (default: "subledger:sent:")
	MarkerPrefix string

	// MarkerTTL is how long a delivered key is remembered (default: 7 days)
	MarkerTTL time.Duration

	// ClaimTTL bounds how long an in-flight claim blocks other senders of the
	// same key, e.g. after a crash between claim and XADD (default: 1 minute)
	ClaimTTL time.Duration
}

// ErrInFlight is returned when another sender holds the claim for a key.
// The dispatcher retries the notification after its backoff.
var ErrInFlight = errors.New("redis: notification delivery in flight")

const pendingMarker = "pending"

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Stream:       "subledger:notifications",
		MaxLen:       100000,
		MarkerPrefix: "subledger:sent:",
		MarkerTTL:    7 * 24 * time.Hour,
		ClaimTTL:     time.Minute,
	}
}

// Notifier implements billing.Notifier with XADD. Senders claim a marker key
// per idempotency key with SET NX before adding, so concurrent dispatchers add
// a notification once. The marker is released when XADD fails. If the
// final marker write fails after a successful XADD the entry can be added
// again once the claim expires: delivery is at-least-once and stream
// consumers dedupe on the idempotency_key field.
type Notifier struct {
	client redis.UniversalClient
	config Config
}

var _ billing.Notifier = (*Notifier)(nil)

// New creates a Redis stream notifier
func New(client redis.UniversalClient, config Config) (*Notifier, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	defaults := DefaultConfig()
	if config.Stream == "" {
		config.Stream = defaults.Stream
	}
	if config.MaxLen <= 0 {
		config.MaxLen = defaults.MaxLen
	}
	if config.MarkerPrefix == "" {
		config.MarkerPrefix = defaults.MarkerPrefix
	}
	if config.MarkerTTL <= 0 {
		config.MarkerTTL = defaults.MarkerTTL
	}
	if config.ClaimTTL <= 0 {
		config.ClaimTTL = defaults.ClaimTTL
	}
	return &Notifier{client: client, config: config}, nil
}

// Send implements billing.Notifier
func (r *Notifier) Send(ctx context.Context, n ledger.Notification) error {
	marker := r.config.MarkerPrefix + n.IdempotencyKey
	claimed, err := r.client.SetNX(ctx, marker, pendingMarker, r.config.ClaimTTL).Result()
	if err != nil {
		return fmt.Errorf("redis: failed to claim marker: %w", err)
	}
	if !claimed {
		state, err := r.client.Get(ctx, marker).Result()
		switch {
		case errors.Is(err, redis.Nil), err == nil && state == pendingMarker:
			return fmt.Errorf("%w: %s", ErrInFlight, n.IdempotencyKey)
		case err != nil:
			return fmt.Errorf("redis: failed to read marker: %w", err)
		}
		return nil
	}

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.config.Stream,
		MaxLen: r.config.MaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":              n.ID,
			"kind":            string(n.Kind),
			"user_id":         n.UserID,
			"subscription_id": n.SubscriptionID,
			"event_id":        n.EventID,
			"idempotency_key": n.IdempotencyKey,
			"created_at":      n.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		// release the claim so the retry can add the entry
		_ = r.client.Del(context.WithoutCancel(ctx), marker).Err()
		return fmt.Errorf("redis: failed to add to stream: %w", err)
	}

	if err := r.client.Set(ctx, marker, n.ID, r.config.MarkerTTL).Err(); err != nil {
		return fmt.Errorf("redis: failed to set marker: %w", err)
	}
	return nil
}
