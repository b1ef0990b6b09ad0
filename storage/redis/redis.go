// Package redis provides a Redis-backed billing.DedupCache. It records
// processed webhook event ids so redeliveries are acknowledged before a store
// transaction is opened. The store's claim remains authoritative.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/subledger/pkg/billing"
)

// Cache implements billing.DedupCache using Redis
type Cache struct {
	client redis.UniversalClient
	config Config
}

var _ billing.DedupCache = (*Cache)(nil)

// Config holds Redis cache configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "subledger:evt:")
	KeyPrefix string

	// TTL is how long an event id is remembered (default: 72h). Providers
	// stop redelivering after about three days.
	TTL time.Duration

	// OperationTimeout bounds each Redis call so a slow cache never delays
	// webhook processing (default: 100ms)
	OperationTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:        "subledger:evt:",
		TTL:              72 * time.Hour,
		OperationTimeout: 100 * time.Millisecond,
	}
}

// New creates a new Redis dedup cache.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Cache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	defaults := DefaultConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.OperationTimeout <= 0 {
		config.OperationTimeout = defaults.OperationTimeout
	}
	return &Cache{client: client, config: config}, nil
}

// Seen implements billing.DedupCache
func (c *Cache) Seen(ctx context.Context, eventID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.OperationTimeout)
	defer cancel()

	n, err := c.client.Exists(ctx, c.key(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n == 1, nil
}

// Remember implements billing.DedupCache. The first writer sets the
// timestamp; later writes keep it and do not extend the TTL.
func (c *Cache) Remember(ctx context.Context, eventID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.OperationTimeout)
	defer cancel()

	err := c.client.SetArgs(ctx, c.key(eventID), time.Now().UTC().Unix(), redis.SetArgs{
		Mode: "NX",
		TTL:  c.config.TTL,
	}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Forget removes an event id, e.g. to force reprocessing of a replayed event
func (c *Cache) Forget(ctx context.Context, eventID string) error {
	return c.client.Del(ctx, c.key(eventID)).Err()
}

// Ping checks the Redis connection
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) key(eventID string) string {
	return c.config.KeyPrefix + eventID
}
