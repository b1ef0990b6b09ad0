package redisnotifier

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subledger/pkg/ledger"
)

func setupTestNotifier(t *testing.T) (*Notifier, *redis.Client) {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Skipping test: Redis not available: %v", err)
	}
	prefix := "subledger:test:" + t.Name() + ":"
	n, err := New(client, Config{Stream: prefix + "stream", MarkerPrefix: prefix + "sent:"})
	require.NoError(t, err)
	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(context.Background(), keys...)
		}
	})
	return n, client
}

func TestNew(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)

	n, err := New(redis.NewClient(&redis.Options{Addr: "localhost:0"}), Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), n.config)
}

func TestNotifier_SendOncePerKey(t *testing.T) {
	n, client := setupTestNotifier(t)
	ctx := context.Background()
	note := ledger.Notification{
		ID: "n1", Kind: ledger.NotificationTrialEnding, UserID: "user-1", SubscriptionID: "local-1",
		EventID: "evt_1", IdempotencyKey: "trial_ending:local-1:evt_1", CreatedAt: time.Now(),
	}

	require.NoError(t, n.Send(ctx, note))
	require.NoError(t, n.Send(ctx, note))

	entries, err := client.XRange(ctx, n.config.Stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "trial_ending", entries[0].Values["kind"])
	assert.Equal(t, "trial_ending:local-1:evt_1", entries[0].Values["idempotency_key"])
}

func TestNotifier_ConcurrentSendersAddOnce(t *testing.T) {
	n, client := setupTestNotifier(t)
	ctx := context.Background()
	note := ledger.Notification{
		ID: "n1", Kind: ledger.NotificationPaymentFailed, UserID: "user-1", SubscriptionID: "local-1",
		EventID: "evt_1", IdempotencyKey: "payment_failed:local-1:evt_1", CreatedAt: time.Now(),
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := n.Send(ctx, note); err != nil {
				assert.ErrorIs(t, err, ErrInFlight)
			}
		}()
	}
	wg.Wait()

	entries, err := client.XRange(ctx, n.config.Stream, "-", "+").Result()
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// once delivered every sender sees the marker and skips
	require.NoError(t, n.Send(ctx, note))
}

func TestNotifier_PendingClaimBlocksOtherSenders(t *testing.T) {
	n, client := setupTestNotifier(t)
	ctx := context.Background()
	note := ledger.Notification{ID: "n2", IdempotencyKey: "trial_ending:local-2:evt_2", CreatedAt: time.Now()}
	marker := n.config.MarkerPrefix + note.IdempotencyKey
	require.NoError(t, client.Set(ctx, marker, pendingMarker, time.Minute).Err())

	err := n.Send(ctx, note)
	assert.True(t, errors.Is(err, ErrInFlight), "got %v", err)
	entries, err := client.XRange(ctx, n.config.Stream, "-", "+").Result()
	require.NoError(t, err)
	assert.Empty(t, entries)

	// an expired claim lets the retry through
	require.NoError(t, client.Del(ctx, marker).Err())
	require.NoError(t, n.Send(ctx, note))
	state, err := client.Get(ctx, marker).Result()
	require.NoError(t, err)
	assert.Equal(t, "n2", state)
}

func TestNotifier_Unavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0", DialTimeout: 50 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })
	n, err := New(client, DefaultConfig())
	require.NoError(t, err)
	assert.Error(t, n.Send(context.Background(), ledger.Notification{IdempotencyKey: "k"}))
}
