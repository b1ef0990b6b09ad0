// Package firestore provides a Google Cloud Firestore implementation of
// ledger.Store. Transactions use RunTransaction; every read happens through
// the transaction and writes are buffered until the callback returns, which
// satisfies Firestore's reads-before-writes rule.
package firestore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/subledger/pkg/ledger"
)

// Store implements ledger.Store using Google Cloud Firestore
type Store struct {
	client *firestore.Client
	config Config
}

var _ ledger.Store = (*Store)(nil)

// Config holds Firestore storage configuration
type Config struct {
	// SubscriptionsCollection holds one document per subscription row.
	// Default: "subledger_subscriptions"
	SubscriptionsCollection string

	// ExternalIndexCollection maps provider subscription ids to row ids.
	// Default: "subledger_external_ids"
	ExternalIndexCollection string

	// LiveIndexCollection maps a user id to the user's live row.
	// Default: "subledger_live"
	LiveIndexCollection string

	// EventsCollection holds processed-event records keyed by event id.
	// Default: "subledger_processed_events"
	EventsCollection string

	// NotificationsCollection is the outbox, keyed by idempotency key.
	// Pending reads need a composite index on (sent, createdAt).
	// Default: "subledger_notifications"
	NotificationsCollection string
}

// New creates a new Firestore store
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "subledger_subscriptions"
	}
	if config.ExternalIndexCollection == "" {
		config.ExternalIndexCollection = "subledger_external_ids"
	}
	if config.LiveIndexCollection == "" {
		config.LiveIndexCollection = "subledger_live"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "subledger_processed_events"
	}
	if config.NotificationsCollection == "" {
		config.NotificationsCollection = "subledger_notifications"
	}
	return &Store{client: client, config: config}, nil
}

func (s *Store) subs() *firestore.CollectionRef {
	return s.client.Collection(s.config.SubscriptionsCollection)
}

func (s *Store) externalIDs() *firestore.CollectionRef {
	return s.client.Collection(s.config.ExternalIndexCollection)
}

func (s *Store) live() *firestore.CollectionRef {
	return s.client.Collection(s.config.LiveIndexCollection)
}

func (s *Store) events() *firestore.CollectionRef {
	return s.client.Collection(s.config.EventsCollection)
}

func (s *Store) notifications() *firestore.CollectionRef {
	return s.client.Collection(s.config.NotificationsCollection)
}

// RunInTx implements ledger.Store. The client retries fn when the
// transaction is aborted by contention.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	return s.client.RunTransaction(ctx, func(ctx context.Context, ftx *firestore.Transaction) error {
		t := newTx(s, ftx)
		if err := fn(ctx, t); err != nil {
			return err
		}
		return t.flush()
	})
}

// GetSubscription implements ledger.Store
func (s *Store) GetSubscription(ctx context.Context, id string) (*ledger.Subscription, error) {
	snap, err := s.subs().Doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ledger.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	doc, err := decodeSubscription(snap)
	if err != nil {
		return nil, err
	}
	return doc.toSubscription(), nil
}

// LiveSubscription implements ledger.Store
func (s *Store) LiveSubscription(ctx context.Context, userID string) (*ledger.Subscription, error) {
	snap, err := s.live().Doc(userID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ledger.ErrNoLiveSubscription
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get live index: %w", err)
	}
	sub, err := s.GetSubscription(ctx, getString(snap.Data(), "subscriptionId"))
	if err == ledger.ErrSubscriptionNotFound || (err == nil && !sub.Status.IsLive()) {
		return nil, ledger.ErrNoLiveSubscription
	}
	return sub, err
}

// ListSubscriptions implements ledger.Store
func (s *Store) ListSubscriptions(ctx context.Context, userID string) ([]ledger.Subscription, error) {
	snaps, err := s.subs().Where("userId", "==", userID).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	out := make([]ledger.Subscription, 0, len(snaps))
	for _, snap := range snaps {
		doc, err := decodeSubscription(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, *doc.toSubscription())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// IsProcessed implements ledger.Store
func (s *Store) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	_, err := s.events().Doc(eventID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return true, nil
}

// CountByStatus implements ledger.Store
func (s *Store) CountByStatus(ctx context.Context) (map[ledger.Status]int, error) {
	snaps, err := s.subs().Select("status").Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to count subscriptions: %w", err)
	}
	counts := make(map[ledger.Status]int)
	for _, snap := range snaps {
		counts[ledger.Status(getString(snap.Data(), "status"))]++
	}
	return counts, nil
}

// PendingNotifications implements ledger.Store
func (s *Store) PendingNotifications(ctx context.Context, limit int) ([]ledger.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	snaps, err := s.notifications().
		Where("sent", "==", false).
		OrderBy("createdAt", firestore.Asc).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}
	out := make([]ledger.Notification, 0, len(snaps))
	for _, snap := range snaps {
		var doc notificationDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode notification: %w", err)
		}
		out = append(out, doc.toNotification())
	}
	return out, nil
}

// MarkNotificationSent implements ledger.Store
func (s *Store) MarkNotificationSent(ctx context.Context, id string, sentAt time.Time) error {
	return s.updateNotification(ctx, id, []firestore.Update{
		{Path: "sent", Value: true},
		{Path: "sentAt", Value: sentAt.UTC()},
		{Path: "attempts", Value: firestore.Increment(1)},
		{Path: "lastError", Value: ""},
	})
}

// MarkNotificationFailed implements ledger.Store
func (s *Store) MarkNotificationFailed(ctx context.Context, id string, cause string) error {
	return s.updateNotification(ctx, id, []firestore.Update{
		{Path: "attempts", Value: firestore.Increment(1)},
		{Path: "lastError", Value: cause},
	})
}

func (s *Store) updateNotification(ctx context.Context, id string, updates []firestore.Update) error {
	snaps, err := s.notifications().Where("id", "==", id).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return fmt.Errorf("failed to find notification: %w", err)
	}
	if len(snaps) == 0 {
		return fmt.Errorf("notification %s not found", id)
	}
	if _, err := snaps[0].Ref.Update(ctx, updates); err != nil {
		return fmt.Errorf("failed to update notification: %w", err)
	}
	return nil
}

// PruneProcessedEvents implements ledger.Store
func (s *Store) PruneProcessedEvents(ctx context.Context, before time.Time) (int64, error) {
	snaps, err := s.events().Where("processedAt", "<", before.UTC()).Documents(ctx).GetAll()
	if err != nil {
		return 0, fmt.Errorf("failed to list processed events: %w", err)
	}
	if len(snaps) == 0 {
		return 0, nil
	}

	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(snaps))
	for _, snap := range snaps {
		job, err := bw.Delete(snap.Ref)
		if err != nil {
			bw.End()
			return 0, fmt.Errorf("failed to queue delete: %w", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	var n int64
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return n, fmt.Errorf("failed to delete processed event: %w", err)
		}
		n++
	}
	return n, nil
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
