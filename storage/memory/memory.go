// Package memory provides an in-memory implementation of the ledger.Store interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/subledger/pkg/ledger"
)

// Store implements ledger.Store using in-memory maps.
// Transactions are serialized by a single mutex and applied copy-on-write:
// the callback works on a private copy that replaces the committed state only
// when it returns nil.
type Store struct {
	mu    sync.RWMutex
	state *state
}

type state struct {
	subs          map[string]*ledger.Subscription
	byExternalID  map[string]string
	events        map[string]ledger.ProcessedEvent
	notifications map[string]*ledger.Notification
	byKey         map[string]string
}

// New creates a new in-memory store
func New() *Store {
	return &Store{state: &state{
		subs:          make(map[string]*ledger.Subscription),
		byExternalID:  make(map[string]string),
		events:        make(map[string]ledger.ProcessedEvent),
		notifications: make(map[string]*ledger.Notification),
		byKey:         make(map[string]string),
	}}
}

func (st *state) clone() *state {
	c := &state{
		subs:          make(map[string]*ledger.Subscription, len(st.subs)),
		byExternalID:  make(map[string]string, len(st.byExternalID)),
		events:        make(map[string]ledger.ProcessedEvent, len(st.events)),
		notifications: make(map[string]*ledger.Notification, len(st.notifications)),
		byKey:         make(map[string]string, len(st.byKey)),
	}
	for k, v := range st.subs {
		c.subs[k] = v.Clone()
	}
	for k, v := range st.byExternalID {
		c.byExternalID[k] = v
	}
	for k, v := range st.events {
		c.events[k] = v
	}
	for k, v := range st.notifications {
		n := *v
		c.notifications[k] = &n
	}
	for k, v := range st.byKey {
		c.byKey[k] = v
	}
	return c
}

func (st *state) live(userID string) *ledger.Subscription {
	for _, sub := range st.subs {
		if sub.UserID == userID && sub.Status.IsLive() {
			return sub
		}
	}
	return nil
}

// RunInTx implements ledger.Store. The callback must not call other Store
// methods; it holds the store lock.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = work
	return nil
}

// GetSubscription implements ledger.Store
func (s *Store) GetSubscription(ctx context.Context, id string) (*ledger.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.state.subs[id]
	if !ok {
		return nil, ledger.ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

// LiveSubscription implements ledger.Store
func (s *Store) LiveSubscription(ctx context.Context, userID string) (*ledger.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub := s.state.live(userID); sub != nil {
		return sub.Clone(), nil
	}
	return nil, ledger.ErrNoLiveSubscription
}

// ListSubscriptions implements ledger.Store
func (s *Store) ListSubscriptions(ctx context.Context, userID string) ([]ledger.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ledger.Subscription
	for _, sub := range s.state.subs {
		if sub.UserID == userID {
			out = append(out, *sub.Clone())
		}
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
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.state.events[eventID]
	return ok, nil
}

// CountByStatus implements ledger.Store
func (s *Store) CountByStatus(ctx context.Context) (map[ledger.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[ledger.Status]int)
	for _, sub := range s.state.subs {
		counts[sub.Status]++
	}
	return counts, nil
}

// PendingNotifications implements ledger.Store
func (s *Store) PendingNotifications(ctx context.Context, limit int) ([]ledger.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ledger.Notification
	for _, n := range s.state.notifications {
		if n.SentAt == nil {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkNotificationSent implements ledger.Store
func (s *Store) MarkNotificationSent(ctx context.Context, id string, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.state.notifications[id]
	if !ok {
		return fmt.Errorf("notification %s not found", id)
	}
	t := sentAt.UTC()
	n.SentAt = &t
	n.Attempts++
	n.LastError = ""
	return nil
}

// MarkNotificationFailed implements ledger.Store
func (s *Store) MarkNotificationFailed(ctx context.Context, id string, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.state.notifications[id]
	if !ok {
		return fmt.Errorf("notification %s not found", id)
	}
	n.Attempts++
	n.LastError = cause
	return nil
}

// PruneProcessedEvents implements ledger.Store
func (s *Store) PruneProcessedEvents(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, ev := range s.state.events {
		if ev.ProcessedAt.Before(before) {
			delete(s.state.events, id)
			n++
		}
	}
	return n, nil
}

// Notifications returns every outbox row, sent or not, oldest first
func (s *Store) Notifications() []ledger.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ledger.Notification, 0, len(s.state.notifications))
	for _, n := range s.state.notifications {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Put stores a subscription directly, bypassing the ledger. Intended for seeding tests.
func (s *Store) Put(sub ledger.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := sub.Clone()
	s.state.subs[c.ID] = c
	if c.ExternalSubscriptionID != "" {
		s.state.byExternalID[c.ExternalSubscriptionID] = c.ID
	}
}

type tx struct {
	st *state
}

func (t *tx) ClaimEvent(ctx context.Context, ev ledger.ProcessedEvent) (ledger.ClaimResult, error) {
	if ev.EventID == "" {
		return 0, ledger.ErrInvalidEvent
	}
	if _, ok := t.st.events[ev.EventID]; ok {
		return ledger.AlreadyProcessed, nil
	}
	t.st.events[ev.EventID] = ev
	return ledger.Claimed, nil
}

func (t *tx) SubscriptionByID(ctx context.Context, id string) (*ledger.Subscription, error) {
	sub, ok := t.st.subs[id]
	if !ok {
		return nil, ledger.ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

func (t *tx) SubscriptionByExternalID(ctx context.Context, externalID string) (*ledger.Subscription, error) {
	id, ok := t.st.byExternalID[externalID]
	if !ok || externalID == "" {
		return nil, ledger.ErrSubscriptionNotFound
	}
	return t.SubscriptionByID(ctx, id)
}

func (t *tx) LiveSubscriptionForUser(ctx context.Context, userID string) (*ledger.Subscription, error) {
	if sub := t.st.live(userID); sub != nil {
		return sub.Clone(), nil
	}
	return nil, ledger.ErrNoLiveSubscription
}

// LockUser is a no-op: the store mutex already serializes transactions
func (t *tx) LockUser(ctx context.Context, userID string) error {
	return ctx.Err()
}

func (t *tx) InsertSubscription(ctx context.Context, sub *ledger.Subscription) error {
	if err := validate(sub); err != nil {
		return err
	}
	if _, ok := t.st.subs[sub.ID]; ok {
		return fmt.Errorf("%w: id %s exists", ledger.ErrInvalidSubscription, sub.ID)
	}
	if sub.ExternalSubscriptionID != "" {
		if _, ok := t.st.byExternalID[sub.ExternalSubscriptionID]; ok {
			return ledger.ErrDuplicateExternalID
		}
	}
	if sub.Status.IsLive() && t.st.live(sub.UserID) != nil {
		return fmt.Errorf("%w: user %s already has a live subscription", ledger.ErrConcurrentUpdate, sub.UserID)
	}
	sub.Version = 1
	t.st.subs[sub.ID] = sub.Clone()
	if sub.ExternalSubscriptionID != "" {
		t.st.byExternalID[sub.ExternalSubscriptionID] = sub.ID
	}
	return nil
}

func (t *tx) UpdateSubscription(ctx context.Context, sub *ledger.Subscription) error {
	if err := validate(sub); err != nil {
		return err
	}
	cur, ok := t.st.subs[sub.ID]
	if !ok {
		return ledger.ErrSubscriptionNotFound
	}
	if cur.Version != sub.Version {
		return ledger.ErrConcurrentUpdate
	}
	if sub.Status.IsLive() {
		if other := t.st.live(sub.UserID); other != nil && other.ID != sub.ID {
			return fmt.Errorf("%w: user %s already has a live subscription", ledger.ErrConcurrentUpdate, sub.UserID)
		}
	}
	if cur.ExternalSubscriptionID != sub.ExternalSubscriptionID {
		if owner, ok := t.st.byExternalID[sub.ExternalSubscriptionID]; ok && owner != sub.ID {
			return ledger.ErrDuplicateExternalID
		}
		delete(t.st.byExternalID, cur.ExternalSubscriptionID)
		if sub.ExternalSubscriptionID != "" {
			t.st.byExternalID[sub.ExternalSubscriptionID] = sub.ID
		}
	}
	sub.Version++
	t.st.subs[sub.ID] = sub.Clone()
	return nil
}

func (t *tx) EnqueueNotification(ctx context.Context, n *ledger.Notification) (bool, error) {
	if n.ID == "" || n.IdempotencyKey == "" {
		return false, fmt.Errorf("notification requires id and idempotency key")
	}
	if _, ok := t.st.byKey[n.IdempotencyKey]; ok {
		return false, nil
	}
	c := *n
	t.st.notifications[c.ID] = &c
	t.st.byKey[c.IdempotencyKey] = c.ID
	return true, nil
}

func validate(sub *ledger.Subscription) error {
	if sub == nil || sub.ID == "" || sub.UserID == "" || sub.PlanID == "" {
		return fmt.Errorf("%w: id, user and plan are required", ledger.ErrInvalidSubscription)
	}
	if !sub.Status.Valid() {
		return fmt.Errorf("%w: status %q", ledger.ErrUnknownStatus, sub.Status)
	}
	return nil
}
