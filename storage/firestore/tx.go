package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/subledger/pkg/ledger"
)

type subscriptionDoc struct {
	ID                     string     `firestore:"id"`
	UserID                 string     `firestore:"userId"`
	PlanID                 string     `firestore:"planId"`
	ExternalSubscriptionID string     `firestore:"externalSubscriptionId"`
	ExternalCustomerID     string     `firestore:"externalCustomerId"`
	Status                 string     `firestore:"status"`
	CurrentPeriodEnd       time.Time  `firestore:"currentPeriodEnd"`
	CancelAtPeriodEnd      bool       `firestore:"cancelAtPeriodEnd"`
	TrialEndsAt            *time.Time `firestore:"trialEndsAt"`
	LastReconciledEventAt  time.Time  `firestore:"lastReconciledEventAt"`
	Version                int64      `firestore:"version"`
	CreatedAt              time.Time  `firestore:"createdAt"`
	UpdatedAt              time.Time  `firestore:"updatedAt"`
}

func newSubscriptionDoc(sub *ledger.Subscription) *subscriptionDoc {
	return &subscriptionDoc{
		ID:                     sub.ID,
		UserID:                 sub.UserID,
		PlanID:                 sub.PlanID,
		ExternalSubscriptionID: sub.ExternalSubscriptionID,
		ExternalCustomerID:     sub.ExternalCustomerID,
		Status:                 string(sub.Status),
		CurrentPeriodEnd:       sub.CurrentPeriodEnd.UTC(),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		TrialEndsAt:            sub.TrialEndsAt,
		LastReconciledEventAt:  sub.LastReconciledEventAt.UTC(),
		Version:                sub.Version,
		CreatedAt:              sub.CreatedAt.UTC(),
		UpdatedAt:              sub.UpdatedAt.UTC(),
	}
}

func (d *subscriptionDoc) live() bool {
	return ledger.Status(d.Status).IsLive()
}

func (d *subscriptionDoc) toSubscription() *ledger.Subscription {
	sub := &ledger.Subscription{
		ID:                     d.ID,
		UserID:                 d.UserID,
		PlanID:                 d.PlanID,
		ExternalSubscriptionID: d.ExternalSubscriptionID,
		ExternalCustomerID:     d.ExternalCustomerID,
		Status:                 ledger.Status(d.Status),
		CurrentPeriodEnd:       d.CurrentPeriodEnd.UTC(),
		CancelAtPeriodEnd:      d.CancelAtPeriodEnd,
		LastReconciledEventAt:  d.LastReconciledEventAt.UTC(),
		Version:                d.Version,
		CreatedAt:              d.CreatedAt.UTC(),
		UpdatedAt:              d.UpdatedAt.UTC(),
	}
	if d.TrialEndsAt != nil {
		t := d.TrialEndsAt.UTC()
		sub.TrialEndsAt = &t
	}
	return sub
}

func decodeSubscription(snap *firestore.DocumentSnapshot) (*subscriptionDoc, error) {
	var doc subscriptionDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode subscription %s: %w", snap.Ref.ID, err)
	}
	return &doc, nil
}

type notificationDoc struct {
	ID             string     `firestore:"id"`
	Kind           string     `firestore:"kind"`
	UserID         string     `firestore:"userId"`
	SubscriptionID string     `firestore:"subscriptionId"`
	EventID        string     `firestore:"eventId"`
	IdempotencyKey string     `firestore:"idempotencyKey"`
	Attempts       int        `firestore:"attempts"`
	LastError      string     `firestore:"lastError"`
	CreatedAt      time.Time  `firestore:"createdAt"`
	Sent           bool       `firestore:"sent"`
	SentAt         *time.Time `firestore:"sentAt"`
}

func (d *notificationDoc) toNotification() ledger.Notification {
	return ledger.Notification{
		ID:             d.ID,
		Kind:           ledger.NotificationKind(d.Kind),
		UserID:         d.UserID,
		SubscriptionID: d.SubscriptionID,
		EventID:        d.EventID,
		IdempotencyKey: d.IdempotencyKey,
		Attempts:       d.Attempts,
		LastError:      d.LastError,
		CreatedAt:      d.CreatedAt.UTC(),
		SentAt:         d.SentAt,
	}
}

// tx caches every document it reads and buffers writes until flush.
// A cached nil or "" records a document known to be absent.
type tx struct {
	s   *Store
	ftx *firestore.Transaction

	subs        map[string]*subscriptionDoc
	createdSubs map[string]bool
	dirtySubs   map[string]bool

	external      map[string]string
	dirtyExternal map[string]bool

	live      map[string]string
	dirtyLive map[string]bool

	events []ledger.ProcessedEvent
	notes  map[string]*notificationDoc
}

func newTx(s *Store, ftx *firestore.Transaction) *tx {
	return &tx{
		s:             s,
		ftx:           ftx,
		subs:          make(map[string]*subscriptionDoc),
		createdSubs:   make(map[string]bool),
		dirtySubs:     make(map[string]bool),
		external:      make(map[string]string),
		dirtyExternal: make(map[string]bool),
		live:          make(map[string]string),
		dirtyLive:     make(map[string]bool),
		notes:         make(map[string]*notificationDoc),
	}
}

// get reads ref inside the transaction. A missing document yields (nil, nil).
func (t *tx) get(ref *firestore.DocumentRef) (*firestore.DocumentSnapshot, error) {
	snap, err := t.ftx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !snap.Exists() {
		return nil, nil
	}
	return snap, nil
}

func (t *tx) sub(id string) (*subscriptionDoc, error) {
	if doc, ok := t.subs[id]; ok {
		return doc, nil
	}
	snap, err := t.get(t.s.subs().Doc(id))
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	var doc *subscriptionDoc
	if snap != nil {
		if doc, err = decodeSubscription(snap); err != nil {
			return nil, err
		}
	}
	t.subs[id] = doc
	return doc, nil
}

func (t *tx) externalOwner(externalID string) (string, error) {
	if id, ok := t.external[externalID]; ok {
		return id, nil
	}
	snap, err := t.get(t.s.externalIDs().Doc(externalID))
	if err != nil {
		return "", fmt.Errorf("failed to get external index: %w", err)
	}
	id := ""
	if snap != nil {
		id = getString(snap.Data(), "subscriptionId")
	}
	t.external[externalID] = id
	return id, nil
}

func (t *tx) liveOwner(userID string) (string, error) {
	if id, ok := t.live[userID]; ok {
		return id, nil
	}
	snap, err := t.get(t.s.live().Doc(userID))
	if err != nil {
		return "", fmt.Errorf("failed to get live index: %w", err)
	}
	id := ""
	if snap != nil {
		id = getString(snap.Data(), "subscriptionId")
	}
	t.live[userID] = id
	return id, nil
}

// otherLive reports whether the user has a live row other than id
func (t *tx) otherLive(userID, id string) (bool, error) {
	owner, err := t.liveOwner(userID)
	if err != nil || owner == "" || owner == id {
		return false, err
	}
	doc, err := t.sub(owner)
	if err != nil {
		return false, err
	}
	return doc != nil && doc.live(), nil
}

func (t *tx) ClaimEvent(_ context.Context, ev ledger.ProcessedEvent) (ledger.ClaimResult, error) {
	if ev.EventID == "" {
		return 0, ledger.ErrInvalidEvent
	}
	for _, pending := range t.events {
		if pending.EventID == ev.EventID {
			return ledger.AlreadyProcessed, nil
		}
	}
	snap, err := t.get(t.s.events().Doc(ev.EventID))
	if err != nil {
		return 0, fmt.Errorf("failed to claim event: %w", err)
	}
	if snap != nil {
		return ledger.AlreadyProcessed, nil
	}
	t.events = append(t.events, ev)
	return ledger.Claimed, nil
}

func (t *tx) SubscriptionByID(_ context.Context, id string) (*ledger.Subscription, error) {
	doc, err := t.sub(id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ledger.ErrSubscriptionNotFound
	}
	return doc.toSubscription(), nil
}

func (t *tx) SubscriptionByExternalID(ctx context.Context, externalID string) (*ledger.Subscription, error) {
	if externalID == "" {
		return nil, ledger.ErrSubscriptionNotFound
	}
	id, err := t.externalOwner(externalID)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, ledger.ErrSubscriptionNotFound
	}
	return t.SubscriptionByID(ctx, id)
}

func (t *tx) LiveSubscriptionForUser(_ context.Context, userID string) (*ledger.Subscription, error) {
	id, err := t.liveOwner(userID)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, ledger.ErrNoLiveSubscription
	}
	doc, err := t.sub(id)
	if err != nil {
		return nil, err
	}
	if doc == nil || !doc.live() {
		return nil, ledger.ErrNoLiveSubscription
	}
	return doc.toSubscription(), nil
}

// LockUser adds the user's live index document to the read set, so two
// transactions establishing rows for one user conflict at commit.
func (t *tx) LockUser(_ context.Context, userID string) error {
	_, err := t.liveOwner(userID)
	return err
}

func (t *tx) InsertSubscription(_ context.Context, sub *ledger.Subscription) error {
	if err := validate(sub); err != nil {
		return err
	}
	existing, err := t.sub(sub.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: id %s exists", ledger.ErrInvalidSubscription, sub.ID)
	}
	if sub.ExternalSubscriptionID != "" {
		owner, err := t.externalOwner(sub.ExternalSubscriptionID)
		if err != nil {
			return err
		}
		if owner != "" {
			return ledger.ErrDuplicateExternalID
		}
	}
	if sub.Status.IsLive() {
		taken, err := t.otherLive(sub.UserID, sub.ID)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: user %s already has a live subscription", ledger.ErrConcurrentUpdate, sub.UserID)
		}
	}

	sub.Version = 1
	t.subs[sub.ID] = newSubscriptionDoc(sub)
	t.createdSubs[sub.ID] = true
	if sub.ExternalSubscriptionID != "" {
		t.external[sub.ExternalSubscriptionID] = sub.ID
		t.dirtyExternal[sub.ExternalSubscriptionID] = true
	}
	if sub.Status.IsLive() {
		t.live[sub.UserID] = sub.ID
		t.dirtyLive[sub.UserID] = true
	}
	return nil
}

func (t *tx) UpdateSubscription(_ context.Context, sub *ledger.Subscription) error {
	if err := validate(sub); err != nil {
		return err
	}
	cur, err := t.sub(sub.ID)
	if err != nil {
		return err
	}
	if cur == nil {
		return ledger.ErrSubscriptionNotFound
	}
	if cur.Version != sub.Version {
		return ledger.ErrConcurrentUpdate
	}

	if sub.Status.IsLive() {
		taken, err := t.otherLive(sub.UserID, sub.ID)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: user %s already has a live subscription", ledger.ErrConcurrentUpdate, sub.UserID)
		}
		t.live[sub.UserID] = sub.ID
		t.dirtyLive[sub.UserID] = true
	} else if cur.live() {
		owner, err := t.liveOwner(sub.UserID)
		if err != nil {
			return err
		}
		if owner == sub.ID {
			t.live[sub.UserID] = ""
			t.dirtyLive[sub.UserID] = true
		}
	}

	if cur.ExternalSubscriptionID != sub.ExternalSubscriptionID {
		if sub.ExternalSubscriptionID != "" {
			owner, err := t.externalOwner(sub.ExternalSubscriptionID)
			if err != nil {
				return err
			}
			if owner != "" && owner != sub.ID {
				return ledger.ErrDuplicateExternalID
			}
			t.external[sub.ExternalSubscriptionID] = sub.ID
			t.dirtyExternal[sub.ExternalSubscriptionID] = true
		}
		if cur.ExternalSubscriptionID != "" {
			t.external[cur.ExternalSubscriptionID] = ""
			t.dirtyExternal[cur.ExternalSubscriptionID] = true
		}
	}

	sub.Version++
	t.subs[sub.ID] = newSubscriptionDoc(sub)
	t.dirtySubs[sub.ID] = true
	return nil
}

func (t *tx) EnqueueNotification(_ context.Context, n *ledger.Notification) (bool, error) {
	if n.ID == "" || n.IdempotencyKey == "" {
		return false, fmt.Errorf("notification requires id and idempotency key")
	}
	if _, ok := t.notes[n.IdempotencyKey]; ok {
		return false, nil
	}
	snap, err := t.get(t.s.notifications().Doc(n.IdempotencyKey))
	if err != nil {
		return false, fmt.Errorf("failed to check notification: %w", err)
	}
	if snap != nil {
		return false, nil
	}
	t.notes[n.IdempotencyKey] = &notificationDoc{
		ID:             n.ID,
		Kind:           string(n.Kind),
		UserID:         n.UserID,
		SubscriptionID: n.SubscriptionID,
		EventID:        n.EventID,
		IdempotencyKey: n.IdempotencyKey,
		CreatedAt:      n.CreatedAt.UTC(),
	}
	return true, nil
}

// flush writes the buffered changes into the Firestore transaction
func (t *tx) flush() error {
	for _, ev := range t.events {
		if err := t.ftx.Create(t.s.events().Doc(ev.EventID), map[string]interface{}{
			"eventId":     ev.EventID,
			"eventType":   ev.EventType,
			"processedAt": ev.ProcessedAt.UTC(),
		}); err != nil {
			return err
		}
	}
	for id, doc := range t.subs {
		ref := t.s.subs().Doc(id)
		var err error
		switch {
		case t.createdSubs[id]:
			err = t.ftx.Create(ref, doc)
		case t.dirtySubs[id]:
			err = t.ftx.Set(ref, doc)
		}
		if err != nil {
			return err
		}
	}
	for externalID := range t.dirtyExternal {
		if err := t.setIndex(t.s.externalIDs().Doc(externalID), t.external[externalID]); err != nil {
			return err
		}
	}
	for userID := range t.dirtyLive {
		if err := t.setIndex(t.s.live().Doc(userID), t.live[userID]); err != nil {
			return err
		}
	}
	for key, doc := range t.notes {
		if err := t.ftx.Create(t.s.notifications().Doc(key), doc); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) setIndex(ref *firestore.DocumentRef, id string) error {
	if id == "" {
		return t.ftx.Delete(ref)
	}
	return t.ftx.Set(ref, map[string]interface{}{"subscriptionId": id})
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
