package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Config holds ledger dependencies
type Config struct {
	Store   Store
	Plans   PlanCatalog
	Logger  Logger
	Metrics Metrics

	// Now defaults to time.Now
	Now func() time.Time

	// NewID generates row ids, defaults to uuid.NewString
	NewID func() string
}

// Ledger owns every status transition of the subscription state machine.
// It is safe for concurrent use.
type Ledger struct {
	store   Store
	plans   PlanCatalog
	logger  Logger
	metrics Metrics
	now     func() time.Time
	newID   func() string
}

// Establishment describes a subscription the provider reports as created,
// either through a completed checkout or a subscription-created event.
type Establishment struct {
	UserID                 string
	ExternalSubscriptionID string
	// PlanID takes precedence over Snapshot.PriceID when resolving the plan
	PlanID   string
	Snapshot Snapshot
}

// New creates a ledger
func New(cfg Config) (*Ledger, error) {
	if cfg.Store == nil {
		return nil, errors.New("ledger: store is required")
	}
	if cfg.Plans == nil {
		return nil, errors.New("ledger: plan catalog is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Ledger{
		store:   cfg.Store,
		plans:   cfg.Plans,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     func() time.Time { return cfg.Now().UTC() },
		newID:   cfg.NewID,
	}, nil
}

// Establish creates the row for a newly created provider subscription, or
// adopts the existing row when the external id is already known. Any other
// live row of the user is canceled so only one live row remains.
func (l *Ledger) Establish(ctx context.Context, ref EventRef, in Establishment) (Result, error) {
	if in.ExternalSubscriptionID == "" {
		return Result{}, fmt.Errorf("%w: missing external subscription id", ErrInvalidSubscription)
	}
	if in.Snapshot.Status == "" {
		in.Snapshot.Status = StatusActive
	}
	if !in.Snapshot.Status.Valid() {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownStatus, in.Snapshot.Status)
	}

	return l.apply(ctx, "establish", ref, func(ctx context.Context, tx Tx, rec *recorder) (Result, error) {
		existing, err := tx.SubscriptionByExternalID(ctx, in.ExternalSubscriptionID)
		if err == nil {
			return l.adopt(ctx, tx, rec, ref, existing, in)
		}
		if !errors.Is(err, ErrSubscriptionNotFound) {
			return Result{}, err
		}

		if in.UserID == "" {
			l.logger.Warn("No user reference for new subscription",
				eventFields(ref, in.ExternalSubscriptionID)...)
			return Result{Outcome: OutcomeMissing}, nil
		}
		plan, err := l.resolvePlan(ctx, in.PlanID, in.Snapshot.PriceID)
		if errors.Is(err, ErrPlanNotFound) {
			l.logger.Warn("Plan not found for new subscription",
				append(eventFields(ref, in.ExternalSubscriptionID),
					Field{"plan_id", in.PlanID}, Field{"price_id", in.Snapshot.PriceID})...)
			return Result{Outcome: OutcomeMissing}, nil
		}
		if err != nil {
			return Result{}, err
		}

		if err := tx.LockUser(ctx, in.UserID); err != nil {
			return Result{}, fmt.Errorf("lock user: %w", err)
		}
		superseded, _, err := l.supersede(ctx, tx, rec, in.UserID, nil, ref.OccurredAt)
		if err != nil {
			return Result{}, err
		}

		now := l.now()
		sub := &Subscription{
			ID:                     l.newID(),
			UserID:                 in.UserID,
			PlanID:                 plan.ID,
			ExternalSubscriptionID: in.ExternalSubscriptionID,
			Status:                 in.Snapshot.Status,
			CreatedAt:              now,
			UpdatedAt:              now,
		}
		applySnapshot(sub, in.Snapshot)
		advance(sub, ref.OccurredAt)
		if err := tx.InsertSubscription(ctx, sub); err != nil {
			return Result{}, fmt.Errorf("insert subscription: %w", err)
		}
		rec.transition("", sub.Status)

		l.logger.Info("Subscription established",
			append(eventFields(ref, sub.ExternalSubscriptionID),
				Field{"user_id", sub.UserID}, Field{"plan_id", sub.PlanID}, Field{"status", string(sub.Status)})...)
		return Result{Outcome: OutcomeApplied, Subscription: sub, Superseded: superseded}, nil
	})
}

func (l *Ledger) adopt(ctx context.Context, tx Tx, rec *recorder, ref EventRef, sub *Subscription, in Establishment) (Result, error) {
	if in.UserID != "" && in.UserID != sub.UserID {
		l.logger.Warn("Subscription owner mismatch, keeping stored owner",
			append(eventFields(ref, sub.ExternalSubscriptionID),
				Field{"stored_user_id", sub.UserID}, Field{"event_user_id", in.UserID})...)
	}
	if o := gate(sub, ref.OccurredAt); o != "" {
		l.logGated(ref, sub, o)
		return Result{Outcome: o, Subscription: sub}, nil
	}

	var superseded, holder *Subscription
	if in.Snapshot.Status.IsLive() {
		if err := tx.LockUser(ctx, sub.UserID); err != nil {
			return Result{}, fmt.Errorf("lock user: %w", err)
		}
		var err error
		if superseded, holder, err = l.supersede(ctx, tx, rec, sub.UserID, sub, ref.OccurredAt); err != nil {
			return Result{}, err
		}
	}
	if plan, err := l.resolvePlan(ctx, in.PlanID, in.Snapshot.PriceID); err == nil {
		sub.PlanID = plan.ID
	} else if !errors.Is(err, ErrPlanNotFound) {
		return Result{}, err
	}

	from := sub.Status
	applySnapshot(sub, in.Snapshot)
	if holder != nil {
		sub.Status = from
	}
	advance(sub, ref.OccurredAt)
	if err := l.write(ctx, tx, rec, from, sub); err != nil {
		return Result{}, err
	}
	return appliedResult(sub, superseded, holder), nil
}

// ApplyUpdate overwrites the provider-owned fields of the row for externalID
func (l *Ledger) ApplyUpdate(ctx context.Context, ref EventRef, externalID string, snap Snapshot) (Result, error) {
	if !snap.Status.Valid() {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownStatus, snap.Status)
	}
	return l.apply(ctx, "update", ref, func(ctx context.Context, tx Tx, rec *recorder) (Result, error) {
		sub, err := l.load(ctx, tx, ref, externalID)
		if sub == nil || err != nil {
			return Result{Outcome: OutcomeMissing}, err
		}
		if o := gate(sub, ref.OccurredAt); o != "" {
			l.logGated(ref, sub, o)
			return Result{Outcome: o, Subscription: sub}, nil
		}

		var superseded, holder *Subscription
		if snap.Status.IsLive() && !sub.Status.IsLive() {
			if err := tx.LockUser(ctx, sub.UserID); err != nil {
				return Result{}, fmt.Errorf("lock user: %w", err)
			}
			if superseded, holder, err = l.supersede(ctx, tx, rec, sub.UserID, sub, ref.OccurredAt); err != nil {
				return Result{}, err
			}
		}
		if snap.PriceID != "" {
			plan, err := l.plans.PlanByPriceID(ctx, snap.PriceID)
			switch {
			case err == nil:
				sub.PlanID = plan.ID
			case errors.Is(err, ErrPlanNotFound):
				l.logger.Warn("Unknown price on subscription update, keeping plan",
					append(eventFields(ref, externalID), Field{"price_id", snap.PriceID})...)
			default:
				return Result{}, err
			}
		}

		from := sub.Status
		applySnapshot(sub, snap)
		if holder != nil {
			sub.Status = from
		}
		advance(sub, ref.OccurredAt)
		if err := l.write(ctx, tx, rec, from, sub); err != nil {
			return Result{}, err
		}
		return appliedResult(sub, superseded, holder), nil
	})
}

// ApplyDeleted cancels the row for externalID. Deletion ignores the ordering
// watermark: it always wins.
func (l *Ledger) ApplyDeleted(ctx context.Context, ref EventRef, externalID string) (Result, error) {
	return l.apply(ctx, "delete", ref, func(ctx context.Context, tx Tx, rec *recorder) (Result, error) {
		sub, err := l.load(ctx, tx, ref, externalID)
		if sub == nil || err != nil {
			return Result{Outcome: OutcomeMissing}, err
		}
		if sub.Status.IsTerminal() {
			return Result{Outcome: OutcomeTerminal, Subscription: sub}, nil
		}
		from := sub.Status
		cancel(sub)
		advance(sub, ref.OccurredAt)
		if err := l.write(ctx, tx, rec, from, sub); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeApplied, Subscription: sub}, nil
	})
}

// ApplyPaymentFailed moves the row to past_due and enqueues a payment_failed
// notification keyed by the event id. A stale failure is claimed without a
// notification: a newer event already describes the row, possibly recovered.
func (l *Ledger) ApplyPaymentFailed(ctx context.Context, ref EventRef, externalID string) (Result, error) {
	return l.apply(ctx, "payment_failed", ref, func(ctx context.Context, tx Tx, rec *recorder) (Result, error) {
		sub, err := l.load(ctx, tx, ref, externalID)
		if sub == nil || err != nil {
			return Result{Outcome: OutcomeMissing}, err
		}
		if o := gate(sub, ref.OccurredAt); o != "" {
			l.logGated(ref, sub, o)
			return Result{Outcome: o, Subscription: sub}, nil
		}
		from := sub.Status
		sub.Status = StatusPastDue
		advance(sub, ref.OccurredAt)
		if err := l.write(ctx, tx, rec, from, sub); err != nil {
			return Result{}, err
		}
		notified, err := l.enqueue(ctx, tx, rec, NotificationPaymentFailed, sub, ref)
		if err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeApplied, Subscription: sub, Notified: notified}, nil
	})
}

// ApplyPaymentSucceeded recovers a past_due, unpaid or incomplete row to active
func (l *Ledger) ApplyPaymentSucceeded(ctx context.Context, ref EventRef, externalID string) (Result, error) {
	return l.apply(ctx, "payment_succeeded", ref, func(ctx context.Context, tx Tx, rec *recorder) (Result, error) {
		sub, err := l.load(ctx, tx, ref, externalID)
		if sub == nil || err != nil {
			return Result{Outcome: OutcomeMissing}, err
		}
		if o := gate(sub, ref.OccurredAt); o != "" {
			l.logGated(ref, sub, o)
			return Result{Outcome: o, Subscription: sub}, nil
		}
		from := sub.Status
		to := recoveredStatus(from)
		if to == from {
			return Result{Outcome: OutcomeIgnored, Subscription: sub}, nil
		}
		if err := tx.LockUser(ctx, sub.UserID); err != nil {
			return Result{}, fmt.Errorf("lock user: %w", err)
		}
		superseded, holder, err := l.supersede(ctx, tx, rec, sub.UserID, sub, ref.OccurredAt)
		if err != nil {
			return Result{}, err
		}
		if holder == nil {
			sub.Status = to
		}
		advance(sub, ref.OccurredAt)
		if err := l.write(ctx, tx, rec, from, sub); err != nil {
			return Result{}, err
		}
		return appliedResult(sub, superseded, holder), nil
	})
}

// ApplyTrialWillEnd enqueues a trial_ending notification without touching status
func (l *Ledger) ApplyTrialWillEnd(ctx context.Context, ref EventRef, externalID string) (Result, error) {
	return l.apply(ctx, "trial_will_end", ref, func(ctx context.Context, tx Tx, rec *recorder) (Result, error) {
		sub, err := l.load(ctx, tx, ref, externalID)
		if sub == nil || err != nil {
			return Result{Outcome: OutcomeMissing}, err
		}
		if sub.Status != StatusTrialing {
			return Result{Outcome: OutcomeIgnored, Subscription: sub}, nil
		}
		notified, err := l.enqueue(ctx, tx, rec, NotificationTrialEnding, sub, ref)
		if err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeApplied, Subscription: sub, Notified: notified}, nil
	})
}

// Acknowledge records the event as processed without mutating any row
func (l *Ledger) Acknowledge(ctx context.Context, ref EventRef) (Result, error) {
	return l.apply(ctx, "acknowledge", ref, func(ctx context.Context, tx Tx, rec *recorder) (Result, error) {
		return Result{Outcome: OutcomeIgnored}, nil
	})
}

// MarkCancelScheduled sets cancelAtPeriodEnd on a live row after the provider
// accepted a cancellation request. A later provider update stays authoritative.
func (l *Ledger) MarkCancelScheduled(ctx context.Context, subscriptionID string) (*Subscription, error) {
	return l.mutate(ctx, "cancel_scheduled", subscriptionID, func(ctx context.Context, tx Tx, rec *recorder, sub *Subscription) (bool, error) {
		if !sub.Status.IsLive() {
			return false, ErrNoLiveSubscription
		}
		if sub.CancelAtPeriodEnd {
			return false, nil
		}
		sub.CancelAtPeriodEnd = true
		return true, nil
	})
}

// MarkCanceled cancels a row after the provider canceled it immediately.
// Canceling a canceled row is a no-op.
func (l *Ledger) MarkCanceled(ctx context.Context, subscriptionID string) (*Subscription, error) {
	return l.mutate(ctx, "cancel_immediately", subscriptionID, func(ctx context.Context, tx Tx, rec *recorder, sub *Subscription) (bool, error) {
		if sub.Status.IsTerminal() {
			return false, nil
		}
		cancel(sub)
		advance(sub, l.now())
		return true, nil
	})
}

// Resync overwrites a row with state read directly from the provider. The
// watermark moves to snap.ObservedAt, so events created before the read are
// dropped. Without ObservedAt the local clock is used, which assumes it does
// not run ahead of the provider's.
func (l *Ledger) Resync(ctx context.Context, subscriptionID string, snap Snapshot) (*Subscription, error) {
	if !snap.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, snap.Status)
	}
	watermark := snap.ObservedAt.UTC()
	if snap.ObservedAt.IsZero() {
		watermark = l.now()
	}
	return l.mutate(ctx, "resync", subscriptionID, func(ctx context.Context, tx Tx, rec *recorder, sub *Subscription) (bool, error) {
		if sub.Status.IsTerminal() {
			return false, ErrTerminalState
		}
		var holder *Subscription
		if snap.Status.IsLive() && !sub.Status.IsLive() {
			if err := tx.LockUser(ctx, sub.UserID); err != nil {
				return false, fmt.Errorf("lock user: %w", err)
			}
			var err error
			if _, holder, err = l.supersede(ctx, tx, rec, sub.UserID, sub, watermark); err != nil {
				return false, err
			}
		}
		if snap.PriceID != "" {
			if plan, err := l.plans.PlanByPriceID(ctx, snap.PriceID); err == nil {
				sub.PlanID = plan.ID
			} else if !errors.Is(err, ErrPlanNotFound) {
				return false, err
			}
		}
		from := sub.Status
		applySnapshot(sub, snap)
		if holder != nil {
			sub.Status = from
		}
		advance(sub, watermark)
		return true, nil
	})
}

// Current returns the user's live subscription or ErrNoLiveSubscription
func (l *Ledger) Current(ctx context.Context, userID string) (*Subscription, error) {
	return l.store.LiveSubscription(ctx, userID)
}

// History returns every subscription row of a user, newest first
func (l *Ledger) History(ctx context.Context, userID string) ([]Subscription, error) {
	return l.store.ListSubscriptions(ctx, userID)
}

// Get returns a row by local id
func (l *Ledger) Get(ctx context.Context, id string) (*Subscription, error) {
	return l.store.GetSubscription(ctx, id)
}

// IsProcessed reports whether an event id was applied before
func (l *Ledger) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	return l.store.IsProcessed(ctx, eventID)
}

// Stats returns subscription counts per status. Statuses without rows are
// reported as zero.
func (l *Ledger) Stats(ctx context.Context) (map[Status]int, error) {
	counts, err := l.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[Status]int, 6)
	for _, s := range []Status{StatusTrialing, StatusActive, StatusPastDue, StatusCanceled, StatusUnpaid, StatusIncomplete} {
		out[s] = counts[s]
	}
	return out, nil
}

type eventFunc func(ctx context.Context, tx Tx, rec *recorder) (Result, error)

// apply claims ref and runs fn in the same transaction. A duplicate claim
// short-circuits with OutcomeDuplicate. When fn fails nothing is committed,
// including the claim, so a redelivery retries the event.
func (l *Ledger) apply(ctx context.Context, op string, ref EventRef, fn eventFunc) (Result, error) {
	if ref.ID == "" {
		return Result{}, ErrInvalidEvent
	}
	var res Result
	rec := &recorder{}
	start := time.Now()
	err := l.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		rec.reset()
		res = Result{}
		claim, err := tx.ClaimEvent(ctx, ProcessedEvent{
			EventID:     ref.ID,
			EventType:   ref.Type,
			ProcessedAt: l.now(),
		})
		if err != nil {
			return fmt.Errorf("claim event: %w", err)
		}
		if claim == AlreadyProcessed {
			res.Outcome = OutcomeDuplicate
			return nil
		}
		r, err := fn(ctx, tx, rec)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	l.metrics.RecordStorageOperation(op, time.Since(start), err)
	if err != nil {
		return Result{}, err
	}
	rec.flush(l.metrics)
	l.metrics.RecordEvent(ref.Type, res.Outcome)
	return res, nil
}

type changeFunc func(ctx context.Context, tx Tx, rec *recorder, sub *Subscription) (bool, error)

// mutate runs a local, non-event change against one row. The row is written
// only when change reports that it modified it.
func (l *Ledger) mutate(ctx context.Context, op, subscriptionID string, change changeFunc) (*Subscription, error) {
	var out *Subscription
	rec := &recorder{}
	start := time.Now()
	err := l.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		rec.reset()
		sub, err := tx.SubscriptionByID(ctx, subscriptionID)
		if err != nil {
			return err
		}
		from := sub.Status
		changed, err := change(ctx, tx, rec, sub)
		if err != nil {
			return err
		}
		if changed {
			if err := l.write(ctx, tx, rec, from, sub); err != nil {
				return err
			}
		}
		out = sub
		return nil
	})
	l.metrics.RecordStorageOperation(op, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	rec.flush(l.metrics)
	return out, nil
}

// load returns the row for externalID, or nil without error when it does not exist
func (l *Ledger) load(ctx context.Context, tx Tx, ref EventRef, externalID string) (*Subscription, error) {
	sub, err := tx.SubscriptionByExternalID(ctx, externalID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		l.logger.Warn("Subscription not found, acknowledging event", eventFields(ref, externalID)...)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// supersede cancels the user's live row to make room for keep. A nil keep is
// a row about to be inserted and always wins. Otherwise the most recently
// created row wins: a live row newer than keep is left alone and returned as
// holder, and keep must stay non-live.
func (l *Ledger) supersede(ctx context.Context, tx Tx, rec *recorder, userID string, keep *Subscription, at time.Time) (superseded, holder *Subscription, err error) {
	live, err := tx.LiveSubscriptionForUser(ctx, userID)
	if errors.Is(err, ErrNoLiveSubscription) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if keep != nil {
		if live.ID == keep.ID {
			return nil, nil, nil
		}
		if live.CreatedAt.After(keep.CreatedAt) {
			l.logger.Warn("Newer live subscription exists, keeping reactivated row non-live",
				Field{"user_id", userID},
				Field{"subscription_id", keep.ID},
				Field{"external_subscription_id", keep.ExternalSubscriptionID},
				Field{"live_subscription_id", live.ID},
				Field{"live_external_subscription_id", live.ExternalSubscriptionID})
			return nil, live, nil
		}
	}
	from := live.Status
	cancel(live)
	advance(live, at)
	if err := l.write(ctx, tx, rec, from, live); err != nil {
		return nil, nil, err
	}
	l.logger.Info("Superseded live subscription",
		Field{"user_id", userID}, Field{"subscription_id", live.ID}, Field{"external_subscription_id", live.ExternalSubscriptionID})
	return live, nil, nil
}

func appliedResult(sub, superseded, holder *Subscription) Result {
	if holder != nil {
		return Result{Outcome: OutcomeShadowed, Subscription: sub, Holder: holder}
	}
	return Result{Outcome: OutcomeApplied, Subscription: sub, Superseded: superseded}
}

func (l *Ledger) write(ctx context.Context, tx Tx, rec *recorder, from Status, sub *Subscription) error {
	sub.UpdatedAt = l.now()
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("update subscription %s: %w", sub.ID, err)
	}
	if from != sub.Status {
		rec.transition(from, sub.Status)
	}
	return nil
}

func (l *Ledger) enqueue(ctx context.Context, tx Tx, rec *recorder, kind NotificationKind, sub *Subscription, ref EventRef) (bool, error) {
	n := &Notification{
		ID:             l.newID(),
		Kind:           kind,
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		EventID:        ref.ID,
		IdempotencyKey: NotificationKey(kind, sub.ID, ref.ID),
		CreatedAt:      l.now(),
	}
	inserted, err := tx.EnqueueNotification(ctx, n)
	if err != nil {
		return false, fmt.Errorf("enqueue notification: %w", err)
	}
	if inserted {
		rec.notified(kind)
	}
	return inserted, nil
}

func (l *Ledger) resolvePlan(ctx context.Context, planID, priceID string) (*Plan, error) {
	if planID != "" {
		plan, err := l.plans.PlanByID(ctx, planID)
		if err == nil || !errors.Is(err, ErrPlanNotFound) || priceID == "" {
			return plan, err
		}
	}
	if priceID == "" {
		return nil, ErrPlanNotFound
	}
	return l.plans.PlanByPriceID(ctx, priceID)
}

func (l *Ledger) logGated(ref EventRef, sub *Subscription, o Outcome) {
	fields := append(eventFields(ref, sub.ExternalSubscriptionID),
		Field{"status", string(sub.Status)}, Field{"outcome", string(o)})
	if o == OutcomeStale {
		fields = append(fields, Field{"last_reconciled_event_at", sub.LastReconciledEventAt})
	}
	l.logger.Info("Event not applied", fields...)
}

func eventFields(ref EventRef, externalID string) []Field {
	return []Field{
		{"event_id", ref.ID},
		{"event_type", ref.Type},
		{"external_subscription_id", externalID},
	}
}

// recorder buffers metrics until the transaction commits. It is reset on
// each attempt because stores may retry the callback.
type recorder struct {
	transitions [][2]Status
	notices     []NotificationKind
}

func (r *recorder) reset() {
	r.transitions = r.transitions[:0]
	r.notices = r.notices[:0]
}

func (r *recorder) transition(from, to Status) {
	r.transitions = append(r.transitions, [2]Status{from, to})
}

func (r *recorder) notified(kind NotificationKind) {
	r.notices = append(r.notices, kind)
}

func (r *recorder) flush(m Metrics) {
	for _, t := range r.transitions {
		m.RecordTransition(t[0], t[1])
	}
	for _, k := range r.notices {
		m.RecordNotificationEnqueued(k)
	}
}
