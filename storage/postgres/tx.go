package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mihaimyh/subledger/pkg/ledger"
)

const selectSubscription = `SELECT id, user_id, plan_id, external_subscription_id, external_customer_id,
	status, current_period_end, cancel_at_period_end, trial_ends_at, last_reconciled_event_at,
	version, created_at, updated_at
	FROM subscriptions`

type tx struct {
	tx pgx.Tx
}

func (t *tx) ClaimEvent(ctx context.Context, ev ledger.ProcessedEvent) (ledger.ClaimResult, error) {
	if ev.EventID == "" {
		return 0, ledger.ErrInvalidEvent
	}
	// blocks on the primary key while a concurrent claim of the same id is open
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO processed_events (event_id, event_type, processed_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.EventType, ev.ProcessedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to claim event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.AlreadyProcessed, nil
	}
	return ledger.Claimed, nil
}

func (t *tx) SubscriptionByID(ctx context.Context, id string) (*ledger.Subscription, error) {
	return t.lockOne(ctx, ledger.ErrSubscriptionNotFound, ` WHERE id = $1 FOR UPDATE`, id)
}

func (t *tx) SubscriptionByExternalID(ctx context.Context, externalID string) (*ledger.Subscription, error) {
	if externalID == "" {
		return nil, ledger.ErrSubscriptionNotFound
	}
	return t.lockOne(ctx, ledger.ErrSubscriptionNotFound, ` WHERE external_subscription_id = $1 FOR UPDATE`, externalID)
}

func (t *tx) LiveSubscriptionForUser(ctx context.Context, userID string) (*ledger.Subscription, error) {
	return t.lockOne(ctx, ledger.ErrNoLiveSubscription,
		` WHERE user_id = $1 AND status IN ('active', 'trialing') FOR UPDATE`, userID)
}

func (t *tx) lockOne(ctx context.Context, notFound error, where string, arg string) (*ledger.Subscription, error) {
	sub, err := scanSubscription(t.tx.QueryRow(ctx, selectSubscription+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound
	}
	return sub, err
}

// LockUser takes a transaction-scoped advisory lock on the user id
func (t *tx) LockUser(ctx context.Context, userID string) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, userID); err != nil {
		return fmt.Errorf("failed to lock user: %w", err)
	}
	return nil
}

func (t *tx) InsertSubscription(ctx context.Context, sub *ledger.Subscription) error {
	if err := validate(sub); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO subscriptions
			(id, user_id, plan_id, external_subscription_id, external_customer_id, status,
			current_period_end, cancel_at_period_end, trial_ends_at, last_reconciled_event_at,
			version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11, $12)`,
		sub.ID, sub.UserID, sub.PlanID, nullString(sub.ExternalSubscriptionID), sub.ExternalCustomerID,
		string(sub.Status), nullTime(sub.CurrentPeriodEnd), sub.CancelAtPeriodEnd, sub.TrialEndsAt,
		nullTime(sub.LastReconciledEventAt), sub.CreatedAt.UTC(), sub.UpdatedAt.UTC())
	if err != nil {
		return mapWriteError(err)
	}
	sub.Version = 1
	return nil
}

func (t *tx) UpdateSubscription(ctx context.Context, sub *ledger.Subscription) error {
	if err := validate(sub); err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE subscriptions SET
			user_id = $3, plan_id = $4, external_subscription_id = $5, external_customer_id = $6,
			status = $7, current_period_end = $8, cancel_at_period_end = $9, trial_ends_at = $10,
			last_reconciled_event_at = $11, updated_at = $12, version = version + 1
			WHERE id = $1 AND version = $2`,
		sub.ID, sub.Version, sub.UserID, sub.PlanID, nullString(sub.ExternalSubscriptionID),
		sub.ExternalCustomerID, string(sub.Status), nullTime(sub.CurrentPeriodEnd),
		sub.CancelAtPeriodEnd, sub.TrialEndsAt, nullTime(sub.LastReconciledEventAt), sub.UpdatedAt.UTC())
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM subscriptions WHERE id = $1)`, sub.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check subscription: %w", err)
		}
		if !exists {
			return ledger.ErrSubscriptionNotFound
		}
		return ledger.ErrConcurrentUpdate
	}
	sub.Version++
	return nil
}

func (t *tx) EnqueueNotification(ctx context.Context, n *ledger.Notification) (bool, error) {
	if n.ID == "" || n.IdempotencyKey == "" {
		return false, fmt.Errorf("notification requires id and idempotency key")
	}
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO notifications (id, kind, user_id, subscription_id, event_id, idempotency_key, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (idempotency_key) DO NOTHING`,
		n.ID, string(n.Kind), n.UserID, n.SubscriptionID, n.EventID, n.IdempotencyKey, n.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// mapWriteError translates unique violations into ledger errors
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		if pgErr.ConstraintName == liveIndex {
			return fmt.Errorf("%w: user already has a live subscription", ledger.ErrConcurrentUpdate)
		}
		return ledger.ErrDuplicateExternalID
	}
	return fmt.Errorf("failed to write subscription: %w", err)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*ledger.Subscription, error) {
	var (
		sub                   ledger.Subscription
		externalID            *string
		status                string
		periodEnd, reconciled *time.Time
	)
	err := row.Scan(&sub.ID, &sub.UserID, &sub.PlanID, &externalID, &sub.ExternalCustomerID,
		&status, &periodEnd, &sub.CancelAtPeriodEnd, &sub.TrialEndsAt, &reconciled,
		&sub.Version, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	sub.Status = ledger.Status(status)
	if externalID != nil {
		sub.ExternalSubscriptionID = *externalID
	}
	if periodEnd != nil {
		sub.CurrentPeriodEnd = periodEnd.UTC()
	}
	if reconciled != nil {
		sub.LastReconciledEventAt = reconciled.UTC()
	}
	if sub.TrialEndsAt != nil {
		t := sub.TrialEndsAt.UTC()
		sub.TrialEndsAt = &t
	}
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return &sub, nil
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

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
