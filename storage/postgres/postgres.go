// Package postgres provides a PostgreSQL implementation of ledger.Store.
// Event claims use the processed_events primary key inside the mutation
// transaction, rows are read with SELECT FOR UPDATE, and a partial unique
// index enforces a single live subscription per user.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/subledger/pkg/ledger"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"

	liveIndex = "subscriptions_one_live_per_user"
)

// Store implements ledger.Store using PostgreSQL
type Store struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

var _ ledger.Store = (*Store)(nil)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies the embedded schema on New
	AutoMigrate bool

	// TxRetries is how often a transaction is retried after a serialization
	// failure or deadlock
	TxRetries int

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	RecordTTL       time.Duration // Retention of processed-event records

	// Logger is an optional structured logger. If nil, logs are discarded.
	Logger ledger.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
		TxRetries:       3,
		CleanupEnabled:  true,
		CleanupInterval: 1 * time.Hour,
		RecordTTL:       30 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL store
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Logger == nil {
		config.Logger = &ledger.NoopLogger{}
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if config.AutoMigrate {
		if err := Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Store{pool: pool, config: config, stopCleanup: cancel}
	if config.CleanupEnabled && config.CleanupInterval > 0 && config.RecordTTL > 0 {
		go s.startCleanup(cleanupCtx)
	}
	return s, nil
}

// Pool exposes the connection pool, e.g. for a PlanCatalog on the same database
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Store) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RunInTx implements ledger.Store. fn is retried on serialization failures
// and deadlocks.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	var err error
	for attempt := 0; attempt <= s.config.TxRetries; attempt++ {
		if err = s.runOnce(ctx, fn); !retryable(err) {
			return err
		}
		s.config.Logger.Debug("Retrying transaction", ledger.Field{Key: "attempt", Value: attempt + 1}, ledger.Field{Key: "error", Value: err})
	}
	return err
}

func (s *Store) runOnce(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = pgTx.Rollback(ctx)
	}()

	if err := fn(ctx, &tx{tx: pgTx}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected)
}

// GetSubscription implements ledger.Store
func (s *Store) GetSubscription(ctx context.Context, id string) (*ledger.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, selectSubscription+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrSubscriptionNotFound
	}
	return sub, err
}

// LiveSubscription implements ledger.Store
func (s *Store) LiveSubscription(ctx context.Context, userID string) (*ledger.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, selectSubscription+` WHERE user_id = $1 AND status IN ('active', 'trialing')`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNoLiveSubscription
	}
	return sub, err
}

// ListSubscriptions implements ledger.Store
func (s *Store) ListSubscriptions(ctx context.Context, userID string) ([]ledger.Subscription, error) {
	rows, err := s.pool.Query(ctx, selectSubscription+` WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

// IsProcessed implements ledger.Store
func (s *Store) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return exists, nil
}

// CountByStatus implements ledger.Store
func (s *Store) CountByStatus(ctx context.Context) (map[ledger.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM subscriptions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count subscriptions: %w", err)
	}
	defer rows.Close()

	counts := make(map[ledger.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[ledger.Status(status)] = n
	}
	return counts, rows.Err()
}

// PendingNotifications implements ledger.Store
func (s *Store) PendingNotifications(ctx context.Context, limit int) ([]ledger.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, user_id, subscription_id, event_id, idempotency_key, attempts, last_error, created_at, sent_at
			FROM notifications WHERE sent_at IS NULL
			ORDER BY created_at, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}
	defer rows.Close()

	var out []ledger.Notification
	for rows.Next() {
		var n ledger.Notification
		var kind string
		if err := rows.Scan(&n.ID, &kind, &n.UserID, &n.SubscriptionID, &n.EventID,
			&n.IdempotencyKey, &n.Attempts, &n.LastError, &n.CreatedAt, &n.SentAt); err != nil {
			return nil, err
		}
		n.Kind = ledger.NotificationKind(kind)
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationSent implements ledger.Store
func (s *Store) MarkNotificationSent(ctx context.Context, id string, sentAt time.Time) error {
	return s.updateNotification(ctx,
		`UPDATE notifications SET sent_at = $2, attempts = attempts + 1, last_error = '' WHERE id = $1`,
		id, sentAt.UTC())
}

// MarkNotificationFailed implements ledger.Store
func (s *Store) MarkNotificationFailed(ctx context.Context, id string, cause string) error {
	return s.updateNotification(ctx,
		`UPDATE notifications SET attempts = attempts + 1, last_error = $2 WHERE id = $1`,
		id, cause)
}

func (s *Store) updateNotification(ctx context.Context, sql, id string, arg interface{}) error {
	tag, err := s.pool.Exec(ctx, sql, id, arg)
	if err != nil {
		return fmt.Errorf("failed to update notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notification %s not found", id)
	}
	return nil
}

// PruneProcessedEvents implements ledger.Store
func (s *Store) PruneProcessedEvents(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM processed_events WHERE processed_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune processed events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// startCleanup runs periodic pruning of processed-event records.
// Uses a dedicated context that is canceled via Close().
func (s *Store) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Cleanup(ctx); err != nil && ctx.Err() == nil {
				s.config.Logger.Warn("Processed-event cleanup failed", ledger.Field{Key: "error", Value: err})
			}
		}
	}
}

// Cleanup deletes processed-event records older than RecordTTL
func (s *Store) Cleanup(ctx context.Context) error {
	n, err := s.PruneProcessedEvents(ctx, time.Now().Add(-s.config.RecordTTL))
	if err != nil {
		return err
	}
	if n > 0 {
		s.config.Logger.Info("Pruned processed events", ledger.Field{Key: "count", Value: n})
	}
	return nil
}
