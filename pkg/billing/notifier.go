package billing

import (
	"context"

	"github.com/mihaimyh/subledger/pkg/ledger"
)

// Notifier delivers outbox notifications. Delivery is at least once; transports
// should forward n.IdempotencyKey so consumers can drop repeats.
type Notifier interface {
	Send(ctx context.Context, n ledger.Notification) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, n ledger.Notification) error

func (f NotifierFunc) Send(ctx context.Context, n ledger.Notification) error {
	return f(ctx, n)
}

// LogNotifier writes notifications to a logger. Useful in development.
type LogNotifier struct {
	Logger ledger.Logger
}

func (l *LogNotifier) Send(_ context.Context, n ledger.Notification) error {
	l.Logger.Info("Notification",
		ledger.Field{Key: "kind", Value: string(n.Kind)},
		ledger.Field{Key: "user_id", Value: n.UserID},
		ledger.Field{Key: "subscription_id", Value: n.SubscriptionID},
		ledger.Field{Key: "idempotency_key", Value: n.IdempotencyKey})
	return nil
}
