package billing

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mihaimyh/subledger/pkg/ledger"
)

// DispatcherConfig configures the outbox dispatcher
type DispatcherConfig struct {
	Store    ledger.Store
	Notifier Notifier

	// Interval between outbox polls. Defaults to 5s.
	Interval time.Duration

	// BatchSize is the number of pending rows read per poll. Defaults to 50.
	BatchSize int

	// MaxRetries per notification within one poll. Defaults to 3.
	MaxRetries uint64

	// InitialBackoff before the first retry. Defaults to 200ms.
	InitialBackoff time.Duration

	Logger  ledger.Logger
	Metrics Metrics
}

// Dispatcher drains the notification outbox into a Notifier
type Dispatcher struct {
	store    ledger.Store
	notifier Notifier
	cfg      DispatcherConfig
	logger   ledger.Logger
	metrics  Metrics
}

// NewDispatcher creates a dispatcher
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Store == nil || cfg.Notifier == nil {
		return nil, errors.New("billing: dispatcher needs a store and a notifier")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = &ledger.NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	return &Dispatcher{store: cfg.Store, notifier: cfg.Notifier, cfg: cfg, logger: cfg.Logger, metrics: cfg.Metrics}, nil
}

// Run polls until ctx is done
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := d.Drain(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("Outbox drain failed", ledger.Field{Key: "error", Value: err})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Drain delivers one batch of pending notifications and returns how many were sent
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	pending, err := d.store.PendingNotifications(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, n := range pending {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if err := d.deliver(ctx, n); err != nil {
			d.metrics.RecordNotificationDelivery(string(n.Kind), "failed")
			d.logger.Warn("Notification delivery failed",
				ledger.Field{Key: "notification_id", Value: n.ID},
				ledger.Field{Key: "kind", Value: string(n.Kind)},
				ledger.Field{Key: "attempts", Value: n.Attempts + 1},
				ledger.Field{Key: "error", Value: err})
			if markErr := d.store.MarkNotificationFailed(ctx, n.ID, err.Error()); markErr != nil {
				return sent, markErr
			}
			continue
		}
		if err := d.store.MarkNotificationSent(ctx, n.ID, time.Now()); err != nil {
			return sent, err
		}
		d.metrics.RecordNotificationDelivery(string(n.Kind), "sent")
		sent++
	}
	return sent, nil
}

func (d *Dispatcher) deliver(ctx context.Context, n ledger.Notification) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.InitialBackoff
	bo.MaxInterval = 10 * d.cfg.InitialBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	return backoff.Retry(func() error {
		return d.notifier.Send(ctx, n)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, d.cfg.MaxRetries), ctx))
}
