package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/subledger/pkg/ledger"
)

// Service runs the locally initiated flows that need the provider: cancel at
// period end, cancel immediately and sync. Provider failures are returned to
// the caller for a user retry; they never touch reconciliation state.
type Service struct {
	ledger   *ledger.Ledger
	provider ProviderClient
	logger   ledger.Logger
	metrics  Metrics
}

// NewService creates a service. logger and metrics may be nil.
func NewService(l *ledger.Ledger, provider ProviderClient, logger ledger.Logger, metrics Metrics) *Service {
	if logger == nil {
		logger = &ledger.NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &Service{ledger: l, provider: provider, logger: logger, metrics: metrics}
}

// RequestCancel schedules cancellation of the user's live subscription at the
// end of the current period. The local cancelAtPeriodEnd flag is set only
// after the provider accepted the request.
func (s *Service) RequestCancel(ctx context.Context, userID string) (*ledger.Subscription, error) {
	sub, err := s.cancellable(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.CancelAtPeriodEnd {
		return sub, nil
	}
	if err := s.call(ctx, "schedule_cancellation", func(ctx context.Context) error {
		return s.provider.ScheduleCancellation(ctx, sub.ExternalSubscriptionID)
	}); err != nil {
		return nil, err
	}
	updated, err := s.ledger.MarkCancelScheduled(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Cancellation scheduled",
		ledger.Field{Key: "user_id", Value: userID},
		ledger.Field{Key: "external_subscription_id", Value: sub.ExternalSubscriptionID})
	return updated, nil
}

// CancelImmediately cancels the user's live subscription at the provider and
// marks the row canceled.
func (s *Service) CancelImmediately(ctx context.Context, userID string) (*ledger.Subscription, error) {
	sub, err := s.cancellable(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.call(ctx, "cancel_immediately", func(ctx context.Context) error {
		return s.provider.CancelImmediately(ctx, sub.ExternalSubscriptionID)
	}); err != nil {
		return nil, err
	}
	updated, err := s.ledger.MarkCanceled(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Subscription canceled immediately",
		ledger.Field{Key: "user_id", Value: userID},
		ledger.Field{Key: "external_subscription_id", Value: sub.ExternalSubscriptionID})
	return updated, nil
}

// SyncUser overwrites the user's newest non-canceled subscription with the
// provider's current state.
func (s *Service) SyncUser(ctx context.Context, userID string) (sub *ledger.Subscription, err error) {
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		s.metrics.RecordUserSync(s.providerName(), status)
		s.metrics.RecordUserSyncDuration(s.providerName(), time.Since(start))
	}()

	if s.provider == nil {
		return nil, ErrProviderNotConfigured
	}
	history, err := s.ledger.History(ctx, userID)
	if err != nil {
		return nil, err
	}
	var target *ledger.Subscription
	for i := range history {
		if !history[i].Status.IsTerminal() && history[i].ExternalSubscriptionID != "" {
			target = &history[i]
			break
		}
	}
	if target == nil {
		return nil, ledger.ErrNoLiveSubscription
	}

	var ps *ProviderSubscription
	if err := s.call(ctx, "retrieve_subscription", func(ctx context.Context) error {
		var err error
		ps, err = s.provider.RetrieveSubscription(ctx, target.ExternalSubscriptionID)
		return err
	}); err != nil {
		return nil, err
	}
	snap, err := ps.Snapshot()
	if err != nil {
		return nil, err
	}
	return s.ledger.Resync(ctx, target.ID, snap)
}

func (s *Service) cancellable(ctx context.Context, userID string) (*ledger.Subscription, error) {
	if s.provider == nil {
		return nil, ErrProviderNotConfigured
	}
	sub, err := s.ledger.Current(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.ExternalSubscriptionID == "" {
		return nil, ledger.ErrNoExternalSubscription
	}
	return sub, nil
}

func (s *Service) call(ctx context.Context, endpoint string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordAPICall(s.providerName(), endpoint, status)
	s.metrics.RecordAPICallDuration(s.providerName(), endpoint, time.Since(start))
	if err == nil {
		return nil
	}
	s.logger.Warn("Billing provider call failed",
		ledger.Field{Key: "endpoint", Value: endpoint}, ledger.Field{Key: "error", Value: err})
	if errors.Is(err, ErrProviderSubscriptionNotFound) || errors.Is(err, ErrProviderAPIError) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrProviderAPIError, err)
}

func (s *Service) providerName() string {
	if s.provider == nil {
		return "none"
	}
	return s.provider.Name()
}
