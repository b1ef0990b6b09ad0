package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/subledger/pkg/billing/internal"
	"github.com/mihaimyh/subledger/pkg/ledger"
)

// WebhookPath is the conventional mount point of the endpoint
const WebhookPath = "/webhooks/billing"

// DedupCache is a fast-path record of processed event ids. It is advisory:
// the store's claim stays authoritative, so a cache miss or error only costs
// a transaction.
type DedupCache interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Remember(ctx context.Context, eventID string) error
}

// Endpoint is the webhook HTTP handler: verify, dedup, route, apply, ack
type Endpoint struct {
	verifier *Verifier
	router   *Router
	ledger   *ledger.Ledger
	cache    DedupCache
	limiter  *internal.RateLimiter
	logger   ledger.Logger
	metrics  Metrics
	provider string
	timeout  time.Duration
	maxBody  int64
	livemode *bool
}

// NewEndpoint creates the webhook endpoint
func NewEndpoint(cfg Config, l *ledger.Ledger, router *Router) (*Endpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if l == nil || router == nil {
		return nil, errors.New("billing: ledger and router are required")
	}
	e := &Endpoint{
		verifier: NewVerifier(cfg.WebhookSecrets, cfg.Tolerance, cfg.Now),
		router:   router,
		ledger:   l,
		cache:    cfg.DedupCache,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		provider: cfg.ProviderName,
		timeout:  cfg.ProcessingTimeout,
		maxBody:  cfg.MaxBodyBytes,
		livemode: cfg.Livemode,
	}
	if cfg.RateLimitRequests > 0 {
		trusted, err := internal.ParseTrustedProxies(cfg.TrustedProxies)
		if err != nil {
			return nil, fmt.Errorf("billing: %w", err)
		}
		e.limiter = internal.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow, trusted)
	}
	return e, nil
}

// Handler returns the endpoint wrapped with the rate limiter when configured
func (e *Endpoint) Handler() http.Handler {
	if e.limiter == nil {
		return e
	}
	return e.limiter.Middleware(e)
}

// ServeHTTP implements http.Handler
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		_ = internal.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := internal.ReadBodyStrict(w, r, e.maxBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			e.reject(w, http.StatusRequestEntityTooLarge, "payload too large", "payload_too_large", err)
			return
		}
		e.reject(w, http.StatusBadRequest, "invalid payload", "invalid_payload", err)
		return
	}

	ev, err := e.verifier.Verify(body, r.Header.Get(SignatureHeader))
	switch {
	case errors.Is(err, ErrInvalidPayload):
		e.reject(w, http.StatusBadRequest, "invalid payload", "invalid_payload", err)
		return
	case errors.Is(err, ErrExpiredTimestamp):
		e.reject(w, http.StatusBadRequest, "invalid signature", "expired_timestamp", err)
		return
	case err != nil:
		e.reject(w, http.StatusBadRequest, "invalid signature", "invalid_signature", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), e.timeout)
	defer cancel()

	outcome, err := e.process(ctx, ev)
	e.metrics.RecordWebhookProcessingDuration(e.provider, ev.RawType, time.Since(start))
	if err != nil {
		fields := []ledger.Field{
			{Key: "event_id", Value: ev.ID},
			{Key: "event_type", Value: ev.RawType},
			{Key: "error", Value: err},
			{Key: "payload", Value: ev.Raw},
		}
		if IsPermanent(err) {
			// acked: redelivering a malformed event cannot succeed
			e.logger.Error("Webhook handler failed permanently, acknowledging", fields...)
			e.metrics.RecordWebhookError(e.provider, "permanent_failure")
			_ = internal.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
			return
		}
		e.logger.Error("Webhook handler failed, requesting redelivery", fields...)
		e.metrics.RecordWebhookError(e.provider, "processing_error")
		_ = internal.WriteError(w, http.StatusInternalServerError, "processing failed")
		return
	}

	e.metrics.RecordWebhookEvent(e.provider, ev.RawType, string(outcome))
	_ = internal.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (e *Endpoint) process(ctx context.Context, ev *WebhookEvent) (ledger.Outcome, error) {
	fields := []ledger.Field{{Key: "event_id", Value: ev.ID}, {Key: "event_type", Value: ev.RawType}}

	if e.livemode != nil && ev.Livemode != *e.livemode {
		e.logger.Info("Webhook from other environment, ignoring", append(fields, ledger.Field{Key: "livemode", Value: ev.Livemode})...)
		return ledger.OutcomeIgnored, nil
	}

	if e.cache != nil {
		seen, err := e.cache.Seen(ctx, ev.ID)
		if err != nil {
			e.logger.Warn("Dedup cache lookup failed", append(fields, ledger.Field{Key: "error", Value: err})...)
		} else if seen {
			e.logger.Debug("Duplicate webhook (cache)", fields...)
			return ledger.OutcomeDuplicate, nil
		}
	}
	if done, err := e.ledger.IsProcessed(ctx, ev.ID); err != nil {
		e.logger.Warn("Processed-event lookup failed", append(fields, ledger.Field{Key: "error", Value: err})...)
	} else if done {
		e.logger.Debug("Duplicate webhook", fields...)
		e.remember(ctx, ev.ID)
		return ledger.OutcomeDuplicate, nil
	}

	var (
		res ledger.Result
		err error
	)
	if h, ok := e.router.Route(ev.Type); ok {
		res, err = h.Handle(ctx, ev)
	} else {
		e.logger.Info("Unhandled webhook event type", fields...)
		res, err = e.ledger.Acknowledge(ctx, ev.Ref())
	}
	if err != nil {
		return "", err
	}

	e.remember(ctx, ev.ID)
	e.logger.Info("Webhook processed", append(fields, ledger.Field{Key: "outcome", Value: string(res.Outcome)})...)
	return res.Outcome, nil
}

func (e *Endpoint) remember(ctx context.Context, eventID string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Remember(ctx, eventID); err != nil {
		e.logger.Warn("Dedup cache write failed", ledger.Field{Key: "event_id", Value: eventID}, ledger.Field{Key: "error", Value: err})
	}
}

func (e *Endpoint) reject(w http.ResponseWriter, code int, msg, errorType string, err error) {
	e.logger.Warn("Webhook rejected", ledger.Field{Key: "reason", Value: errorType}, ledger.Field{Key: "error", Value: err})
	e.metrics.RecordWebhookError(e.provider, errorType)
	_ = internal.WriteError(w, code, msg)
}
