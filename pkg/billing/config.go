package billing

import (
	"errors"
	"time"

	"github.com/mihaimyh/subledger/pkg/ledger"
)

const (
	// DefaultTolerance is the maximum accepted age of a signed timestamp
	DefaultTolerance = 300 * time.Second

	// DefaultProcessingTimeout bounds the work done for one webhook request
	DefaultProcessingTimeout = 5 * time.Second

	// DefaultMaxBodyBytes caps webhook bodies
	DefaultMaxBodyBytes = 256 * 1024
)

// Config configures the webhook endpoint
type Config struct {
	// WebhookSecrets are the signing secrets accepted by the verifier. More than
	// one secret may be configured while a rotation is in progress.
	WebhookSecrets [][]byte

	// Tolerance is the replay window for signed timestamps.
	// Defaults to 300s.
	Tolerance time.Duration

	// ProcessingTimeout bounds claim, handler and commit for one request.
	// When exceeded the request fails with 500 and the provider redelivers.
	ProcessingTimeout time.Duration

	// MaxBodyBytes limits the request body size.
	MaxBodyBytes int64

	// RateLimitRequests and RateLimitWindow configure per-IP rate limiting.
	// The limiter runs before signature verification, so it also throttles
	// provider redeliveries. Zero RateLimitRequests (the default) disables it.
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// TrustedProxies lists the proxy IPs or CIDR prefixes whose
	// X-Forwarded-For header is honored when keying the rate limiter.
	// Without it clients are keyed by the connection's remote address.
	TrustedProxies []string

	// Livemode, when set, acknowledges events from the other environment
	// without applying them.
	Livemode *bool

	// ProviderName labels metrics. Defaults to "stripe".
	ProviderName string

	// DedupCache is an optional fast-path cache consulted before the store
	DedupCache DedupCache

	// Logger is an optional structured logger. If nil, logs are discarded.
	Logger ledger.Logger

	// Metrics is an optional metrics collector for webhook processing.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Now is the verifier clock. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns a config with the default limits and no secrets
func DefaultConfig() Config {
	return Config{
		Tolerance:         DefaultTolerance,
		ProcessingTimeout: DefaultProcessingTimeout,
		MaxBodyBytes:      DefaultMaxBodyBytes,
		RateLimitWindow:   time.Minute,
		ProviderName:      "stripe",
	}
}

// Validate checks the config and fills zero values with defaults
func (c *Config) Validate() error {
	if len(c.WebhookSecrets) == 0 {
		return errors.New("billing: at least one webhook secret is required")
	}
	for _, s := range c.WebhookSecrets {
		if len(s) == 0 {
			return errors.New("billing: webhook secrets must not be empty")
		}
	}
	if c.Tolerance < 0 || c.ProcessingTimeout < 0 || c.MaxBodyBytes < 0 {
		return errors.New("billing: durations and limits must not be negative")
	}
	if c.RateLimitRequests > 0 && c.RateLimitWindow <= 0 {
		return errors.New("billing: rate limit window must be positive")
	}
	if c.Tolerance == 0 {
		c.Tolerance = DefaultTolerance
	}
	if c.ProcessingTimeout == 0 {
		c.ProcessingTimeout = DefaultProcessingTimeout
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.ProviderName == "" {
		c.ProviderName = "stripe"
	}
	if c.Logger == nil {
		c.Logger = &ledger.NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}
