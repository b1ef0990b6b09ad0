package billing

import (
	"crypto/hmac"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"
)

// SignatureHeader carries "t=<unix>,v1=<hex>[,v1=<hex>...]"
const SignatureHeader = "X-Signature"

// Verifier authenticates and freshness-checks webhook requests
type Verifier struct {
	secrets   [][]byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a verifier accepting any of secrets
func NewVerifier(secrets [][]byte, tolerance time.Duration, now func() time.Time) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{secrets: secrets, tolerance: tolerance, now: now}
}

// Verify checks header against body and parses the event. The checks run in
// order: header syntax, timestamp window, signature, body schema, so an
// unauthenticated body is never parsed.
func (v *Verifier) Verify(body []byte, header string) (*WebhookEvent, error) {
	ts, sigs, err := parseSignatureHeader(header)
	if err != nil {
		return nil, err
	}
	if skew := v.now().Sub(ts); skew > v.tolerance || -skew > v.tolerance {
		return nil, fmt.Errorf("%w: timestamp %d", ErrExpiredTimestamp, ts.Unix())
	}
	if !v.matches(ts, body, sigs) {
		return nil, ErrInvalidSignature
	}
	return ParseEvent(body)
}

func (v *Verifier) matches(ts time.Time, body []byte, sigs [][]byte) bool {
	for _, secret := range v.secrets {
		expected := webhook.ComputeSignature(ts, body, string(secret))
		for _, sig := range sigs {
			if hmac.Equal(expected, sig) {
				return true
			}
		}
	}
	return false
}

// Verify checks a single-secret request at the given instant
func Verify(body []byte, header string, secret []byte, tolerance time.Duration, now time.Time) (*WebhookEvent, error) {
	return NewVerifier([][]byte{secret}, tolerance, func() time.Time { return now }).Verify(body, header)
}

// Sign builds a signature header for body at t with one v1 entry per secret.
// Used for tests and for replaying captured events.
func Sign(body []byte, t time.Time, secrets ...[]byte) string {
	var b strings.Builder
	b.WriteString("t=")
	b.WriteString(strconv.FormatInt(t.Unix(), 10))
	for _, s := range secrets {
		b.WriteString(",v1=")
		b.WriteString(hex.EncodeToString(webhook.ComputeSignature(t, body, string(s))))
	}
	return b.String()
}

func parseSignatureHeader(header string) (time.Time, [][]byte, error) {
	if header == "" {
		return time.Time{}, nil, fmt.Errorf("%w: missing header", ErrInvalidSignature)
	}
	var (
		ts    time.Time
		hasTS bool
		sigs  [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return time.Time{}, nil, fmt.Errorf("%w: malformed header", ErrInvalidSignature)
		}
		switch key {
		case "t":
			unix, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return time.Time{}, nil, fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
			}
			ts, hasTS = time.Unix(unix, 0), true
		case "v1":
			sig, err := hex.DecodeString(value)
			if err != nil {
				continue
			}
			sigs = append(sigs, sig)
		}
	}
	if !hasTS {
		return time.Time{}, nil, fmt.Errorf("%w: missing timestamp", ErrInvalidSignature)
	}
	if len(sigs) == 0 {
		return time.Time{}, nil, fmt.Errorf("%w: no v1 signature", ErrInvalidSignature)
	}
	return ts, sigs, nil
}
