// Package kafkanotifier publishes outbox notifications to a Kafka topic.
package kafkanotifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mihaimyh/subledger/pkg/billing"
	"github.com/mihaimyh/subledger/pkg/ledger"
)

// HeaderIdempotencyKey carries the notification idempotency key
const HeaderIdempotencyKey = "idempotency-key"

// Config configures the Kafka notifier
type Config struct {
	Brokers []string

	// Topic receives every notification (default: "subledger.notifications")
	Topic string

	// WriteTimeout bounds one publish (default: 10s)
	WriteTimeout time.Duration

	Logger ledger.Logger
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Notifier implements billing.Notifier over a kafka.Writer.
// Messages are keyed by subscription id so one subscription's notifications
// stay on one partition.
type Notifier struct {
	writer  messageWriter
	timeout time.Duration
	logger  ledger.Logger
}

var _ billing.Notifier = (*Notifier)(nil)

// Message is the JSON value written for each notification
type Message struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	UserID         string    `json:"userId"`
	SubscriptionID string    `json:"subscriptionId"`
	EventID        string    `json:"eventId"`
	IdempotencyKey string    `json:"idempotencyKey"`
	CreatedAt      time.Time `json:"createdAt"`
}

// New creates a Kafka notifier
func New(config Config) (*Notifier, error) {
	if len(config.Brokers) == 0 {
		return nil, errors.New("kafka brokers are not configured")
	}
	if config.Topic == "" {
		config.Topic = "subledger.notifications"
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newNotifier(w, config), nil
}

func newNotifier(w messageWriter, config Config) *Notifier {
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &ledger.NoopLogger{}
	}
	return &Notifier{writer: w, timeout: config.WriteTimeout, logger: config.Logger}
}

// Send implements billing.Notifier
func (k *Notifier) Send(ctx context.Context, n ledger.Notification) error {
	value, err := json.Marshal(Message{
		ID:             n.ID,
		Kind:           string(n.Kind),
		UserID:         n.UserID,
		SubscriptionID: n.SubscriptionID,
		EventID:        n.EventID,
		IdempotencyKey: n.IdempotencyKey,
		CreatedAt:      n.CreatedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("kafka: failed to marshal notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.SubscriptionID),
		Value: value,
		Headers: []kafka.Header{
			{Key: HeaderIdempotencyKey, Value: []byte(n.IdempotencyKey)},
		},
		Time: n.CreatedAt,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("kafka: write timeout: %w", err)
		}
		return fmt.Errorf("kafka: failed to write message: %w", err)
	}

	k.logger.Debug("Published notification",
		ledger.Field{Key: "kind", Value: string(n.Kind)},
		ledger.Field{Key: "idempotency_key", Value: n.IdempotencyKey})
	return nil
}

// Close flushes and closes the writer
func (k *Notifier) Close() error {
	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close writer: %w", err)
	}
	return nil
}
