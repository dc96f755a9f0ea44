package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Event is the envelope published for every promotion lifecycle transition.
type Event struct {
	ID          uuid.UUID   `json:"id"`
	EventType   string      `json:"eventType"`
	PromotionID uuid.UUID   `json:"promotionId"`
	Actor       string      `json:"actor"`
	TS          time.Time   `json:"ts"`
	Payload     interface{} `json:"payload,omitempty"`
}

// Publisher is the subset of event publishing the orchestrator needs.
// Publishing is always best-effort: the promotion itself never fails on it.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// KafkaPublisherConfig configures the Kafka-backed publisher.
type KafkaPublisherConfig struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	// Topic is the promotion events topic.
	Topic string

	// MaxAttempts is how many times a publish is retried on transient error.
	// Defaults to 3 if <= 0.
	MaxAttempts int

	// WriteTimeout is the per-attempt timeout. Defaults to 10s if zero.
	WriteTimeout time.Duration
}

// KafkaPublisher wraps a segmentio/kafka-go Writer with retry and backoff.
// Events are keyed by promotion id so all transitions of one promotion land
// on the same partition, preserving their order.
type KafkaPublisher struct {
	writer      *kafka.Writer
	maxAttempts int
}

func NewKafkaPublisher(cfg KafkaPublisherConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})

	return &KafkaPublisher{
		writer:      w,
		maxAttempts: cfg.MaxAttempts,
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		msg := kafka.Message{
			Key:   []byte(ev.PromotionID.String()),
			Value: value,
			Time:  time.Now().UTC(),
		}
		ctxAttempt, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.writer.WriteMessages(ctxAttempt, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("publish failed after %d attempts: %w", p.maxAttempts, lastErr)
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// NopPublisher drops events. Used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, ev Event) error { return nil }
func (NopPublisher) Close() error                                { return nil }
