package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// MaxAttempts is how many times a publish is tried. Defaults to 3.
	MaxAttempts  int
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes execution ids keyed by id, so redeliveries of the same
// execution land on one partition.
type KafkaPublisher struct {
	writer      messageWriter
	maxAttempts int
	retryDelay  time.Duration
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaPublisher(w, cfg.MaxAttempts), nil
}

func newKafkaPublisher(w messageWriter, maxAttempts int) *KafkaPublisher {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &KafkaPublisher{writer: w, maxAttempts: maxAttempts, retryDelay: 100 * time.Millisecond}
}

func (p *KafkaPublisher) Publish(ctx context.Context, executionID uuid.UUID) error {
	var lastErr error
	delay := p.retryDelay
	id := []byte(executionID.String())
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.writer.WriteMessages(attemptCtx, kafka.Message{Key: id, Value: id, Time: time.Now().UTC()})
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay < 2*time.Second {
			delay *= 2
		}
	}
	return fmt.Errorf("kafka publish failed after %d attempts: %w", p.maxAttempts, lastErr)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaConsumer reads ids as part of a consumer group. Offsets are committed on
// Ack, so an id whose handler never acked is redelivered after a restart.
type KafkaConsumer struct {
	reader messageReader
}

func NewKafkaConsumer(cfg KafkaConfig) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "promptledger-runner"
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 1 << 20,
		MaxWait:  time.Second,
	})
	return &KafkaConsumer{reader: r}, nil
}

func (c *KafkaConsumer) Receive(ctx context.Context) (Delivery, error) {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Delivery{}, ctx.Err()
			}
			return Delivery{}, fmt.Errorf("kafka fetch: %w", err)
		}
		id, err := uuid.ParseBytes(msg.Value)
		if err != nil {
			// Unreadable payloads are skipped so they do not block the partition.
			if cerr := c.reader.CommitMessages(ctx, msg); cerr != nil {
				return Delivery{}, fmt.Errorf("kafka commit: %w", cerr)
			}
			continue
		}
		return NewDelivery(id, func(ctx context.Context) error {
			return c.reader.CommitMessages(ctx, msg)
		}), nil
	}
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
