// Package kafka announces persisted result batches on a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/pagefleet/internal/crawler"
)

// MessageWriter abstracts kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config selects the brokers and topic.
type Config struct {
	Brokers []string
	Topic   string
}

// Publisher writes one message per batch, keyed by job id.
type Publisher struct {
	writer MessageWriter
	now    func() time.Time
}

// New builds a Publisher backed by a kafka.Writer.
func New(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	return NewWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: false,
	}), nil
}

// NewWithWriter wraps an existing writer (primarily for testing).
func NewWithWriter(writer MessageWriter) *Publisher {
	return &Publisher{writer: writer, now: func() time.Time { return time.Now().UTC() }}
}

// Notify publishes the batch summary.
func (p *Publisher) Notify(ctx context.Context, batch crawler.ResultBatch) error {
	payload, err := json.Marshal(batch.Summary())
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(batch.JobID),
		Value: payload,
		Time:  p.now(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
