// Package pubsub announces persisted result batches on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/pagefleet/internal/crawler"
)

type publishFunc func(ctx context.Context, msg *pubsub.Message) (string, error)

// Publisher sends one message per batch to a topic.
type Publisher struct {
	publish publishFunc
}

// New creates a Publisher for the provided topic.
func New(topic *pubsub.Topic) *Publisher {
	if topic == nil {
		return &Publisher{}
	}
	return &Publisher{publish: func(ctx context.Context, msg *pubsub.Message) (string, error) {
		return topic.Publish(ctx, msg).Get(ctx)
	}}
}

// Notify marshals the batch summary to JSON and publishes it. The job id is
// carried as an attribute so subscribers can filter without decoding.
func (p *Publisher) Notify(ctx context.Context, batch crawler.ResultBatch) error {
	if p.publish == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(batch.Summary())
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data}
	msg.Attributes = map[string]string{"job_id": batch.JobID}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	if _, err := p.publish(ctx, msg); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
