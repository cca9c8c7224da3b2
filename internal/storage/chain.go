// Package storage fans a result batch out to the primary sink, optional
// mirrors and notifiers.
package storage

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagefleet/internal/crawler"
	"github.com/JakeFAU/pagefleet/internal/metrics"
	"github.com/JakeFAU/pagefleet/internal/telemetry"
)

type namedSink struct {
	name string
	sink crawler.ResultSink
}

type namedNotifier struct {
	name     string
	notifier crawler.Notifier
}

// Chain writes to the primary sink first. Mirrors and notifiers run only when
// the primary write succeeded; their failures are logged, not returned.
type Chain struct {
	primary   namedSink
	mirrors   []namedSink
	notifiers []namedNotifier
	logger    *zap.Logger
}

// NewChain creates a chain around the primary sink.
func NewChain(name string, primary crawler.ResultSink, logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{primary: namedSink{name: name, sink: primary}, logger: logger}
}

// AddMirror registers a secondary sink.
func (c *Chain) AddMirror(name string, sink crawler.ResultSink) {
	c.mirrors = append(c.mirrors, namedSink{name: name, sink: sink})
}

// AddNotifier registers a notifier.
func (c *Chain) AddNotifier(name string, n crawler.Notifier) {
	c.notifiers = append(c.notifiers, namedNotifier{name: name, notifier: n})
}

// WriteBatch implements crawler.ResultSink.
func (c *Chain) WriteBatch(ctx context.Context, batch crawler.ResultBatch) error {
	ctx, span := telemetry.Tracer().Start(ctx, "sink.write_batch", trace.WithAttributes(
		attribute.String("job_id", batch.JobID),
		attribute.String("destination", batch.Destination),
	))
	defer span.End()

	err := c.primary.sink.WriteBatch(ctx, batch)
	metrics.ObserveBatchWritten(c.primary.name, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "primary sink failed")
		return fmt.Errorf("%s sink: %w", c.primary.name, err)
	}

	for _, m := range c.mirrors {
		err := m.sink.WriteBatch(ctx, batch)
		metrics.ObserveBatchWritten(m.name, err)
		if err != nil {
			c.logger.Warn("mirror write failed", zap.String("sink", m.name), zap.String("job_id", batch.JobID), zap.Error(err))
		}
	}
	for _, n := range c.notifiers {
		err := n.notifier.Notify(ctx, batch)
		metrics.ObserveBatchWritten(n.name, err)
		if err != nil {
			c.logger.Warn("notify failed", zap.String("notifier", n.name), zap.String("job_id", batch.JobID), zap.Error(err))
		}
	}
	return nil
}
