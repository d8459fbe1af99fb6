// Package ingest consumes upstream domain events from Kafka and publishes
// them into the webhook outbox.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"webhookd/internal/apperrors"
	"webhookd/internal/config"
	"webhookd/internal/registry"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	retryDelay    = 500 * time.Millisecond
	maxRetryDelay = 30 * time.Second
)

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher turns one event into outbox entries.
type Publisher interface {
	Publish(ctx context.Context, req registry.PublishRequest) (int, error)
}

// Deduper remembers processed messages across redeliveries.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// Consumer reads events and publishes them. Offsets are committed only after
// a message is published or rejected as malformed; a message that cannot be
// published stalls the consumer until it can.
type Consumer struct {
	reader    Reader
	publisher Publisher
	dedupe    Deduper
	logger    *slog.Logger
	tracer    trace.Tracer

	retryDelay    time.Duration
	maxRetryDelay time.Duration

	mu       sync.Mutex
	stallErr error
}

// NewConsumer creates a consumer group reader for cfg. dedupe may be nil.
func NewConsumer(cfg config.KafkaConfig, publisher Publisher, dedupe Deduper) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	})
	return NewConsumerFromReader(r, publisher, dedupe)
}

// NewConsumerFromReader wraps an existing reader.
func NewConsumerFromReader(reader Reader, publisher Publisher, dedupe Deduper) *Consumer {
	return &Consumer{
		reader:        reader,
		publisher:     publisher,
		dedupe:        dedupe,
		logger:        slog.With("component", "ingest"),
		tracer:        otel.Tracer("webhookd/ingest"),
		retryDelay:    retryDelay,
		maxRetryDelay: maxRetryDelay,
	}
}

// Run consumes until ctx is cancelled, then closes the reader. Fetch and
// publish failures are retried with backoff; the current message stays
// uncommitted until it goes through.
func (c *Consumer) Run(ctx context.Context) {
	defer c.reader.Close()
	c.logger.Info("Ingest consumer started")
	defer c.logger.Info("Ingest consumer stopped")

	for {
		msg, ok := c.fetch(ctx)
		if !ok {
			return
		}
		if !c.process(ctx, msg) {
			return
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Warn("Commit failed", "offset", msg.Offset, "error", err)
		}
	}
}

// Ping reports whether the consumer is making progress. It fails while a
// fetch or publish is being retried.
func (c *Consumer) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stallErr != nil {
		return fmt.Errorf("ingest stalled: %w", c.stallErr)
	}
	return nil
}

func (c *Consumer) fetch(ctx context.Context) (kafka.Message, bool) {
	for attempt := 0; ; attempt++ {
		msg, err := c.reader.FetchMessage(ctx)
		if err == nil {
			return msg, true
		}
		if ctx.Err() != nil {
			return kafka.Message{}, false
		}
		c.setStalled(fmt.Errorf("fetch message: %w", err))
		c.logger.WarnContext(ctx, "Fetch failed, retrying", "attempt", attempt+1, "error", err)
		if !c.wait(ctx, attempt) {
			return kafka.Message{}, false
		}
	}
}

// process handles msg until it is published or rejected. It returns false
// only when ctx is done first.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) bool {
	for attempt := 0; ; attempt++ {
		err := c.handle(ctx, msg)
		if err == nil {
			c.setStalled(nil)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		c.setStalled(err)
		c.logger.WarnContext(ctx, "Publish failed, retrying", "key", MessageKey(msg), "attempt", attempt+1, "error", err)
		if !c.wait(ctx, attempt) {
			return false
		}
	}
}

// wait sleeps before retry attempt+1, doubling from retryDelay up to
// maxRetryDelay.
func (c *Consumer) wait(ctx context.Context, attempt int) bool {
	delay := c.retryDelay << min(attempt, 16)
	if delay <= 0 || delay > c.maxRetryDelay {
		delay = c.maxRetryDelay
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Consumer) setStalled(err error) {
	c.mu.Lock()
	c.stallErr = err
	c.mu.Unlock()
}

// handle returns an error only when the message should not be committed.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	key := MessageKey(msg)
	logger := c.logger.With("key", key)

	ctx = extractHeaders(ctx, msg.Headers)
	ctx, span := c.tracer.Start(ctx, "ingest.message", trace.WithAttributes(
		attribute.String("messaging.destination.name", msg.Topic),
		attribute.Int("messaging.kafka.partition", msg.Partition),
		attribute.Int64("messaging.kafka.offset", msg.Offset),
	))
	defer span.End()

	if c.dedupe != nil {
		seen, err := c.dedupe.Seen(ctx, key)
		if err != nil {
			logger.WarnContext(ctx, "Dedupe check failed, processing anyway", "error", err)
		} else if seen {
			logger.InfoContext(ctx, "Duplicate message skipped")
			return nil
		}
	}

	var req registry.PublishRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		logger.ErrorContext(ctx, "Malformed event dropped", "error", err)
		span.SetStatus(codes.Error, "malformed event")
		return nil
	}

	queued, err := c.publisher.Publish(ctx, req)
	if err != nil {
		if errors.Is(err, apperrors.ErrValidation) {
			logger.ErrorContext(ctx, "Invalid event dropped", "error", err)
			span.SetStatus(codes.Error, "invalid event")
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return fmt.Errorf("publish %s: %w", key, err)
	}
	span.SetAttributes(attribute.Int("webhook.queued", queued))

	if c.dedupe != nil {
		if err := c.dedupe.Mark(ctx, key); err != nil {
			logger.WarnContext(ctx, "Dedupe mark failed", "error", err)
		}
	}
	logger.DebugContext(ctx, "Event published", "clientId", req.ClientID, "queued", queued)
	return nil
}

// MessageKey identifies a message by its log position.
func MessageKey(msg kafka.Message) string {
	return fmt.Sprintf("%s:%d:%d", msg.Topic, msg.Partition, msg.Offset)
}

func extractHeaders(ctx context.Context, headers []kafka.Header) context.Context {
	carrier := propagation.MapCarrier{}
	for _, h := range headers {
		carrier[h.Key] = string(h.Value)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
