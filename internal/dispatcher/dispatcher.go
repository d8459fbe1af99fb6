// Package dispatcher drains the webhook outbox. Each cycle claims due
// entries, signs and posts them, and records the outcome of every attempt.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"
	"webhookd/internal/outbox"
	"webhookd/pkg/backoff"
	"webhookd/pkg/circuitbreaker"
	"webhookd/pkg/webhook"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "webhookd/dispatcher"

// Outcome is what happened to one claimed entry in a cycle.
type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeFailed    Outcome = "failed"    // rescheduled
	OutcomeAbandoned Outcome = "abandoned" // retired after MaxAttempts
	OutcomeDiscarded Outcome = "discarded" // endpoint missing or inactive
	OutcomeReleased  Outcome = "released"  // host breaker open or cycle cancelled
)

// Result summarises one dispatch cycle.
type Result struct {
	Sent      int  `json:"sent"`
	Failed    int  `json:"failed"`
	Abandoned int  `json:"abandoned"`
	Discarded int  `json:"discarded"`
	Released  int  `json:"released"`
	Skipped   bool `json:"skipped,omitempty"`
}

// Claimed is the number of entries the cycle handled.
func (r Result) Claimed() int {
	return r.Sent + r.Failed + r.Abandoned + r.Discarded + r.Released
}

func (r *Result) count(o Outcome) {
	switch o {
	case OutcomeSent:
		r.Sent++
	case OutcomeFailed:
		r.Failed++
	case OutcomeAbandoned:
		r.Abandoned++
	case OutcomeDiscarded:
		r.Discarded++
	case OutcomeReleased:
		r.Released++
	}
}

func (r *Result) merge(o Result) {
	r.Sent += o.Sent
	r.Failed += o.Failed
	r.Abandoned += o.Abandoned
	r.Discarded += o.Discarded
	r.Released += o.Released
}

// MetricsRecorder is an optional interface for recording dispatch metrics.
type MetricsRecorder interface {
	RecordDelivery(ctx context.Context, outcome string, durationSeconds float64)
	RecordCycle(ctx context.Context, claimed int, durationSeconds float64)
}

// Dispatcher runs dispatch cycles against an outbox store. It keeps no
// state between cycles.
type Dispatcher struct {
	store   outbox.Store
	sender  *webhook.Sender
	config  Config
	logger  *slog.Logger
	metrics MetricsRecorder
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics records per-delivery and per-cycle metrics.
func WithMetrics(m MetricsRecorder) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) {
		d.tracer = tp.Tracer(tracerName)
	}
}

// WithClock overrides the clock used for signature timestamps and retry
// scheduling.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// New creates a dispatcher over store.
func New(store outbox.Store, cfg Config, opts ...Option) *Dispatcher {
	cfg = cfg.withDefaults()

	d := &Dispatcher{
		store:  store,
		sender: webhook.NewSender(cfg.HTTPTimeout),
		config: cfg,
		logger: slog.With("component", "dispatcher"),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RunCycle claims up to BatchLimit due entries and attempts each once.
// Only a failed claim aborts the cycle; per-entry store errors are logged.
func (d *Dispatcher) RunCycle(ctx context.Context) (Result, error) {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "dispatch.cycle")
	defer span.End()

	claimed, err := d.store.FetchDue(ctx, d.config.BatchLimit, d.config.Lease)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch due entries")
		return Result{}, fmt.Errorf("fetch due entries: %w", err)
	}

	var result Result
	if len(claimed) > 0 {
		result = d.deliverAll(ctx, claimed)
		d.logger.InfoContext(ctx, "Dispatch cycle complete",
			"claimed", len(claimed),
			"sent", result.Sent,
			"failed", result.Failed,
			"abandoned", result.Abandoned,
			"discarded", result.Discarded,
			"released", result.Released,
			"duration", time.Since(start),
		)
	}

	span.SetAttributes(
		attribute.Int("dispatch.claimed", len(claimed)),
		attribute.Int("dispatch.sent", result.Sent),
		attribute.Int("dispatch.failed", result.Failed),
	)
	if d.metrics != nil {
		d.metrics.RecordCycle(ctx, len(claimed), time.Since(start).Seconds())
	}
	return result, nil
}

// deliverAll runs endpoint groups concurrently, entries within a group in
// claim order.
func (d *Dispatcher) deliverAll(ctx context.Context, claimed []outbox.Claimed) Result {
	breakers := circuitbreaker.NewRegistry(d.config.BreakerThreshold)

	var (
		mu    sync.Mutex
		total Result
		g     errgroup.Group
	)
	g.SetLimit(d.config.Concurrency)

	for _, group := range groupByEndpoint(claimed) {
		g.Go(func() error {
			var r Result
			for _, c := range group {
				r.count(d.deliver(ctx, c, breakers))
			}
			mu.Lock()
			total.merge(r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if open := breakers.OpenKeys(); len(open) > 0 {
		d.logger.WarnContext(ctx, "Hosts tripped breaker this cycle", "hosts", open)
	}
	return total
}

// deliver attempts one entry and resolves it in the store.
func (d *Dispatcher) deliver(ctx context.Context, c outbox.Claimed, breakers *circuitbreaker.Registry) Outcome {
	// Outcomes are persisted even when the cycle is being cancelled.
	storeCtx := context.WithoutCancel(ctx)
	logger := d.logger.With("entryId", c.ID, "endpointId", c.EndpointID)

	if c.Endpoint == nil || !c.Endpoint.IsActive {
		if err := d.store.Remove(storeCtx, c.ID); err != nil {
			logger.ErrorContext(ctx, "Failed to remove entry", "error", err)
		}
		logger.InfoContext(ctx, "Discarded entry for missing or inactive endpoint")
		d.recordDelivery(ctx, OutcomeDiscarded, 0)
		return OutcomeDiscarded
	}

	breaker := breakers.Get(extractHost(c.Endpoint.URL))
	if ctx.Err() != nil || !breaker.Allow() {
		if err := d.store.Release(storeCtx, c.ID); err != nil {
			logger.ErrorContext(ctx, "Failed to release entry", "error", err)
		}
		d.recordDelivery(ctx, OutcomeReleased, 0)
		return OutcomeReleased
	}

	eventType := c.EventType
	if eventType == "" {
		eventType = outbox.DefaultEventType
	}

	ctx, span := d.tracer.Start(ctx, "webhook.deliver", trace.WithAttributes(
		attribute.String("webhook.entry_id", c.ID),
		attribute.String("webhook.endpoint_id", c.EndpointID),
		attribute.String("webhook.event_type", eventType),
		attribute.Int("webhook.attempt", c.Attempts+1),
	))
	defer span.End()

	start := time.Now()
	err := d.send(ctx, c, eventType)
	elapsed := time.Since(start).Seconds()

	// A cycle cancelled mid-request says nothing about the receiver: the
	// entry goes back as it was, without charging an attempt or the breaker.
	if err != nil && ctx.Err() != nil {
		if err := d.store.Release(storeCtx, c.ID); err != nil {
			logger.ErrorContext(ctx, "Failed to release entry", "error", err)
		}
		logger.InfoContext(ctx, "Delivery interrupted by cancellation, released", "error", err)
		d.recordDelivery(ctx, OutcomeReleased, elapsed)
		return OutcomeReleased
	}

	if err == nil {
		breaker.RecordSuccess()
		if err := d.store.Remove(storeCtx, c.ID); err != nil {
			logger.ErrorContext(ctx, "Failed to remove delivered entry", "error", err)
		}
		d.recordDelivery(ctx, OutcomeSent, elapsed)
		return OutcomeSent
	}

	breaker.RecordFailure()
	span.RecordError(err)
	span.SetStatus(codes.Error, "delivery failed")
	var httpErr *webhook.HTTPError
	if errors.As(err, &httpErr) {
		span.SetAttributes(attribute.Int("http.response.status_code", httpErr.StatusCode))
	}

	attempts := c.Attempts + 1
	lastError := outbox.Truncate(err.Error())

	if attempts >= outbox.MaxAttempts {
		if err := d.store.Remove(storeCtx, c.ID); err != nil {
			logger.ErrorContext(ctx, "Failed to remove retired entry", "error", err)
		}
		logger.WarnContext(ctx, "Entry retired after max attempts",
			"eventType", eventType,
			"attempts", attempts,
			"error", lastError,
		)
		d.recordDelivery(ctx, OutcomeAbandoned, elapsed)
		return OutcomeAbandoned
	}

	next := d.now().Add(backoff.Jitter(d.config.Schedule.Delay(c.Attempts), d.config.Jitter))
	if err := d.store.RecordFailure(storeCtx, c.ID, attempts, next, lastError); err != nil {
		logger.ErrorContext(ctx, "Failed to record delivery failure", "error", err)
	}
	logger.DebugContext(ctx, "Delivery failed, rescheduled",
		"attempts", attempts,
		"nextAttemptAt", next,
		"error", lastError,
	)
	d.recordDelivery(ctx, OutcomeFailed, elapsed)
	return OutcomeFailed
}

func (d *Dispatcher) send(ctx context.Context, c outbox.Claimed, eventType string) error {
	if c.Endpoint.Secret == "" {
		return errors.New("endpoint has no signing secret")
	}

	ts := strconv.FormatInt(d.now().Unix(), 10)
	msg := &webhook.Message{
		EventType:      eventType,
		Body:           c.Payload,
		Timestamp:      ts,
		Signature:      webhook.Sign(c.Endpoint.Secret, ts, c.Payload),
		IdempotencyKey: c.ID,
		DeliveryID:     uuid.NewString(),
	}
	return d.sender.Send(ctx, c.Endpoint.URL, msg)
}

func (d *Dispatcher) recordDelivery(ctx context.Context, o Outcome, durationSeconds float64) {
	if d.metrics != nil {
		d.metrics.RecordDelivery(ctx, string(o), durationSeconds)
	}
}

// groupByEndpoint splits claimed entries per endpoint id, keeping claim
// order both across and within groups.
func groupByEndpoint(claimed []outbox.Claimed) [][]outbox.Claimed {
	index := make(map[string]int)
	var groups [][]outbox.Claimed
	for _, c := range claimed {
		i, ok := index[c.EndpointID]
		if !ok {
			i = len(groups)
			index[c.EndpointID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], c)
	}
	return groups
}

// extractHost extracts the host from a URL for circuit breaker keying.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
