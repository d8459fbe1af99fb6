package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds application metrics covering the golden 4 signals:
// - Latency: request, delivery and cycle durations
// - Traffic: requests, deliveries and triggers
// - Errors: HTTP errors and failed/abandoned deliveries
// - Saturation: outbox depth
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Delivery metrics (Latency, Traffic, Errors)
	DeliveryDuration metric.Float64Histogram
	DeliveriesTotal  metric.Int64Counter

	// Cycle metrics
	CycleDuration metric.Float64Histogram
	CycleClaimed  metric.Int64Counter
	TriggersTotal metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("webhookd")
	m := &Metrics{meter: meter}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DeliveryDuration, err = meter.Float64Histogram(
		"webhook_delivery_duration_seconds",
		metric.WithDescription("Webhook delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DeliveriesTotal, err = meter.Int64Counter(
		"webhook_deliveries_total",
		metric.WithDescription("Claimed outbox entries by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CycleDuration, err = meter.Float64Histogram(
		"dispatch_cycle_duration_seconds",
		metric.WithDescription("Dispatch cycle duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CycleClaimed, err = meter.Int64Counter(
		"dispatch_claimed_total",
		metric.WithDescription("Total outbox entries claimed by dispatch cycles"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TriggersTotal, err = meter.Int64Counter(
		"dispatch_triggers_total",
		metric.WithDescription("Dispatch triggers by source and result"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordDelivery records the outcome of one claimed entry. Duration is only
// recorded for entries that were actually attempted.
func (m *Metrics) RecordDelivery(ctx context.Context, outcome string, durationSeconds float64) {
	attrs := metric.WithAttributes(outcomeAttr(outcome))
	m.DeliveriesTotal.Add(ctx, 1, attrs)
	if durationSeconds > 0 {
		m.DeliveryDuration.Record(ctx, durationSeconds, attrs)
	}
}

// RecordCycle records one completed dispatch cycle.
func (m *Metrics) RecordCycle(ctx context.Context, claimed int, durationSeconds float64) {
	m.CycleDuration.Record(ctx, durationSeconds)
	m.CycleClaimed.Add(ctx, int64(claimed))
}

// RecordTrigger records a dispatch trigger and how it ended
// (ok, skipped, unauthorized, limited, error).
func (m *Metrics) RecordTrigger(ctx context.Context, source, result string) {
	m.TriggersTotal.Add(ctx, 1, metric.WithAttributes(sourceAttr(source), resultAttr(result)))
}

// ObserveQueueDepth exports the outbox depth as a gauge read on each scrape.
func (m *Metrics) ObserveQueueDepth(depth func(ctx context.Context) (int64, error)) error {
	_, err := m.meter.Int64ObservableGauge(
		"webhook_outbox_depth",
		metric.WithDescription("Entries waiting in the webhook outbox (saturation)"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := depth(ctx)
			if err != nil {
				return err
			}
			o.Observe(n)
			return nil
		}),
	)
	return err
}
