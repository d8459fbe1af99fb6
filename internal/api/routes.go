package api

import (
	"net/http"
	"webhookd/internal/health"
	"webhookd/internal/observability"
	"webhookd/internal/registry"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Registry         *registry.Registry
	Trigger          Trigger
	Metrics          *observability.Metrics
	HealthChecker    *health.Checker
	AdminToken       string
	TriggerRateLimit float64 // requests per second on the dispatch trigger, 0 disables
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Registry, cfg.Trigger, cfg.Metrics, cfg.HealthChecker)
	handler.limiter = newTriggerLimiter(cfg.TriggerRateLimit)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Dispatch trigger - authorized and rate limited by the handler
	mux.HandleFunc("GET /internal/webhooks/dispatch", handler.DispatchCron)
	mux.HandleFunc("POST /internal/webhooks/dispatch", handler.DispatchManual)

	// Endpoint management - admin secret required
	admin := AdminMiddleware(cfg.AdminToken)
	mux.Handle("POST /v1/webhooks/register", admin(http.HandlerFunc(handler.RegisterEndpoint)))
	mux.Handle("GET /v1/webhooks/endpoints", admin(http.HandlerFunc(handler.ListEndpoints)))
	mux.Handle("GET /v1/webhooks/endpoints/{endpointId}", admin(http.HandlerFunc(handler.GetEndpoint)))
	mux.Handle("DELETE /v1/webhooks/endpoints/{endpointId}", admin(http.HandlerFunc(handler.DeactivateEndpoint)))
	mux.Handle("POST /v1/webhooks/events", admin(http.HandlerFunc(handler.PublishEvent)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	// Server spans wrap everything so request logs carry trace ids.
	return otelhttp.NewHandler(h, "webhookd.http")
}
