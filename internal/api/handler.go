// Package api provides the HTTP API handlers and routing for webhookd.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"webhookd/internal/apperrors"
	"webhookd/internal/dispatcher"
	"webhookd/internal/gate"
	"webhookd/internal/health"
	"webhookd/internal/observability"
	"webhookd/internal/registry"

	"golang.org/x/time/rate"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Trigger checks dispatch credentials and runs cycles. Implemented by
// *gate.Gate.
type Trigger interface {
	Authorize(creds gate.Credentials) error
	Run(ctx context.Context, source gate.Source) (dispatcher.Result, error)
}

// Handler contains HTTP handlers for the webhook API
type Handler struct {
	registry *registry.Registry
	trigger  Trigger
	metrics  *observability.Metrics
	health   *health.Checker
	limiter  *rate.Limiter // authorized dispatch triggers; nil disables
}

// newTriggerLimiter returns a token bucket for perSecond triggers, or nil
// when perSecond is not positive.
func newTriggerLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), max(1, int(perSecond)))
}

// NewHandler creates a new API handler
func NewHandler(reg *registry.Registry, trigger Trigger, metrics *observability.Metrics, healthChecker *health.Checker) *Handler {
	return &Handler{
		registry: reg,
		trigger:  trigger,
		metrics:  metrics,
		health:   healthChecker,
	}
}

// DispatchCron handles GET /internal/webhooks/dispatch
func (h *Handler) DispatchCron(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, gate.SourceCron)
}

// DispatchManual handles POST /internal/webhooks/dispatch
func (h *Handler) DispatchManual(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, gate.SourceManual)
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, source gate.Source) {
	creds := gate.Credentials{
		Cron:  r.Header.Get(CronSecretHeader),
		Admin: r.Header.Get(AdminSecretHeader),
	}

	// Only authorized callers spend rate limit tokens, so anonymous
	// traffic cannot starve the scheduler.
	if err := h.trigger.Authorize(creds); err != nil {
		slog.WarnContext(r.Context(), "Rejected dispatch trigger", "source", source)
		h.recordTrigger(r.Context(), source, "unauthorized")
		h.writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if h.limiter != nil && !h.limiter.Allow() {
		h.recordTrigger(r.Context(), source, "limited")
		w.Header().Set("Retry-After", "1")
		h.writeError(w, http.StatusTooManyRequests, "Too many requests")
		return
	}

	result, err := h.trigger.Run(r.Context(), source)
	switch {
	case err != nil:
		h.recordTrigger(r.Context(), source, "error")
		slog.ErrorContext(r.Context(), "Dispatch failed", "source", source, "error", err)
		// Internal detail stays in the log.
		h.writeError(w, http.StatusInternalServerError, "Dispatch failed")
	default:
		outcome := "ok"
		if result.Skipped {
			outcome = "skipped"
		}
		h.recordTrigger(r.Context(), source, outcome)
		h.writeJSON(w, http.StatusOK, result)
	}
}

// RegisterEndpoint handles POST /v1/webhooks/register
func (h *Handler) RegisterEndpoint(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req registry.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	reg, err := h.registry.Register(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, reg)
}

// ListEndpoints handles GET /v1/webhooks/endpoints?client_id=
func (h *Handler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints, err := h.registry.List(r.Context(), r.URL.Query().Get("client_id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"endpoints": endpoints})
}

// GetEndpoint handles GET /v1/webhooks/endpoints/{endpointId}
func (h *Handler) GetEndpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("endpointId")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "Endpoint ID is required")
		return
	}

	ep, err := h.registry.Get(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, ep)
}

// DeactivateEndpoint handles DELETE /v1/webhooks/endpoints/{endpointId}
func (h *Handler) DeactivateEndpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("endpointId")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "Endpoint ID is required")
		return
	}

	if err := h.registry.Deactivate(r.Context(), id); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PublishEvent handles POST /v1/webhooks/events
func (h *Handler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req registry.PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	queued, err := h.registry.Publish(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]int{"queued": queued})
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if a required dependency (the outbox store) is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsServing() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

func (h *Handler) recordTrigger(ctx context.Context, source gate.Source, result string) {
	if h.metrics != nil {
		h.metrics.RecordTrigger(ctx, string(source), result)
	}
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, apperrors.PublicMessage(err))
}
