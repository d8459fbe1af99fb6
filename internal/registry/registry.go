// Package registry manages webhook endpoints and publishes events into the
// outbox for every endpoint subscribed to them.
package registry

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"webhookd/internal/apperrors"
	"webhookd/internal/outbox"

	"github.com/google/uuid"
)

// secretBytes is the signing secret entropy; the secret is its hex encoding.
const secretBytes = 32

// Stores is what the registry persists to.
type Stores interface {
	outbox.Store
	outbox.EndpointStore
}

// Registry registers endpoints and fans events out to them.
type Registry struct {
	store  Stores
	logger *slog.Logger
}

// New creates a registry over store.
func New(store Stores) *Registry {
	return &Registry{
		store:  store,
		logger: slog.With("component", "registry"),
	}
}

// RegisterRequest is the input for Register.
type RegisterRequest struct {
	ClientID string   `json:"client_id"`
	URL      string   `json:"url"`
	Events   []string `json:"events,omitempty"`
}

// Registration is a newly created endpoint plus its signing secret. The
// secret is only ever returned here.
type Registration struct {
	Endpoint *outbox.Endpoint `json:"endpoint"`
	Secret   string           `json:"secret"`
}

// Register validates req, generates a signing secret and stores an active
// endpoint.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*Registration, error) {
	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" || strings.TrimSpace(req.URL) == "" {
		return nil, apperrors.Validation("client_id", "client_id and url required")
	}
	if err := validateURL(req.URL); err != nil {
		return nil, apperrors.Validation("url", err.Error())
	}

	secret, err := newSecret()
	if err != nil {
		return nil, apperrors.Internal("registry.register", err)
	}

	ep := &outbox.Endpoint{
		ID:       uuid.NewString(),
		ClientID: clientID,
		URL:      req.URL,
		Secret:   secret,
		Events:   normalizeEvents(req.Events),
		IsActive: true,
	}
	if err := r.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "Endpoint registered",
		"endpointId", ep.ID,
		"clientId", ep.ClientID,
		"events", ep.Events,
	)
	return &Registration{Endpoint: ep, Secret: secret}, nil
}

// Get returns an endpoint by id.
func (r *Registry) Get(ctx context.Context, id string) (*outbox.Endpoint, error) {
	return r.store.GetEndpoint(ctx, id)
}

// List returns a client's endpoints.
func (r *Registry) List(ctx context.Context, clientID string) ([]*outbox.Endpoint, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, apperrors.Validation("client_id", "client_id required")
	}
	endpoints, err := r.store.ListEndpoints(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if endpoints == nil {
		endpoints = []*outbox.Endpoint{}
	}
	return endpoints, nil
}

// Deactivate stops deliveries to an endpoint. Entries already queued for it
// are discarded by the next dispatch cycle.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	if err := r.store.DeactivateEndpoint(ctx, id); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "Endpoint deactivated", "endpointId", id)
	return nil
}

// PublishRequest is one upstream event for a client.
type PublishRequest struct {
	ClientID  string          `json:"client_id"`
	EventType string          `json:"event_type,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// Publish enqueues one outbox entry per active endpoint of the client that
// subscribes to the event type, and returns how many were queued. The
// payload is compacted once here; those bytes are what gets signed and sent.
func (r *Registry) Publish(ctx context.Context, req PublishRequest) (int, error) {
	if strings.TrimSpace(req.ClientID) == "" {
		return 0, apperrors.Validation("client_id", "client_id required")
	}
	if len(req.Payload) == 0 || !json.Valid(req.Payload) {
		return 0, apperrors.Validation("payload", "payload must be a JSON document")
	}

	var body bytes.Buffer
	if err := json.Compact(&body, req.Payload); err != nil {
		return 0, apperrors.Validation("payload", "payload must be a JSON document")
	}

	eventType := strings.TrimSpace(req.EventType)
	if eventType == "" {
		eventType = outbox.DefaultEventType
	}

	endpoints, err := r.store.ActiveEndpoints(ctx, req.ClientID, eventType)
	if err != nil {
		return 0, fmt.Errorf("lookup endpoints: %w", err)
	}
	if len(endpoints) == 0 {
		return 0, nil
	}

	entries := make([]*outbox.Entry, 0, len(endpoints))
	for _, ep := range endpoints {
		entries = append(entries, &outbox.Entry{
			ID:         uuid.NewString(),
			EventType:  eventType,
			Payload:    slices.Clone(body.Bytes()),
			EndpointID: ep.ID,
		})
	}
	if err := r.store.Enqueue(ctx, entries...); err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}

	r.logger.InfoContext(ctx, "Event queued",
		"clientId", req.ClientID,
		"eventType", eventType,
		"endpoints", len(entries),
	)
	return len(entries), nil
}

func newSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// normalizeEvents trims and de-duplicates event names, falling back to
// DefaultEventType when nothing is left.
func normalizeEvents(events []string) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		e = strings.TrimSpace(e)
		if e != "" && !slices.Contains(out, e) {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return []string{outbox.DefaultEventType}
	}
	return out
}

func validateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
