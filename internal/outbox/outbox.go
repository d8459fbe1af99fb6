// Package outbox defines the durable webhook queue: entries waiting to be
// delivered, the endpoints they are delivered to, and the store contracts
// the dispatcher drains them through.
package outbox

import (
	"context"
	"encoding/json"
	"slices"
	"time"
)

const (
	// MaxAttempts bounds delivery attempts. An entry whose next failure would
	// reach this count is retired instead of rescheduled.
	MaxAttempts = 7

	// MaxErrorLength caps the stored last_error diagnostic.
	MaxErrorLength = 300

	// DefaultEventType is subscribed when a registration names no events.
	DefaultEventType = "assessment.completed"
)

// Entry is one pending delivery of an event to one endpoint.
type Entry struct {
	ID            string          `json:"id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	EndpointID    string          `json:"endpoint_id"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Endpoint is a registered delivery target. Secret is only used for signing
// and is never serialized.
type Endpoint struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Events    []string  `json:"events"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Subscribes reports whether the endpoint wants events of eventType.
func (e *Endpoint) Subscribes(eventType string) bool {
	return slices.Contains(e.Events, eventType)
}

// Claimed is an entry leased to one dispatch cycle, joined with its endpoint.
// Endpoint is nil when the referenced endpoint no longer exists.
type Claimed struct {
	Entry
	Endpoint *Endpoint
}

// Store is the durable queue drained by the dispatcher.
//
// FetchDue must be an atomic claim: entries it returns are leased for the
// given duration and are not returned to any other caller until the lease
// expires or the entry is resolved through Remove, RecordFailure or Release.
type Store interface {
	// FetchDue claims up to limit entries with next_attempt_at <= now and
	// attempts < MaxAttempts, earliest first.
	FetchDue(ctx context.Context, limit int, lease time.Duration) ([]Claimed, error)

	// Remove deletes an entry.
	Remove(ctx context.Context, id string) error

	// RecordFailure stores retry state and clears the lease.
	RecordFailure(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string) error

	// Release clears the lease without touching retry state.
	Release(ctx context.Context, id string) error

	// Enqueue appends entries.
	Enqueue(ctx context.Context, entries ...*Entry) error

	// Depth counts queued entries, leased or not.
	Depth(ctx context.Context) (int64, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}

// EndpointStore persists registered endpoints.
type EndpointStore interface {
	CreateEndpoint(ctx context.Context, ep *Endpoint) error
	// GetEndpoint returns apperrors.ErrNotFound when id is unknown.
	GetEndpoint(ctx context.Context, id string) (*Endpoint, error)
	ListEndpoints(ctx context.Context, clientID string) ([]*Endpoint, error)
	// ActiveEndpoints lists a client's active endpoints subscribed to eventType.
	ActiveEndpoints(ctx context.Context, clientID, eventType string) ([]*Endpoint, error)
	// DeactivateEndpoint marks an endpoint inactive; queued entries for it
	// are discarded by the next dispatch cycle.
	DeactivateEndpoint(ctx context.Context, id string) error
}

// Truncate shortens a diagnostic to MaxErrorLength runes.
func Truncate(s string) string {
	if len(s) <= MaxErrorLength {
		return s
	}
	r := []rune(s)
	if len(r) <= MaxErrorLength {
		return s
	}
	return string(r[:MaxErrorLength])
}
