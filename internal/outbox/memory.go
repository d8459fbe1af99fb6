package outbox

import (
	"context"
	"slices"
	"sync"
	"time"
	"webhookd/internal/apperrors"
)

// MemoryStore is an in-process Store and EndpointStore. State is lost on
// restart, so it backs tests and single-node development only.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]*memoryEntry
	endpoints map[string]*Endpoint
	now       func() time.Time
}

type memoryEntry struct {
	Entry
	leasedUntil time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the store's notion of now.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries:   make(map[string]*memoryEntry),
		endpoints: make(map[string]*Endpoint),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FetchDue claims due entries, earliest next_attempt_at first.
func (s *MemoryStore) FetchDue(ctx context.Context, limit int, lease time.Duration) ([]Claimed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	due := make([]*memoryEntry, 0, limit)
	for _, e := range s.entries {
		if e.Attempts >= MaxAttempts || e.NextAttemptAt.After(now) || e.leasedUntil.After(now) {
			continue
		}
		due = append(due, e)
	}

	slices.SortFunc(due, func(a, b *memoryEntry) int {
		if c := a.NextAttemptAt.Compare(b.NextAttemptAt); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]Claimed, 0, len(due))
	for _, e := range due {
		e.leasedUntil = now.Add(lease)
		c := Claimed{Entry: copyEntry(e.Entry)}
		if ep, ok := s.endpoints[e.EndpointID]; ok {
			c.Endpoint = copyEndpoint(ep)
		}
		claimed = append(claimed, c)
	}
	return claimed, nil
}

// Remove deletes an entry. Removing an unknown id is not an error.
func (s *MemoryStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

// RecordFailure stores retry state and clears the lease.
func (s *MemoryStore) RecordFailure(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return apperrors.NotFound("outbox entry", id)
	}
	e.Attempts = attempts
	e.NextAttemptAt = nextAttemptAt
	e.LastError = Truncate(lastError)
	e.leasedUntil = time.Time{}
	return nil
}

// Release clears the lease on an entry.
func (s *MemoryStore) Release(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[id]; ok {
		e.leasedUntil = time.Time{}
	}
	return nil
}

// Enqueue appends entries. Zero timestamps default to now.
func (s *MemoryStore) Enqueue(ctx context.Context, entries ...*Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, in := range entries {
		if in.ID == "" {
			return apperrors.Validation("id", "outbox entry id is required")
		}
		if _, exists := s.entries[in.ID]; exists {
			return apperrors.Conflict("outbox entry", "outbox entry "+in.ID+" already exists")
		}
		e := copyEntry(*in)
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if e.NextAttemptAt.IsZero() {
			e.NextAttemptAt = now
		}
		s.entries[e.ID] = &memoryEntry{Entry: e}
	}
	return nil
}

// Depth counts queued entries.
func (s *MemoryStore) Depth(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.entries)), nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Entry returns a copy of a queued entry, for inspection.
func (s *MemoryStore) Entry(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	return copyEntry(e.Entry), true
}

// CreateEndpoint stores a new endpoint.
func (s *MemoryStore) CreateEndpoint(ctx context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.endpoints[ep.ID]; exists {
		return apperrors.Conflict("endpoint", "endpoint "+ep.ID+" already exists")
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = s.now()
	}
	s.endpoints[ep.ID] = copyEndpoint(ep)
	return nil
}

// GetEndpoint returns an endpoint by id.
func (s *MemoryStore) GetEndpoint(ctx context.Context, id string) (*Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ep, ok := s.endpoints[id]
	if !ok {
		return nil, apperrors.NotFound("endpoint", id)
	}
	return copyEndpoint(ep), nil
}

// ListEndpoints returns a client's endpoints, oldest first.
func (s *MemoryStore) ListEndpoints(ctx context.Context, clientID string) ([]*Endpoint, error) {
	return s.filterEndpoints(func(ep *Endpoint) bool {
		return ep.ClientID == clientID
	}), nil
}

// ActiveEndpoints returns a client's active endpoints subscribed to eventType.
func (s *MemoryStore) ActiveEndpoints(ctx context.Context, clientID, eventType string) ([]*Endpoint, error) {
	return s.filterEndpoints(func(ep *Endpoint) bool {
		return ep.ClientID == clientID && ep.IsActive && ep.Subscribes(eventType)
	}), nil
}

// DeactivateEndpoint marks an endpoint inactive.
func (s *MemoryStore) DeactivateEndpoint(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ep, ok := s.endpoints[id]
	if !ok {
		return apperrors.NotFound("endpoint", id)
	}
	ep.IsActive = false
	return nil
}

func (s *MemoryStore) filterEndpoints(keep func(*Endpoint) bool) []*Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Endpoint
	for _, ep := range s.endpoints {
		if keep(ep) {
			out = append(out, copyEndpoint(ep))
		}
	}
	slices.SortFunc(out, func(a, b *Endpoint) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

func copyEntry(e Entry) Entry {
	e.Payload = slices.Clone(e.Payload)
	return e
}

func copyEndpoint(ep *Endpoint) *Endpoint {
	c := *ep
	c.Events = slices.Clone(ep.Events)
	return &c
}

// Verify MemoryStore implements both store contracts
var (
	_ Store         = (*MemoryStore)(nil)
	_ EndpointStore = (*MemoryStore)(nil)
)
