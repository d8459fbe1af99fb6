//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
	"webhookd/internal/apperrors"
	"webhookd/internal/outbox"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("webhookd"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate postgres: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	store, err := New(ctx, dsn)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(store.Close)

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	// Second run must be a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate rerun failed: %v", err)
	}
	return store
}

func TestIntegration_ClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	ep := &outbox.Endpoint{
		ID:       "ep-1",
		ClientID: "client-1",
		URL:      "https://example.com/hook",
		Secret:   "whsec_test",
		Events:   []string{outbox.DefaultEventType},
		IsActive: true,
	}
	if err := store.CreateEndpoint(ctx, ep); err != nil {
		t.Fatalf("CreateEndpoint failed: %v", err)
	}

	payload := json.RawMessage(`{"assessment_id":"a1",  "score":5}`)
	past := time.Now().Add(-time.Minute)
	err := store.Enqueue(ctx,
		&outbox.Entry{ID: "e1", EventType: outbox.DefaultEventType, Payload: payload, EndpointID: "ep-1", NextAttemptAt: past},
		&outbox.Entry{ID: "e2", EventType: outbox.DefaultEventType, Payload: payload, EndpointID: "ep-1", NextAttemptAt: past.Add(time.Second)},
		&outbox.Entry{ID: "e3", EventType: outbox.DefaultEventType, Payload: payload, EndpointID: "ep-1", NextAttemptAt: time.Now().Add(time.Hour)},
	)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	claimed, err := store.FetchDue(ctx, 10, time.Minute)
	if err != nil {
		t.Fatalf("FetchDue failed: %v", err)
	}
	if len(claimed) != 2 || claimed[0].ID != "e1" || claimed[1].ID != "e2" {
		t.Fatalf("unexpected claim: %+v", claimed)
	}
	if string(claimed[0].Payload) != string(payload) {
		t.Errorf("payload bytes changed: %s", claimed[0].Payload)
	}
	if claimed[0].Endpoint == nil || claimed[0].Endpoint.Secret != "whsec_test" {
		t.Errorf("expected e1 joined with endpoint, got %+v", claimed[0].Endpoint)
	}
	if claimed[1].Endpoint == nil || claimed[1].Endpoint.ID != "ep-1" {
		t.Errorf("expected e2 joined with endpoint, got %+v", claimed[1].Endpoint)
	}

	again, _ := store.FetchDue(ctx, 10, time.Minute)
	if len(again) != 0 {
		t.Errorf("leased entries must not be claimed twice, got %d", len(again))
	}

	if err := store.RecordFailure(ctx, "e1", 1, past, "HTTP 500"); err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}
	if err := store.Remove(ctx, "e2"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	retry, _ := store.FetchDue(ctx, 10, time.Minute)
	if len(retry) != 1 || retry[0].Attempts != 1 || retry[0].LastError != "HTTP 500" {
		t.Errorf("unexpected retry claim: %+v", retry)
	}

	if err := store.Release(ctx, "e1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	depth, err := store.Depth(ctx)
	if err != nil || depth != 2 {
		t.Errorf("expected depth 2, got %d (%v)", depth, err)
	}

	if err := store.RecordFailure(ctx, "nope", 1, past, "x"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.Enqueue(ctx, &outbox.Entry{ID: "e1", Payload: payload, EndpointID: "ep-1"}); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestIntegration_ConcurrentClaims(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	if err := store.CreateEndpoint(ctx, &outbox.Endpoint{
		ID: "ep", ClientID: "c1", URL: "https://example.com/hook", Secret: "s",
		Events: []string{outbox.DefaultEventType}, IsActive: true,
	}); err != nil {
		t.Fatalf("CreateEndpoint failed: %v", err)
	}

	entries := make([]*outbox.Entry, 0, 40)
	for i := range 40 {
		entries = append(entries, &outbox.Entry{
			ID:         "e" + string(rune('a'+i%26)) + string(rune('a'+i/26)),
			EventType:  outbox.DefaultEventType,
			Payload:    json.RawMessage(`{}`),
			EndpointID: "ep",
		})
	}
	if err := store.Enqueue(ctx, entries...); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := store.FetchDue(ctx, 15, time.Minute)
			if err != nil {
				t.Errorf("FetchDue failed: %v", err)
				return
			}
			mu.Lock()
			for _, c := range claimed {
				seen[c.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	for id, n := range seen {
		if n > 1 {
			t.Errorf("entry %s claimed %d times", id, n)
		}
	}
	if len(seen) != 40 {
		t.Errorf("expected 40 distinct claims, got %d", len(seen))
	}
}

func TestIntegration_Endpoints(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	for _, ep := range []*outbox.Endpoint{
		{ID: "a", ClientID: "c1", URL: "https://a.example.com", Secret: "s", Events: []string{"assessment.completed"}, IsActive: true},
		{ID: "b", ClientID: "c1", URL: "https://b.example.com", Secret: "s", Events: []string{"assessment.started"}, IsActive: true},
	} {
		if err := store.CreateEndpoint(ctx, ep); err != nil {
			t.Fatalf("CreateEndpoint failed: %v", err)
		}
		if ep.CreatedAt.IsZero() {
			t.Error("expected CreatedAt filled by the database")
		}
	}

	list, err := store.ListEndpoints(ctx, "c1")
	if err != nil || len(list) != 2 {
		t.Fatalf("expected 2 endpoints, got %d (%v)", len(list), err)
	}

	active, _ := store.ActiveEndpoints(ctx, "c1", "assessment.completed")
	if len(active) != 1 || active[0].ID != "a" {
		t.Errorf("unexpected active endpoints: %+v", active)
	}

	if err := store.DeactivateEndpoint(ctx, "a"); err != nil {
		t.Fatalf("DeactivateEndpoint failed: %v", err)
	}
	got, err := store.GetEndpoint(ctx, "a")
	if err != nil || got.IsActive {
		t.Errorf("expected inactive endpoint, got %+v (%v)", got, err)
	}

	if _, err := store.GetEndpoint(ctx, "zzz"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.CreateEndpoint(ctx, &outbox.Endpoint{ID: "a", ClientID: "c1", URL: "u", Secret: "s", Events: []string{"x"}}); !errors.Is(err, apperrors.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestIntegration_EntryReferencesEndpoint(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	for _, id := range []string{"keep", "drop"} {
		if err := store.CreateEndpoint(ctx, &outbox.Endpoint{
			ID: id, ClientID: "c1", URL: "https://example.com/" + id, Secret: "s",
			Events: []string{outbox.DefaultEventType}, IsActive: true,
		}); err != nil {
			t.Fatalf("CreateEndpoint failed: %v", err)
		}
	}

	payload := json.RawMessage(`{}`)
	err := store.Enqueue(ctx, &outbox.Entry{ID: "orphan", EventType: outbox.DefaultEventType, Payload: payload, EndpointID: "missing"})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown endpoint, got %v", err)
	}

	if err := store.Enqueue(ctx,
		&outbox.Entry{ID: "e1", EventType: outbox.DefaultEventType, Payload: payload, EndpointID: "keep"},
		&outbox.Entry{ID: "e2", EventType: outbox.DefaultEventType, Payload: payload, EndpointID: "drop"},
	); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if _, err := store.pool.Exec(ctx, `DELETE FROM webhook_endpoints WHERE id = 'drop'`); err != nil {
		t.Fatalf("delete endpoint failed: %v", err)
	}
	depth, err := store.Depth(ctx)
	if err != nil || depth != 1 {
		t.Errorf("expected the dropped endpoint's entry cascaded away, depth %d (%v)", depth, err)
	}
}
