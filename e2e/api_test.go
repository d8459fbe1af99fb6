//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"
	"webhookd/internal/api"
	"webhookd/internal/dispatcher"
	"webhookd/internal/gate"
	"webhookd/internal/health"
	"webhookd/internal/lock"
	"webhookd/internal/outbox"
	"webhookd/internal/outbox/postgres"
	"webhookd/internal/registry"
	"webhookd/internal/testutil"
	"webhookd/pkg/backoff"
	"webhookd/pkg/webhook"
)

const (
	cronSecret = "e2e-cron"
	adminToken = "e2e-admin"
)

// newStore returns a Postgres store when E2E_DATABASE_URL is set, otherwise
// an in-memory one.
func newStore(tb testing.TB) registry.Stores {
	tb.Helper()
	dsn := os.Getenv("E2E_DATABASE_URL")
	if dsn == "" {
		return outbox.NewMemoryStore()
	}

	store, err := postgres.New(context.Background(), dsn)
	if err != nil {
		tb.Fatalf("Failed to connect to Postgres: %v", err)
	}
	tb.Cleanup(store.Close)
	if err := store.Migrate(context.Background()); err != nil {
		tb.Fatalf("Migrate failed: %v", err)
	}
	return store
}

func createTestServer(tb testing.TB, cfg dispatcher.Config) (*httptest.Server, registry.Stores) {
	tb.Helper()
	store := newStore(tb)

	d := dispatcher.New(store, cfg)
	router := api.NewRouter(api.RouterConfig{
		Registry:      registry.New(store),
		Trigger:       gate.New(d, lock.NewLocal(), cronSecret, adminToken),
		HealthChecker: health.NewChecker().Require("store", store),
		AdminToken:    adminToken,
	})

	server := httptest.NewServer(router)
	tb.Cleanup(server.Close)
	return server, store
}

func call(tb testing.TB, method, url, body string, headers map[string]string, out any) int {
	tb.Helper()
	req, err := http.NewRequest(method, url, bytes.NewBufferString(body))
	if err != nil {
		tb.Fatalf("Failed to build request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		tb.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			tb.Fatalf("Failed to decode response: %v", err)
		}
	}
	return resp.StatusCode
}

var admin = map[string]string{api.AdminSecretHeader: adminToken}

func register(tb testing.TB, baseURL, clientID, url string) registry.Registration {
	tb.Helper()
	var reg registry.Registration
	body := `{"client_id":"` + clientID + `","url":"` + url + `"}`
	if status := call(tb, http.MethodPost, baseURL+"/v1/webhooks/register", body, admin, &reg); status != http.StatusOK {
		tb.Fatalf("Register returned %d", status)
	}
	return reg
}

func publish(tb testing.TB, baseURL, clientID, payload string) int {
	tb.Helper()
	var resp map[string]int
	body := `{"client_id":"` + clientID + `","payload":` + payload + `}`
	if status := call(tb, http.MethodPost, baseURL+"/v1/webhooks/events", body, admin, &resp); status != http.StatusAccepted {
		tb.Fatalf("Publish returned %d", status)
	}
	return resp["queued"]
}

func trigger(tb testing.TB, baseURL string) dispatcher.Result {
	tb.Helper()
	var result dispatcher.Result
	status := call(tb, http.MethodGet, baseURL+"/internal/webhooks/dispatch", "",
		map[string]string{api.CronSecretHeader: cronSecret}, &result)
	if status != http.StatusOK {
		tb.Fatalf("Dispatch returned %d", status)
	}
	return result
}

func TestAPI_Readyz(t *testing.T) {
	server, _ := createTestServer(t, dispatcher.Config{})

	var result health.Response
	if status := call(t, http.MethodGet, server.URL+"/readyz", "", nil, &result); status != http.StatusOK {
		t.Errorf("Expected status 200, got %d", status)
	}
	if result.Status != health.StatusHealthy {
		t.Errorf("Expected healthy status, got %s", result.Status)
	}
}

func TestAPI_Livez(t *testing.T) {
	server, _ := createTestServer(t, dispatcher.Config{})

	if status := call(t, http.MethodGet, server.URL+"/livez", "", nil, nil); status != http.StatusOK {
		t.Errorf("Expected status 200, got %d", status)
	}
}

func TestAPI_SignedDelivery(t *testing.T) {
	server, _ := createTestServer(t, dispatcher.Config{})
	rcv := testutil.NewReceiver(t)

	reg := register(t, server.URL, "client-e2e", rcv.URL+"/hooks")
	if queued := publish(t, server.URL, "client-e2e", `{"assessment_id": "a-1", "score": 87}`); queued != 1 {
		t.Fatalf("Expected 1 queued, got %d", queued)
	}

	result := trigger(t, server.URL)
	if result.Sent != 1 {
		t.Fatalf("Expected 1 sent, got %+v", result)
	}

	got := rcv.Deliveries()
	if len(got) != 1 {
		t.Fatalf("Expected 1 delivery, got %d", len(got))
	}
	d := got[0]
	if string(d.Body) != `{"assessment_id":"a-1","score":87}` {
		t.Errorf("Unexpected body %s", d.Body)
	}
	if d.Header.Get(webhook.HeaderEvent) != outbox.DefaultEventType {
		t.Errorf("Unexpected event header %q", d.Header.Get(webhook.HeaderEvent))
	}
	err := webhook.Verify(reg.Secret, d.Header.Get(webhook.HeaderTimestamp), d.Body,
		d.Header.Get(webhook.HeaderSignature), 5*time.Minute, time.Now())
	if err != nil {
		t.Errorf("Signature did not verify: %v", err)
	}

	// Nothing left to send.
	if again := trigger(t, server.URL); again.Claimed() != 0 {
		t.Errorf("Expected empty second cycle, got %+v", again)
	}
}

func TestAPI_RetryAfterFailure(t *testing.T) {
	// Zero backoff so the failed entry is due again immediately.
	server, _ := createTestServer(t, dispatcher.Config{Schedule: backoff.Schedule{0}})
	rcv := testutil.NewReceiver(t, http.StatusServiceUnavailable)

	register(t, server.URL, "client-retry", rcv.URL)
	publish(t, server.URL, "client-retry", `{"assessment_id":"a-2"}`)

	if first := trigger(t, server.URL); first.Failed != 1 {
		t.Fatalf("Expected 1 failed, got %+v", first)
	}

	testutil.MustWaitFor(t, func() bool {
		return trigger(t, server.URL).Sent == 1
	}, testutil.WithTimeout(5*time.Second))

	got := rcv.Deliveries()
	if len(got) != 2 {
		t.Fatalf("Expected 2 attempts, got %d", len(got))
	}
	if got[0].Header.Get(webhook.HeaderIdempotencyKey) != got[1].Header.Get(webhook.HeaderIdempotencyKey) {
		t.Error("Idempotency key must be stable across attempts")
	}
	if got[0].Header.Get(webhook.HeaderDelivery) == got[1].Header.Get(webhook.HeaderDelivery) {
		t.Error("Delivery id must differ per attempt")
	}
}

func TestAPI_DeactivatedEndpointDiscards(t *testing.T) {
	server, store := createTestServer(t, dispatcher.Config{})
	rcv := testutil.NewReceiver(t)

	reg := register(t, server.URL, "client-off", rcv.URL)

	// Queue directly so the entry exists before deactivation.
	err := store.Enqueue(context.Background(), &outbox.Entry{
		ID:         "e2e-discard",
		EventType:  outbox.DefaultEventType,
		Payload:    json.RawMessage(`{}`),
		EndpointID: reg.Endpoint.ID,
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if status := call(t, http.MethodDelete, server.URL+"/v1/webhooks/endpoints/"+reg.Endpoint.ID, "", admin, nil); status != http.StatusNoContent {
		t.Fatalf("Deactivate returned %d", status)
	}

	if result := trigger(t, server.URL); result.Discarded != 1 {
		t.Errorf("Expected 1 discarded, got %+v", result)
	}
	if len(rcv.Deliveries()) != 0 {
		t.Error("Inactive endpoint must not receive deliveries")
	}
}

func TestAPI_UnauthorizedTrigger(t *testing.T) {
	server, _ := createTestServer(t, dispatcher.Config{})

	var resp map[string]string
	status := call(t, http.MethodPost, server.URL+"/internal/webhooks/dispatch", "",
		map[string]string{api.CronSecretHeader: "wrong"}, &resp)

	if status != http.StatusUnauthorized || resp["error"] != "Unauthorized" {
		t.Errorf("Expected 401 Unauthorized, got %d %v", status, resp)
	}
}
