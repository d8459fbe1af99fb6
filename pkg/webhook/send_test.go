package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPError_Error(t *testing.T) {
	t.Parallel()
	tests := []struct {
		statusCode int
		expected   string
	}{
		{400, "HTTP 400"},
		{404, "HTTP 404"},
		{500, "HTTP 500"},
		{503, "HTTP 503"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			t.Parallel()
			err := &HTTPError{StatusCode: tt.statusCode}
			if err.Error() != tt.expected {
				t.Errorf("HTTPError{%d}.Error() = %q, want %q", tt.statusCode, err.Error(), tt.expected)
			}
		})
	}
}

func TestSender_Headers(t *testing.T) {
	t.Parallel()
	var (
		headers http.Header
		body    []byte
		method  string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		method = r.Method
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	msg := &Message{
		EventType:      "assessment.completed",
		Body:           []byte(`{"assessment_id":"a1"}`),
		Timestamp:      "1700000000",
		Signature:      "v1=abc",
		IdempotencyKey: "entry-1",
		DeliveryID:     "delivery-1",
	}

	if err := NewSender(5*time.Second).Send(context.Background(), server.URL, msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if method != http.MethodPost {
		t.Errorf("expected POST, got %s", method)
	}
	if string(body) != string(msg.Body) {
		t.Errorf("expected body %s, got %s", msg.Body, body)
	}

	want := map[string]string{
		"Content-Type":       "application/json",
		HeaderEvent:          "assessment.completed",
		HeaderTimestamp:      "1700000000",
		HeaderSignature:      "v1=abc",
		HeaderIdempotencyKey: "entry-1",
		HeaderDelivery:       "delivery-1",
	}
	for k, v := range want {
		if got := headers.Get(k); got != v {
			t.Errorf("header %s = %q, want %q", k, got, v)
		}
	}
}

func TestSender_StatusClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status  int
		wantErr bool
	}{
		{200, false},
		{201, false},
		{202, false},
		{299, false},
		{301, true},
		{400, true},
		{410, true},
		{500, true},
		{503, true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			err := NewSender(5*time.Second).Send(context.Background(), server.URL, &Message{Body: []byte("{}")})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Send() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var he *HTTPError
				if !errors.As(err, &he) || he.StatusCode != tt.status {
					t.Errorf("expected *HTTPError with status %d, got %v", tt.status, err)
				}
			}
		})
	}
}

func TestSender_DoesNotFollowRedirects(t *testing.T) {
	t.Parallel()
	tests := []int{
		http.StatusMovedPermanently,
		http.StatusFound,
		http.StatusSeeOther,
		http.StatusTemporaryRedirect,
		http.StatusPermanentRedirect,
	}

	for _, status := range tests {
		t.Run(http.StatusText(status), func(t *testing.T) {
			t.Parallel()
			var targetHits atomic.Int32
			target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				targetHits.Add(1)
				w.WriteHeader(http.StatusOK)
			}))
			defer target.Close()
			redirector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Redirect(w, r, target.URL, status)
			}))
			defer redirector.Close()

			err := NewSender(5*time.Second).Send(context.Background(), redirector.URL, &Message{Body: []byte("{}")})

			var he *HTTPError
			if !errors.As(err, &he) || he.StatusCode != status {
				t.Fatalf("expected *HTTPError with status %d, got %v", status, err)
			}
			if got := targetHits.Load(); got != 0 {
				t.Errorf("redirect target was hit %d times", got)
			}
		})
	}
}

func TestSender_Timeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	start := time.Now()
	err := NewSender(100*time.Millisecond).Send(context.Background(), server.URL, &Message{Body: []byte("{}")})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	var he *HTTPError
	if errors.As(err, &he) {
		t.Errorf("timeout should be a transport error, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Send did not respect timeout, took %v", time.Since(start))
	}
}

func TestSender_ConnectionRefused(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	err := NewSender(time.Second).Send(context.Background(), url, &Message{Body: []byte("{}")})
	if err == nil {
		t.Fatal("expected connection error")
	}
}
