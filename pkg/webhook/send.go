package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxDrainBytes bounds how much of a receiver's response body is read
// before the connection is returned to the pool.
const maxDrainBytes = 64 << 10

// Sender posts webhook messages over HTTP.
type Sender struct {
	client *http.Client
}

// NewSender creates a sender whose requests are bounded by timeout. Each
// request gets a client span and carries the caller's trace context.
// Redirects are not followed: a 3xx is the receiver's final answer.
func NewSender(timeout time.Duration) *Sender {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Sender{
		client: &http.Client{
			Timeout:       timeout,
			Transport:     otelhttp.NewTransport(transport),
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Send delivers msg via HTTP POST. Any 2xx status is success; every other
// status is returned as *HTTPError and transport failures are wrapped.
func (s *Sender) Send(ctx context.Context, url string, msg *Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(msg.Body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "webhookd/1")
	req.Header.Set(HeaderEvent, msg.EventType)
	req.Header.Set(HeaderTimestamp, msg.Timestamp)
	req.Header.Set(HeaderSignature, msg.Signature)
	req.Header.Set(HeaderIdempotencyKey, msg.IdempotencyKey)
	if msg.DeliveryID != "" {
		req.Header.Set(HeaderDelivery, msg.DeliveryID)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	return &HTTPError{StatusCode: resp.StatusCode}
}

// HTTPError represents a non-2xx response from a receiver.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}
