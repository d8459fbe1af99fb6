package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// Delivery is one request seen by a Receiver.
type Delivery struct {
	Header http.Header
	Body   []byte
}

// Receiver is a webhook endpoint that records every request and answers
// with scripted statuses, then 200 once the script runs out.
type Receiver struct {
	*httptest.Server

	mu         sync.Mutex
	deliveries []Delivery
	statuses   []int
}

// NewReceiver starts a receiver closed on test cleanup.
func NewReceiver(tb testing.TB, statuses ...int) *Receiver {
	tb.Helper()
	r := &Receiver{statuses: statuses}
	r.Server = httptest.NewServer(http.HandlerFunc(r.serve))
	tb.Cleanup(r.Close)
	return r
}

func (r *Receiver) serve(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)

	r.mu.Lock()
	r.deliveries = append(r.deliveries, Delivery{Header: req.Header.Clone(), Body: body})
	status := http.StatusOK
	if len(r.statuses) > 0 {
		status = r.statuses[0]
		r.statuses = r.statuses[1:]
	}
	r.mu.Unlock()

	w.WriteHeader(status)
}

// Deliveries returns a copy of what has been received so far.
func (r *Receiver) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.deliveries...)
}

// Count returns how many requests have been received.
func (r *Receiver) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deliveries)
}
