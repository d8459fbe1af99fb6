// Package webhook provides signing and HTTP delivery of outbound webhooks.
package webhook

// Header names carried by every outbound webhook request.
const (
	HeaderEvent          = "X-Echo-Event"
	HeaderTimestamp      = "X-Echo-Timestamp"
	HeaderSignature      = "X-Echo-Signature"
	HeaderDelivery       = "X-Echo-Delivery"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// Message is a single signed delivery attempt.
type Message struct {
	EventType      string
	Body           []byte // exact bytes that were signed
	Timestamp      string // unix seconds
	Signature      string // "v1=<hex>"
	IdempotencyKey string
	DeliveryID     string // unique per attempt
}
