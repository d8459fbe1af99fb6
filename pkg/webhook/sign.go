package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// SignatureVersion prefixes every signature this package produces.
const SignatureVersion = "v1"

// Verification errors.
var (
	ErrNoSignature      = errors.New("no v1 signature present")
	ErrSignatureInvalid = errors.New("signature mismatch")
	ErrTimestampInvalid = errors.New("timestamp is not unix seconds")
	ErrTimestampExpired = errors.New("timestamp outside tolerance")
)

// Sign computes "v1=" + hex(HMAC-SHA256(secret, timestamp + "." + body)).
// An empty secret is a programming error and panics.
func Sign(secret, timestamp string, body []byte) string {
	if secret == "" {
		panic("webhook: Sign called with empty secret")
	}
	return SignatureVersion + "=" + hex.EncodeToString(mac(secret, timestamp, body))
}

// Verify checks a signature header produced by Sign. The header may carry
// several comma-separated version=value pairs; unknown versions are ignored.
// A tolerance of zero skips the timestamp freshness check.
func Verify(secret, timestamp string, body []byte, header string, tolerance time.Duration, now time.Time) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrTimestampInvalid
	}
	if tolerance > 0 {
		skew := now.Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > tolerance {
			return ErrTimestampExpired
		}
	}

	expected := mac(secret, timestamp, body)
	found := false
	for _, part := range strings.Split(header, ",") {
		version, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || version != SignatureVersion {
			continue
		}
		found = true
		got, err := hex.DecodeString(value)
		if err != nil {
			continue
		}
		if hmac.Equal(got, expected) {
			return nil
		}
	}
	if !found {
		return ErrNoSignature
	}
	return ErrSignatureInvalid
}

func mac(secret, timestamp string, body []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte{'.'})
	h.Write(body)
	return h.Sum(nil)
}
