package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Header names the network server signs uplink webhooks with.
const (
	uplinkTimestampHeader = "X-Uplink-Timestamp"
	uplinkSignatureHeader = "X-Uplink-Signature"
)

// IngestAuthMiddleware authenticates uplink webhooks with an HMAC over
// the request timestamp and body. It rejects requests whose timestamp
// falls outside the configured skew window.
type IngestAuthMiddleware struct {
	Secret  []byte
	MaxSkew time.Duration
}

// NewIngestAuthMiddleware constructs ingest auth middleware.
func NewIngestAuthMiddleware(secret []byte, maxSkew time.Duration) *IngestAuthMiddleware {
	return &IngestAuthMiddleware{Secret: secret, MaxSkew: maxSkew}
}

// Wrap enforces uplink signature validation before calling next.
func (m *IngestAuthMiddleware) Wrap(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(m.Secret) == 0 {
			http.Error(w, "uplink auth not configured", http.StatusUnauthorized)
			return
		}
		timestamp := strings.TrimSpace(r.Header.Get(uplinkTimestampHeader))
		signature := strings.TrimSpace(r.Header.Get(uplinkSignatureHeader))
		if timestamp == "" || signature == "" {
			http.Error(w, "missing uplink signature", http.StatusUnauthorized)
			return
		}
		if err := m.checkTimestamp(timestamp); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body error", http.StatusBadRequest)
			return
		}
		_ = r.Body.Close()

		expected := computeIngestSignature(m.Secret, timestamp, body)
		if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
			http.Error(w, "invalid uplink signature", http.StatusUnauthorized)
			return
		}

		// Hand the handler a fresh body; the original was consumed above.
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

func (m *IngestAuthMiddleware) checkTimestamp(timestamp string) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errInvalidUplinkTimestamp
	}
	skew := time.Since(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if m.MaxSkew > 0 && skew > m.MaxSkew {
		return errUplinkSignatureExpired
	}
	return nil
}

var (
	errInvalidUplinkTimestamp = errors.New("invalid uplink timestamp")
	errUplinkSignatureExpired = errors.New("uplink signature expired")
)

// computeIngestSignature hex-encodes HMAC-SHA256 over "timestamp\nbody".
func computeIngestSignature(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
