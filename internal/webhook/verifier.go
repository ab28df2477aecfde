package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// Header names. The vendor-prefixed forms are accepted as fallbacks.
const (
	HeaderSignature            = "X-Signature"
	HeaderTimestamp            = "X-Signature-Timestamp"
	HeaderVendorSignature      = "X-WHOOP-Signature"
	HeaderVendorTimestamp      = "X-WHOOP-Signature-Timestamp"
	DefaultMaxSkew             = 5 * time.Minute
	millisecondTimestampCutoff = 1e11
)

var (
	// ErrMissingSignature means a signature or timestamp header is absent
	ErrMissingSignature = errors.New("missing signature headers")
	// ErrSignatureInvalid means the signature does not match or the
	// timestamp is outside the replay window
	ErrSignatureInvalid = errors.New("invalid webhook signature")
)

// Sign computes base64(HMAC-SHA256(secret, timestamp || body))
func Sign(body []byte, timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches the raw body and timestamp
func Verify(body []byte, signature, timestamp, secret string) bool {
	if signature == "" || timestamp == "" || secret == "" {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(Sign(body, timestamp, secret)))
}

// Verifier checks inbound webhook requests
type Verifier struct {
	secret  string
	maxSkew time.Duration
	now     func() time.Time
}

// NewVerifier creates a verifier. maxSkew of 0 disables the replay window.
func NewVerifier(secret string, maxSkew time.Duration) *Verifier {
	return &Verifier{secret: secret, maxSkew: maxSkew, now: time.Now}
}

// Headers returns the signature and timestamp from h
func Headers(h http.Header) (signature, timestamp string) {
	signature = h.Get(HeaderSignature)
	if signature == "" {
		signature = h.Get(HeaderVendorSignature)
	}
	timestamp = h.Get(HeaderTimestamp)
	if timestamp == "" {
		timestamp = h.Get(HeaderVendorTimestamp)
	}
	return signature, timestamp
}

// VerifyRequest checks the request's signature headers against the raw body
// read from it. It returns ErrMissingSignature or ErrSignatureInvalid.
func (v *Verifier) VerifyRequest(h http.Header, body []byte) error {
	signature, timestamp := Headers(h)
	if signature == "" || timestamp == "" {
		return ErrMissingSignature
	}
	if !Verify(body, signature, timestamp, v.secret) {
		return ErrSignatureInvalid
	}
	if v.maxSkew > 0 {
		ts, ok := parseTimestamp(timestamp)
		if !ok {
			return ErrSignatureInvalid
		}
		delta := v.now().Sub(ts)
		if delta < 0 {
			delta = -delta
		}
		if delta > v.maxSkew {
			return ErrSignatureInvalid
		}
	}
	return nil
}

// parseTimestamp accepts unix milliseconds, unix seconds or RFC3339
func parseTimestamp(s string) (time.Time, bool) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > millisecondTimestampCutoff {
			return time.UnixMilli(n), true
		}
		return time.Unix(n, 0), true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}
