package webhook

import (
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"
)

func TestSignatureRoundTrip(t *testing.T) {
	secret := "whsec_test"
	timestamp := "1700000000000"
	body := []byte(`{"id":"ecfc6a15","type":"sleep.updated","user_id":10129,"timestamp":"2024-01-01T00:00:00Z"}`)

	sig := Sign(body, timestamp, secret)
	if !Verify(body, sig, timestamp, secret) {
		t.Fatal("Expected signature to verify")
	}

	for i := range body {
		mutated := append([]byte(nil), body...)
		mutated[i] ^= 0x01
		if Verify(mutated, sig, timestamp, secret) {
			t.Errorf("Body mutation at byte %d still verified", i)
		}
	}
	for i := range timestamp {
		mutated := []byte(timestamp)
		mutated[i] ^= 0x01
		if Verify(body, sig, string(mutated), secret) {
			t.Errorf("Timestamp mutation at byte %d still verified", i)
		}
	}
	for i := range sig {
		mutated := []byte(sig)
		mutated[i] ^= 0x01
		if Verify(body, string(mutated), timestamp, secret) {
			t.Errorf("Signature mutation at byte %d still verified", i)
		}
	}
	if Verify(body, sig, timestamp, "other-secret") {
		t.Error("Expected wrong secret to fail")
	}
}

func TestVerifyRequest(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"ok":true}`)
	secret := "s3cret"

	v := NewVerifier(secret, DefaultMaxSkew)
	v.now = func() time.Time { return now }

	tests := []struct {
		name    string
		headers map[string]string
		want    error
	}{
		{
			name: "valid millisecond timestamp",
			headers: map[string]string{
				HeaderSignature: Sign(body, strconv.FormatInt(now.UnixMilli(), 10), secret),
				HeaderTimestamp: strconv.FormatInt(now.UnixMilli(), 10),
			},
		},
		{
			name: "vendor prefixed headers",
			headers: map[string]string{
				HeaderVendorSignature: Sign(body, strconv.FormatInt(now.Unix(), 10), secret),
				HeaderVendorTimestamp: strconv.FormatInt(now.Unix(), 10),
			},
		},
		{
			name:    "missing timestamp",
			headers: map[string]string{HeaderSignature: "abc"},
			want:    ErrMissingSignature,
		},
		{
			name:    "missing signature",
			headers: map[string]string{HeaderTimestamp: "1"},
			want:    ErrMissingSignature,
		},
		{
			name: "wrong signature",
			headers: map[string]string{
				HeaderSignature: Sign([]byte("other"), "1700000000", secret),
				HeaderTimestamp: "1700000000",
			},
			want: ErrSignatureInvalid,
		},
		{
			name: "outside replay window",
			headers: map[string]string{
				HeaderSignature: Sign(body, strconv.FormatInt(now.Add(-time.Hour).Unix(), 10), secret),
				HeaderTimestamp: strconv.FormatInt(now.Add(-time.Hour).Unix(), 10),
			},
			want: ErrSignatureInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, val := range tt.headers {
				h.Set(k, val)
			}
			err := v.VerifyRequest(h, body)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestReplayWindowDisabled(t *testing.T) {
	body := []byte(`{}`)
	v := NewVerifier("s", 0)

	h := http.Header{}
	h.Set(HeaderTimestamp, "not-a-time")
	h.Set(HeaderSignature, Sign(body, "not-a-time", "s"))
	if err := v.VerifyRequest(h, body); err != nil {
		t.Errorf("Expected any timestamp accepted without a window, got %v", err)
	}
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
		wantID  string
	}{
		{"string ids", `{"id":"abc","type":"sleep.updated","user_id":"10129","timestamp":"2024-01-01T00:00:00Z"}`, false, "abc"},
		{"numeric ids", `{"id":93845,"type":"cycle.updated","user_id":10129,"timestamp":1700000000}`, false, "93845"},
		{"missing type", `{"id":"abc","user_id":10129,"timestamp":"t"}`, true, ""},
		{"missing user", `{"id":"abc","type":"sleep.updated","timestamp":"t"}`, true, ""},
		{"missing timestamp", `{"id":"abc","type":"sleep.updated","user_id":1}`, true, ""},
		{"not json", `hello`, true, ""},
		{"array", `[1,2]`, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseEvent([]byte(tt.body))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedPayload) {
					t.Errorf("Expected ErrMalformedPayload, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Failed to parse event: %v", err)
			}
			if string(ev.ID) != tt.wantID {
				t.Errorf("Expected id %s, got %s", tt.wantID, ev.ID)
			}
			if ev.UserID != 10129 {
				t.Errorf("Expected user 10129, got %d", ev.UserID)
			}
		})
	}
}
