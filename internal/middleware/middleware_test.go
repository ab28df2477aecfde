package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"whoop-sync/internal/metrics"
)

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" {
		t.Fatal("Expected a generated request id")
	}
	if w.Header().Get(RequestIDHeader) != seen {
		t.Errorf("Expected response header %q, got %q", seen, w.Header().Get(RequestIDHeader))
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "upstream-id")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "upstream-id" {
		t.Errorf("Expected upstream id reused, got %q", seen)
	}
}

func TestIdentity(t *testing.T) {
	var seen string
	h := Identity("X-User-ID")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "user-1")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "user-1" {
		t.Errorf("Expected user-1, got %q", seen)
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if seen != "" {
		t.Errorf("Expected no user, got %q", seen)
	}
}

func TestMetricsRecordsStatus(t *testing.T) {
	counter := metrics.HTTPRequestsTotal.WithLabelValues("test_endpoint", "418")
	before := testutil.ToFloat64(counter)

	h := WrapHandler("test_endpoint", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.WriteHeader(http.StatusOK) // ignored
	})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("Expected status 418, got %d", w.Code)
	}
	if got := testutil.ToFloat64(counter); got != before+1 {
		t.Errorf("Expected counter %v, got %v", before+1, got)
	}
}
