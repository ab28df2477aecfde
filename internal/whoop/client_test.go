package whoop

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func setupTestClient(t *testing.T, handler http.Handler) (*Client, *sleepRecorder) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewClient(Config{
		ClientID:      "test_client_id",
		ClientSecret:  "test_client_secret",
		RedirectURI:   "http://localhost/whoop/callback",
		APIBaseURL:    server.URL,
		AuthURL:       server.URL + "/oauth/oauth2/auth",
		TokenURL:      server.URL + "/oauth/oauth2/token",
		MaxRetries:    3,
		RatePerSecond: 1000,
	})
	rec := &sleepRecorder{}
	client.sleep = rec.sleep
	return client, rec
}

func TestGetRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client, rec := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("Expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"user_id":10129,"email":"a@b.c","first_name":"Ada","last_name":"L"}`))
	}))

	profile, err := client.GetProfile(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Failed to get profile: %v", err)
	}
	if profile.UserID != 10129 {
		t.Errorf("Expected user id 10129, got %d", profile.UserID)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 calls, got %d", calls.Load())
	}
	if len(rec.delays) != 2 {
		t.Errorf("Expected 2 backoff sleeps, got %d", len(rec.delays))
	}
}

func TestGetGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	client, _ := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := client.GetProfile(context.Background(), "tok")
	if !errors.Is(err, ErrServerError) {
		t.Fatalf("Expected ErrServerError, got %v", err)
	}
	if calls.Load() != 4 {
		t.Errorf("Expected 1 call plus 3 retries, got %d", calls.Load())
	}
}

func TestRateLimitHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	client, rec := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "100")
		if calls.Add(1) == 1 {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("X-RateLimit-Remaining", "99")
		w.Write([]byte(`{"height_meter":1.8,"weight_kilogram":80,"max_heart_rate":190}`))
	}))

	body, err := client.GetBodyMeasurement(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Failed to get body measurement: %v", err)
	}
	if body.MaxHeartRate != 190 {
		t.Errorf("Expected max heart rate 190, got %d", body.MaxHeartRate)
	}
	if len(rec.delays) != 1 || rec.delays[0] < 7*time.Second {
		t.Errorf("Expected one delay of at least 7s, got %v", rec.delays)
	}

	status := client.RateLimitStatus()
	if status.Limit != 100 || status.Remaining != 99 {
		t.Errorf("Expected rate limit 99/100, got %d/%d", status.Remaining, status.Limit)
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	for _, tc := range []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, ErrClientError},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusNotFound, ErrNotFound},
	} {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			var calls atomic.Int32
			client, _ := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tc.status)
			}))

			_, err := client.GetCycle(context.Background(), "tok", 1)
			if !errors.Is(err, tc.want) {
				t.Errorf("Expected %v, got %v", tc.want, err)
			}
			if calls.Load() != 1 {
				t.Errorf("Expected 1 call, got %d", calls.Load())
			}
		})
	}
}

func TestCircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	client, _ := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	client.cfg.MaxRetries = 0

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if _, err := client.GetProfile(ctx, "tok"); !errors.Is(err, ErrServerError) {
			t.Fatalf("Expected ErrServerError on call %d, got %v", i, err)
		}
	}

	_, err := client.GetProfile(ctx, "tok")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Expected ErrCircuitOpen, got %v", err)
	}
	if calls.Load() != 10 {
		t.Errorf("Expected open breaker to skip the request, got %d calls", calls.Load())
	}
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	client, _ := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if _, err := client.GetSleep(ctx, "tok", "x"); errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("Breaker opened on client errors at call %d", i)
		}
	}
}

func TestPaginateFollowsNextToken(t *testing.T) {
	client, _ := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/activity/workout" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("limit") != "25" {
			t.Errorf("Expected limit 25, got %s", q.Get("limit"))
		}
		if q.Get("start") != "2024-01-01T00:00:00.000Z" {
			t.Errorf("Unexpected start %s", q.Get("start"))
		}

		var page Page[Workout]
		switch q.Get("nextToken") {
		case "":
			page = Page[Workout]{Records: []Workout{{ID: "w1"}, {ID: "w2"}}, NextToken: "p2"}
		case "p2":
			page = Page[Workout]{Records: []Workout{{ID: "w3"}}}
		default:
			t.Errorf("Unexpected token %s", q.Get("nextToken"))
		}
		json.NewEncoder(w).Encode(page)
	}))

	var pages [][]string
	err := client.ListWorkouts(context.Background(), "tok", ListOptions{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}, func(ws []Workout) error {
		var ids []string
		for _, w := range ws {
			ids = append(ids, w.ID)
		}
		pages = append(pages, ids)
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to list workouts: %v", err)
	}
	if len(pages) != 2 || len(pages[0]) != 2 || pages[0][0] != "w1" || pages[1][0] != "w3" {
		t.Errorf("Unexpected pages %v", pages)
	}
}

func TestListOptionsKeepsWindowEnd(t *testing.T) {
	opts := ListOptions{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 31, 23, 59, 59, 999_000_000, time.UTC),
	}
	q := opts.query("")
	if q.Get("start") != "2024-01-01T00:00:00.000Z" {
		t.Errorf("Unexpected start %s", q.Get("start"))
	}
	// A record ending in the last second of the window must still match
	if q.Get("end") != "2024-01-31T23:59:59.999Z" {
		t.Errorf("Expected end at millisecond precision, got %s", q.Get("end"))
	}
	if q.Has("nextToken") {
		t.Error("Expected no nextToken on the first page")
	}
}

func TestPaginateStopsOnCallbackError(t *testing.T) {
	var calls atomic.Int32
	client, _ := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(Page[Cycle]{Records: []Cycle{{ID: 1}}, NextToken: "more"})
	}))

	stop := errors.New("stop")
	err := client.ListCycles(context.Background(), "tok", ListOptions{}, func([]Cycle) error { return stop })
	if !errors.Is(err, stop) {
		t.Errorf("Expected callback error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 page fetched, got %d", calls.Load())
	}
}

func TestPaginateRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client, _ := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Page[Sleep]{Records: []Sleep{{ID: "s"}}, NextToken: r.URL.Query().Get("nextToken") + "x"})
	}))

	pages := 0
	err := client.ListSleeps(ctx, "tok", ListOptions{}, func([]Sleep) error {
		pages++
		if pages == 2 {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if pages != 2 {
		t.Errorf("Expected 2 pages before cancel, got %d", pages)
	}
}

func TestExchangeCode(t *testing.T) {
	client, _ := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/oauth2/token" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		r.ParseForm()
		if r.FormValue("code") != "test_code" || r.FormValue("grant_type") != "authorization_code" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		if r.FormValue("client_id") != "test_client_id" {
			t.Errorf("Expected client_id in params, got %q", r.FormValue("client_id"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"a1","refresh_token":"r1","expires_in":3600,"scope":"offline read:cycles","token_type":"bearer"}`))
	}))

	tok, err := client.ExchangeCode(context.Background(), "test_code")
	if err != nil {
		t.Fatalf("Failed to exchange code: %v", err)
	}
	if tok.AccessToken != "a1" || tok.RefreshToken != "r1" {
		t.Errorf("Unexpected token %+v", tok)
	}
	if tok.Scope != "offline read:cycles" {
		t.Errorf("Expected scope to be kept, got %q", tok.Scope)
	}
	if time.Until(tok.ExpiresAt) < 59*time.Minute {
		t.Errorf("Expected expiry about an hour out, got %v", tok.ExpiresAt)
	}

	if _, err := client.ExchangeCode(context.Background(), "bad"); !errors.Is(err, ErrTokenRejected) {
		t.Errorf("Expected ErrTokenRejected, got %v", err)
	}
}

func TestRefreshToken(t *testing.T) {
	client, _ := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.FormValue("scope") != "offline" {
			t.Errorf("Expected offline scope, got %q", r.FormValue("scope"))
		}
		switch r.FormValue("refresh_token") {
		case "good":
			w.Write([]byte(`{"access_token":"a2","refresh_token":"r2","expires_in":3600}`))
		case "flaky":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	ctx := context.Background()

	tok, err := client.RefreshToken(ctx, "good")
	if err != nil {
		t.Fatalf("Failed to refresh token: %v", err)
	}
	if tok.AccessToken != "a2" || tok.RefreshToken != "r2" {
		t.Errorf("Unexpected token %+v", tok)
	}

	if _, err := client.RefreshToken(ctx, "revoked"); !errors.Is(err, ErrTokenRejected) {
		t.Errorf("Expected ErrTokenRejected, got %v", err)
	}

	_, err = client.RefreshToken(ctx, "flaky")
	if err == nil || errors.Is(err, ErrTokenRejected) {
		t.Errorf("Expected transient error, got %v", err)
	}
}

func TestRefreshTokenIsSentOnce(t *testing.T) {
	var calls atomic.Int32
	client, rec := setupTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/oauth/oauth2/token" {
			calls.Add(1)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	if client.cfg.MaxRetries != 3 {
		t.Fatalf("Expected MaxRetries 3, got %d", client.cfg.MaxRetries)
	}

	_, err := client.RefreshToken(context.Background(), "r1")
	if !errors.Is(err, ErrServerError) {
		t.Errorf("Expected ErrServerError, got %v", err)
	}
	if errors.Is(err, ErrTokenRejected) {
		t.Errorf("Expected a transient error, got %v", err)
	}
	// The grant rotates the refresh token, so it must never be replayed
	if calls.Load() != 1 {
		t.Errorf("Expected 1 token request, got %d", calls.Load())
	}
	if len(rec.delays) != 0 {
		t.Errorf("Expected no backoff sleeps, got %d", len(rec.delays))
	}
}

func TestAuthCodeURL(t *testing.T) {
	client, _ := setupTestClient(t, http.NotFoundHandler())

	u := client.AuthCodeURL("state123")
	for _, want := range []string{"client_id=test_client_id", "state=state123", "response_type=code", "offline"} {
		if !strings.Contains(u, want) {
			t.Errorf("Expected %q in %s", want, u)
		}
	}
}

func TestUserIDAcceptsNumberOrString(t *testing.T) {
	for _, in := range []string{`{"user_id":10129}`, `{"user_id":"10129"}`} {
		var v struct {
			UserID UserID `json:"user_id"`
		}
		if err := json.Unmarshal([]byte(in), &v); err != nil {
			t.Fatalf("Failed to decode %s: %v", in, err)
		}
		if v.UserID != 10129 {
			t.Errorf("Expected 10129, got %d", v.UserID)
		}
	}
}
