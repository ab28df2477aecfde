// Package whooptest provides an in-process WHOOP API for tests.
package whooptest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"whoop-sync/internal/whoop"
)

// ValidCode is the only authorization code the token endpoint accepts
const ValidCode = "valid-code"

// Server fakes the WHOOP OAuth and v2 API endpoints. Fields may be changed
// between requests while holding no lock; handlers copy what they need.
type Server struct {
	*httptest.Server

	Profile    whoop.Profile
	Body       whoop.BodyMeasurement
	Cycles     []whoop.Cycle
	Recoveries []whoop.Recovery
	Sleeps     []whoop.Sleep
	Workouts   []whoop.Workout
	PageSize   int

	mu          sync.Mutex
	accessToken string
	issued      int
	refreshes   int
	exchanges   int
	revokes     int
	calls       map[string]int
	failures    map[string]int
	rejectGrant bool
}

// NewServer starts a fake WHOOP API that is closed when the test ends
func NewServer(t testing.TB) *Server {
	s := &Server{
		Profile:     whoop.Profile{UserID: 10129, Email: "jsmith@example.com", FirstName: "John", LastName: "Smith"},
		Body:        whoop.BodyMeasurement{HeightMeter: 1.83, WeightKilogram: 90.7, MaxHeartRate: 200},
		PageSize:    2,
		accessToken: "access-0",
		calls:       make(map[string]int),
		failures:    make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/oauth2/token", s.handleToken)
	mux.HandleFunc("GET /v2/user/profile/basic", s.authed(func(w http.ResponseWriter, r *http.Request) { writeJSON(w, s.Profile) }))
	mux.HandleFunc("GET /v2/user/measurement/body", s.authed(func(w http.ResponseWriter, r *http.Request) { writeJSON(w, s.Body) }))
	mux.HandleFunc("DELETE /v2/user/access", s.authed(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.revokes++
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.HandleFunc("GET /v2/cycle", s.authed(func(w http.ResponseWriter, r *http.Request) { paginate(w, r, s.Cycles, s.PageSize) }))
	mux.HandleFunc("GET /v2/recovery", s.authed(func(w http.ResponseWriter, r *http.Request) { paginate(w, r, s.Recoveries, s.PageSize) }))
	mux.HandleFunc("GET /v2/activity/sleep", s.authed(func(w http.ResponseWriter, r *http.Request) { paginate(w, r, s.Sleeps, s.PageSize) }))
	mux.HandleFunc("GET /v2/activity/workout", s.authed(func(w http.ResponseWriter, r *http.Request) { paginate(w, r, s.Workouts, s.PageSize) }))
	mux.HandleFunc("GET /v2/cycle/{id}", s.authed(func(w http.ResponseWriter, r *http.Request) {
		for _, c := range s.Cycles {
			if strconv.FormatInt(c.ID, 10) == r.PathValue("id") {
				writeJSON(w, c)
				return
			}
		}
		http.NotFound(w, r)
	}))
	mux.HandleFunc("GET /v2/cycle/{id}/recovery", s.authed(func(w http.ResponseWriter, r *http.Request) {
		for _, rec := range s.Recoveries {
			if strconv.FormatInt(rec.CycleID, 10) == r.PathValue("id") {
				writeJSON(w, rec)
				return
			}
		}
		http.NotFound(w, r)
	}))
	mux.HandleFunc("GET /v2/activity/sleep/{id}", s.authed(func(w http.ResponseWriter, r *http.Request) {
		for _, sl := range s.Sleeps {
			if sl.ID == r.PathValue("id") {
				writeJSON(w, sl)
				return
			}
		}
		http.NotFound(w, r)
	}))
	mux.HandleFunc("GET /v2/activity/workout/{id}", s.authed(func(w http.ResponseWriter, r *http.Request) {
		for _, wo := range s.Workouts {
			if wo.ID == r.PathValue("id") {
				writeJSON(w, wo)
				return
			}
		}
		http.NotFound(w, r)
	}))

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[r.Method+" "+r.URL.Path]++
		status := s.failures[r.URL.Path]
		s.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

// Config returns a client config pointing at the fake with retries disabled
func (s *Server) Config() whoop.Config {
	return whoop.Config{
		ClientID:      "test_client_id",
		ClientSecret:  "test_client_secret",
		RedirectURI:   "http://localhost/whoop/callback",
		APIBaseURL:    s.URL,
		AuthURL:       s.URL + "/oauth/oauth2/auth",
		TokenURL:      s.URL + "/oauth/oauth2/token",
		RatePerSecond: 1000,
	}
}

// AccessToken returns the currently valid access token
func (s *Server) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken
}

// Fail makes every request to path answer with status. 0 clears it.
func (s *Server) Fail(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failures, path)
		return
	}
	s.failures[path] = status
}

// RejectGrants makes the token endpoint refuse refresh tokens
func (s *Server) RejectGrants(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectGrant = reject
}

// Calls returns how often "METHOD /path" was requested
func (s *Server) Calls(methodAndPath string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[methodAndPath]
}

// Refreshes returns the number of refresh-token grants served
func (s *Server) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

// Exchanges returns the number of authorization-code grants served
func (s *Server) Exchanges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exchanges
}

// Revokes returns the number of access revocations
func (s *Server) Revokes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokes
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.FormValue("grant_type") {
	case "authorization_code":
		if r.FormValue("code") != ValidCode {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		s.exchanges++
	case "refresh_token":
		if s.rejectGrant {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		s.refreshes++
	default:
		http.Error(w, "unsupported grant", http.StatusBadRequest)
		return
	}

	s.issued++
	s.accessToken = fmt.Sprintf("access-%d", s.issued)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token":  s.accessToken,
		"refresh_token": fmt.Sprintf("refresh-%d", s.issued),
		"expires_in":    int(time.Hour.Seconds()),
		"scope":         "offline read:recovery read:cycles read:sleep read:workout read:profile read:body_measurement",
		"token_type":    "bearer",
	})
}

func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.AccessToken() {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func paginate[T any](w http.ResponseWriter, r *http.Request, all []T, size int) {
	start, _ := strconv.Atoi(r.URL.Query().Get("nextToken"))
	if start > len(all) {
		start = len(all)
	}
	end := start + size
	if size <= 0 || end > len(all) {
		end = len(all)
	}

	page := whoop.Page[T]{Records: all[start:end]}
	if end < len(all) {
		page.NextToken = strconv.Itoa(end)
	}
	writeJSON(w, page)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
