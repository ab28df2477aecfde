package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"whoop-sync/internal/database"
	"whoop-sync/internal/mapping"
	"whoop-sync/internal/whoop"
)

type cancelRecorder struct{ cancelled []string }

func (c *cancelRecorder) CancelUser(userID string) { c.cancelled = append(c.cancelled, userID) }

func setupConnectionTest(t *testing.T) (*ConnectionHandler, *cancelRecorder, *handlerTest) {
	t.Helper()
	ht := setupHandlerTest(t)
	canceller := &cancelRecorder{}
	return NewConnectionHandler(ht.db, ht.store, canceller, 30), canceller, ht
}

func TestHandleStatus(t *testing.T) {
	handler, _, ht := setupConnectionTest(t)

	w := httptest.NewRecorder()
	handler.HandleStatus(w, asUser(httptest.NewRequest(http.MethodGet, "/whoop/status", nil), "user-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["connected"] != false {
		t.Errorf("Expected not connected, got %v", body)
	}

	ht.connect(t, time.Now().Add(time.Hour))
	w = httptest.NewRecorder()
	handler.HandleStatus(w, asUser(httptest.NewRequest(http.MethodGet, "/whoop/status", nil), "user-1"))
	body := decodeBody(t, w)
	if body["connected"] != true || body["reconnect_required"] != false {
		t.Errorf("Expected connected, got %v", body)
	}
	if body["whoop_user_id"] != float64(10129) {
		t.Errorf("Expected whoop_user_id 10129, got %v", body["whoop_user_id"])
	}
}

func TestHandleStatusRequiresIdentity(t *testing.T) {
	handler, _, _ := setupConnectionTest(t)

	w := httptest.NewRecorder()
	handler.HandleStatus(w, httptest.NewRequest(http.MethodGet, "/whoop/status", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", w.Code)
	}
}

func TestHandleDisconnect(t *testing.T) {
	for _, removeData := range []bool{false, true} {
		handler, canceller, ht := setupConnectionTest(t)
		ctx := context.Background()
		profile := ht.connect(t, time.Now().Add(time.Hour))
		if err := ht.db.UpsertRecord(ctx, mapping.Cycle(profile.ID, &whoop.Cycle{ID: 1})); err != nil {
			t.Fatalf("Failed to store cycle: %v", err)
		}

		target := "/whoop/connection?remove_data=false"
		if removeData {
			target = "/whoop/connection?remove_data=true"
		}
		w := httptest.NewRecorder()
		handler.HandleDisconnect(w, asUser(httptest.NewRequest(http.MethodDelete, target, nil), "user-1"))

		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", w.Code)
		}
		if len(canceller.cancelled) != 1 || canceller.cancelled[0] != "user-1" {
			t.Errorf("Expected background work cancelled for user-1, got %v", canceller.cancelled)
		}
		if ht.fake.Revokes() != 1 {
			t.Errorf("Expected access revoked, got %d revocations", ht.fake.Revokes())
		}
		if conn, _ := ht.db.GetConnection(ctx, "user-1"); conn != nil {
			t.Error("Expected connection deleted")
		}

		n, _ := ht.db.CountRecords(ctx, database.KindCycle, profile.ID)
		if removeData && n != 0 {
			t.Errorf("Expected records removed, got %d", n)
		}
		if !removeData && n != 1 {
			t.Errorf("Expected records kept, got %d", n)
		}
	}
}

func TestHandleSync(t *testing.T) {
	handler, _, ht := setupConnectionTest(t)

	w := httptest.NewRecorder()
	handler.HandleSync(w, asUser(httptest.NewRequest(http.MethodPost, "/whoop/sync", nil), "user-1"))
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409 without connection, got %d", w.Code)
	}

	ht.connect(t, time.Now().Add(time.Hour))
	for _, tc := range []struct {
		query  string
		status int
	}{
		{"?days=7", http.StatusAccepted},
		{"", http.StatusAccepted},
		{"?days=0", http.StatusBadRequest},
		{"?days=366", http.StatusBadRequest},
		{"?days=abc", http.StatusBadRequest},
	} {
		w := httptest.NewRecorder()
		handler.HandleSync(w, asUser(httptest.NewRequest(http.MethodPost, "/whoop/sync"+tc.query, nil), "user-1"))
		if w.Code != tc.status {
			t.Errorf("%s: expected status %d, got %d", tc.query, tc.status, w.Code)
		}
	}

	if n, _ := ht.db.PendingSyncJobs(context.Background(), "user-1"); n != 2 {
		t.Errorf("Expected 2 queued backfills, got %d", n)
	}
}

func TestHandleRecords(t *testing.T) {
	ht := setupHandlerTest(t)
	ctx := context.Background()
	router := chi.NewRouter()
	router.Get("/internal/records/{kind}", NewRecordsHandler(ht.db, "test_api_key").HandleRecords)

	get := func(target, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	if w := get("/internal/records/cycle?user_id=user-1", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 without key, got %d", w.Code)
	}
	if w := get("/internal/records/cycle?user_id=user-1", "wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401 with wrong key, got %d", w.Code)
	}
	if w := get("/internal/records/steps?user_id=user-1", "test_api_key"); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown kind, got %d", w.Code)
	}
	if w := get("/internal/records/cycle", "test_api_key"); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 without user_id, got %d", w.Code)
	}

	// Disconnected user is an empty result, not an error
	w := get("/internal/records/cycle?user_id=user-1", "test_api_key")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["connected"] != false || len(body["records"].([]any)) != 0 {
		t.Errorf("Expected empty disconnected result, got %v", body)
	}

	profile := ht.connect(t, time.Now().Add(time.Hour))
	for i := int64(1); i <= 3; i++ {
		if err := ht.db.UpsertRecord(ctx, mapping.Cycle(profile.ID, &whoop.Cycle{ID: i})); err != nil {
			t.Fatalf("Failed to store cycle: %v", err)
		}
	}

	seen := 0
	cursor := ""
	for page := 0; page < 3; page++ {
		w := get("/internal/records/cycle?user_id=user-1&limit=2&cursor="+cursor, "test_api_key")
		body := decodeBody(t, w)
		if body["connected"] != true {
			t.Fatalf("Expected connected, got %v", body)
		}
		records := body["records"].([]any)
		seen += len(records)
		if len(records) == 0 {
			break
		}
		cursor = body["cursor"].(string)
	}
	if seen != 3 {
		t.Errorf("Expected 3 cycles across pages, got %d", seen)
	}
}
