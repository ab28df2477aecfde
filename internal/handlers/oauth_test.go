package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"whoop-sync/internal/middleware"
	"whoop-sync/internal/oauth"
	"whoop-sync/internal/whoop"
	"whoop-sync/internal/whooptest"
)

const (
	testSuccessURL = "https://app.example.com/settings?whoop=connected"
	testErrorURL   = "https://app.example.com/settings"
)

func setupOAuthHandlerTest(t *testing.T) (*OAuthHandler, *oauth.Manager, *handlerTest) {
	t.Helper()
	ht := setupHandlerTest(t)
	manager := oauth.NewManager(ht.client, ht.db, ht.store, 30)
	return NewOAuthHandler(manager, testSuccessURL, testErrorURL), manager, ht
}

func asUser(req *http.Request, userID string) *http.Request {
	return req.WithContext(middleware.WithUserID(req.Context(), userID))
}

func redirectError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	if w.Code != http.StatusFound {
		t.Fatalf("Expected status 302, got %d", w.Code)
	}
	u, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("Failed to parse redirect: %v", err)
	}
	return u.Query().Get("error")
}

func TestHandleConnect(t *testing.T) {
	handler, _, ht := setupOAuthHandlerTest(t)

	w := httptest.NewRecorder()
	handler.HandleConnect(w, asUser(httptest.NewRequest(http.MethodGet, "/whoop/connect", nil), "user-1"))

	if w.Code != http.StatusTemporaryRedirect {
		t.Fatalf("Expected status 307, got %d", w.Code)
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("Failed to parse redirect: %v", err)
	}
	if loc.Host != mustHost(t, ht.fake.URL) || loc.Path != "/oauth/oauth2/auth" {
		t.Errorf("Expected redirect to the WHOOP authorization page, got %s", loc)
	}
	if loc.Query().Get("state") == "" {
		t.Error("Expected state parameter in redirect URL")
	}
}

func mustHost(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("Failed to parse %s: %v", raw, err)
	}
	return u.Host
}

func TestHandleConnectRequiresIdentity(t *testing.T) {
	handler, _, _ := setupOAuthHandlerTest(t)

	w := httptest.NewRecorder()
	handler.HandleConnect(w, httptest.NewRequest(http.MethodGet, "/whoop/connect", nil))
	if code := redirectError(t, w); code != ErrCodeAuthRequired {
		t.Errorf("Expected %s, got %s", ErrCodeAuthRequired, code)
	}
}

func TestHandleCallbackFreshConnect(t *testing.T) {
	handler, manager, ht := setupOAuthHandlerTest(t)
	ctx := context.Background()

	_, state, err := manager.GenerateAuthURL("user-1")
	if err != nil {
		t.Fatalf("Failed to generate auth URL: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/whoop/callback?code="+whooptest.ValidCode+"&state="+url.QueryEscape(state), nil)
	w := httptest.NewRecorder()
	handler.HandleCallback(w, asUser(req, "user-1"))

	if w.Code != http.StatusFound {
		t.Fatalf("Expected status 302, got %d", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != testSuccessURL {
		t.Errorf("Expected redirect to %s, got %s", testSuccessURL, loc)
	}

	conn, err := ht.db.GetConnection(ctx, "user-1")
	if err != nil || conn == nil {
		t.Fatalf("Expected connection stored, got %v", err)
	}
	profile, _ := ht.db.GetProfileByUserID(ctx, "user-1")
	if profile == nil || profile.WhoopUserID != 10129 {
		t.Errorf("Expected profile for WHOOP user 10129, got %+v", profile)
	}
	if n, _ := ht.db.PendingSyncJobs(ctx, "user-1"); n != 1 {
		t.Errorf("Expected 1 queued backfill, got %d", n)
	}
}

func TestHandleCallbackErrors(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		userID string
		want   string
	}{
		{"vendor error", "?error=access_denied&error_description=nope", "user-1", ErrCodeAccessDenied},
		{"no identity", "?code=" + whooptest.ValidCode + "&state=s", "", ErrCodeAuthRequired},
		{"no code", "?state=s", "user-1", ErrCodeNoCode},
		{"unknown state", "?code=" + whooptest.ValidCode + "&state=forged", "user-1", ErrCodeCallback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, _, ht := setupOAuthHandlerTest(t)

			req := httptest.NewRequest(http.MethodGet, "/whoop/callback"+tt.query, nil)
			if tt.userID != "" {
				req = asUser(req, tt.userID)
			}
			w := httptest.NewRecorder()
			handler.HandleCallback(w, req)

			if code := redirectError(t, w); code != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, code)
			}
			if ht.fake.Exchanges() != 0 {
				t.Error("Expected no code exchange")
			}
		})
	}
}

func TestHandleCallbackNotConfigured(t *testing.T) {
	ht := setupHandlerTest(t)
	cfg := ht.fake.Config()
	cfg.ClientID = ""
	manager := oauth.NewManager(whoop.NewClient(cfg), ht.db, ht.store, 30)
	handler := NewOAuthHandler(manager, testSuccessURL, testErrorURL)

	for _, fn := range []http.HandlerFunc{handler.HandleConnect, handler.HandleCallback} {
		w := httptest.NewRecorder()
		fn(w, asUser(httptest.NewRequest(http.MethodGet, "/whoop/callback?code=x&state=y", nil), "user-1"))
		if code := redirectError(t, w); code != ErrCodeConfig {
			t.Errorf("Expected %s, got %s", ErrCodeConfig, code)
		}
	}
}
