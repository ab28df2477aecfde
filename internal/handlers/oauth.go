package handlers

import (
	"errors"
	"net/http"
	"net/url"

	"whoop-sync/internal/middleware"
	"whoop-sync/internal/oauth"
)

// Error codes appended to the error redirect as ?error=<code>
const (
	ErrCodeNoCode       = "no_code"
	ErrCodeAuthRequired = "auth_required"
	ErrCodeConfig       = "config_error"
	ErrCodeCallback     = "callback_error"
	ErrCodeAccessDenied = "access_denied"
)

// OAuthHandler handles the WHOOP connect flow
type OAuthHandler struct {
	manager    *oauth.Manager
	successURL string
	errorURL   string
}

// NewOAuthHandler creates a new OAuth handler. Both outcomes of a callback
// end in a redirect to successURL or errorURL.
func NewOAuthHandler(manager *oauth.Manager, successURL, errorURL string) *OAuthHandler {
	return &OAuthHandler{
		manager:    manager,
		successURL: successURL,
		errorURL:   errorURL,
	}
}

// HandleConnect redirects the signed-in user to the WHOOP authorization page
func (h *OAuthHandler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	logger := middleware.Logger(r.Context())

	userID := middleware.UserID(r.Context())
	if userID == "" {
		h.fail(w, r, ErrCodeAuthRequired)
		return
	}
	if !h.manager.Configured() {
		logger.Error("WHOOP OAuth client is not configured")
		h.fail(w, r, ErrCodeConfig)
		return
	}

	authURL, _, err := h.manager.GenerateAuthURL(userID)
	if err != nil {
		logger.Error("Failed to generate auth URL", "error", err)
		h.fail(w, r, ErrCodeCallback)
		return
	}

	logger.Info("Starting OAuth flow")
	http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
}

// HandleCallback completes the authorization WHOOP redirected back with
func (h *OAuthHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	logger := middleware.Logger(r.Context())
	query := r.URL.Query()

	if errorParam := query.Get("error"); errorParam != "" {
		logger.Warn("OAuth authorization denied", "error", errorParam, "description", query.Get("error_description"))
		h.fail(w, r, ErrCodeAccessDenied)
		return
	}

	userID := middleware.UserID(r.Context())
	if userID == "" {
		h.fail(w, r, ErrCodeAuthRequired)
		return
	}
	if !h.manager.Configured() {
		logger.Error("WHOOP OAuth client is not configured")
		h.fail(w, r, ErrCodeConfig)
		return
	}

	code := query.Get("code")
	if code == "" {
		logger.Warn("OAuth callback without code")
		h.fail(w, r, ErrCodeNoCode)
		return
	}

	profile, err := h.manager.HandleCallback(r.Context(), userID, code, query.Get("state"))
	if err != nil {
		logger.Error("Failed to handle OAuth callback", "error", err, "invalid_state", errors.Is(err, oauth.ErrInvalidState))
		h.fail(w, r, ErrCodeCallback)
		return
	}

	logger.Info("OAuth flow completed successfully", "whoop_user_id", profile.WhoopUserID)
	http.Redirect(w, r, h.successURL, http.StatusFound)
}

func (h *OAuthHandler) fail(w http.ResponseWriter, r *http.Request, code string) {
	http.Redirect(w, r, withQuery(h.errorURL, "error", code), http.StatusFound)
}

func withQuery(rawURL, key, value string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
