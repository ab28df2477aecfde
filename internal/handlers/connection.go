package handlers

import (
	"net/http"
	"strconv"
	"time"

	"whoop-sync/internal/database"
	"whoop-sync/internal/middleware"
	"whoop-sync/internal/tokens"
)

// maxSyncDays bounds a manual backfill request
const maxSyncDays = 365

// UserCanceller stops background work running for a user
type UserCanceller interface {
	CancelUser(userID string)
}

// ConnectionHandler serves the signed-in user's connection status,
// disconnect and manual sync endpoints
type ConnectionHandler struct {
	db           *database.DB
	tokens       *tokens.Store
	worker       UserCanceller
	backfillDays int
}

// NewConnectionHandler creates a new connection handler
func NewConnectionHandler(db *database.DB, tokenStore *tokens.Store, worker UserCanceller, backfillDays int) *ConnectionHandler {
	return &ConnectionHandler{
		db:           db,
		tokens:       tokenStore,
		worker:       worker,
		backfillDays: backfillDays,
	}
}

type statusResponse struct {
	Connected         bool       `json:"connected"`
	ReconnectRequired bool       `json:"reconnect_required"`
	ExpiresAt         *time.Time `json:"expires_at"`
	LastSyncAt        *time.Time `json:"last_sync_at"`
	WhoopUserID       *int64     `json:"whoop_user_id"`
	PendingSyncs      int        `json:"pending_syncs"`
}

// requireUser writes 401 and returns "" when the request is anonymous
func requireUser(w http.ResponseWriter, r *http.Request) string {
	userID := middleware.UserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "Authentication required")
	}
	return userID
}

// HandleStatus handles GET /whoop/status
func (h *ConnectionHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	userID := requireUser(w, r)
	if userID == "" {
		return
	}
	ctx := r.Context()
	logger := middleware.Logger(ctx)

	conn, err := h.db.GetConnection(ctx, userID)
	if err != nil {
		logger.Error("Failed to get connection", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	profile, err := h.db.GetProfileByUserID(ctx, userID)
	if err != nil {
		logger.Error("Failed to get profile", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	resp := statusResponse{}
	if conn != nil {
		resp.Connected = true
		resp.ReconnectRequired = conn.ReauthRequired
		resp.ExpiresAt = &conn.ExpiresAt
	}
	if profile != nil {
		resp.LastSyncAt = profile.LastSyncAt
		resp.WhoopUserID = &profile.WhoopUserID
	}
	if resp.PendingSyncs, err = h.db.PendingSyncJobs(ctx, userID); err != nil {
		logger.Warn("Failed to count pending syncs", "error", err)
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleDisconnect handles DELETE /whoop/connection?remove_data=true|false
func (h *ConnectionHandler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	userID := requireUser(w, r)
	if userID == "" {
		return
	}
	logger := middleware.Logger(r.Context())

	removeData := false
	if v := r.URL.Query().Get("remove_data"); v != "" {
		var err error
		if removeData, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid remove_data parameter")
			return
		}
	}

	// Stop any backfill before its data is removed underneath it
	h.worker.CancelUser(userID)

	existed, err := h.tokens.Disconnect(r.Context(), userID, removeData)
	if err != nil {
		logger.Error("Failed to disconnect", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	logger.Info("Disconnect requested", "was_connected", existed, "remove_data", removeData)
	writeJSON(w, http.StatusOK, map[string]bool{
		"success":       true,
		"was_connected": existed,
		"data_removed":  removeData,
	})
}

// HandleSync handles POST /whoop/sync?days=N by queueing a backfill
func (h *ConnectionHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	userID := requireUser(w, r)
	if userID == "" {
		return
	}
	ctx := r.Context()
	logger := middleware.Logger(ctx)

	days := h.backfillDays
	if v := r.URL.Query().Get("days"); v != "" {
		var err error
		days, err = strconv.Atoi(v)
		if err != nil || days < 1 || days > maxSyncDays {
			writeError(w, http.StatusBadRequest, "days must be between 1 and 365")
			return
		}
	}

	conn, err := h.db.GetConnection(ctx, userID)
	if err != nil {
		logger.Error("Failed to get connection", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if conn == nil {
		writeError(w, http.StatusConflict, "WHOOP account not connected")
		return
	}
	if conn.ReauthRequired {
		writeError(w, http.StatusConflict, "WHOOP account must be reconnected")
		return
	}

	until := time.Now()
	jobID, err := h.db.EnqueueSyncJob(ctx, userID, until.AddDate(0, 0, -days), until)
	if err != nil {
		logger.Error("Failed to enqueue sync job", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	logger.Info("Enqueued manual sync", "job_id", jobID, "days", days)
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "job_id": jobID, "days": days})
}
