package handlers

import (
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"whoop-sync/internal/database"
	"whoop-sync/internal/middleware"
)

// RecordsHandler serves stored records to internal consumers
type RecordsHandler struct {
	db     *database.DB
	apiKey string
}

// NewRecordsHandler creates a new records handler
func NewRecordsHandler(db *database.DB, apiKey string) *RecordsHandler {
	return &RecordsHandler{db: db, apiKey: apiKey}
}

type recordsResponse struct {
	Connected bool              `json:"connected"`
	Records   []database.Record `json:"records"`
	Cursor    string            `json:"cursor"`
}

// HandleRecords handles GET /internal/records/{kind}
// Query parameters:
//   - user_id: local user (required)
//   - cursor: last record id seen (default: start)
//   - limit: maximum records to return (default: 100, max: 1000)
//
// Authentication: Requires Authorization: Bearer <INTERNAL_API_KEY>
func (h *RecordsHandler) HandleRecords(w http.ResponseWriter, r *http.Request) {
	logger := middleware.Logger(r.Context())

	authHeader := r.Header.Get("Authorization")
	if subtle.ConstantTimeCompare([]byte(authHeader), []byte("Bearer "+h.apiKey)) != 1 {
		logger.Warn("Unauthorized records request", "has_auth", authHeader != "")
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	kind, ok := database.ParseKind(chi.URLParam(r, "kind"))
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown record kind")
		return
	}

	query := r.URL.Query()
	userID := query.Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "Missing user_id parameter")
		return
	}
	cursor := query.Get("cursor")

	limit := 100
	if limitStr := query.Get("limit"); limitStr != "" {
		var err error
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid limit parameter")
			return
		}
		if limit < 1 || limit > 1000 {
			writeError(w, http.StatusBadRequest, "Limit must be between 1 and 1000")
			return
		}
	}

	ctx := r.Context()
	resp := recordsResponse{Records: []database.Record{}, Cursor: cursor}

	conn, err := h.db.GetConnection(ctx, userID)
	if err != nil {
		logger.Error("Failed to get connection", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	resp.Connected = conn != nil
	if conn == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	profile, err := h.db.GetProfileByUserID(ctx, userID)
	if err != nil {
		logger.Error("Failed to get profile", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if profile == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	records, err := h.db.ListRecords(ctx, kind, profile.ID, cursor, limit)
	if err != nil {
		logger.Error("Failed to list records", "kind", kind, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if len(records) > 0 {
		resp.Records = records
		resp.Cursor = records[len(records)-1].Meta().ID
	}

	logger.Debug("Records request", "kind", kind, "target_user", userID, "count", len(records))
	writeJSON(w, http.StatusOK, resp)
}
