package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"whoop-sync/internal/database"
	"whoop-sync/internal/metrics"
	"whoop-sync/internal/middleware"
	"whoop-sync/internal/webhook"
)

// maxWebhookBody bounds the size of a webhook request
const maxWebhookBody = 1 << 20

// Dispatcher processes a verified webhook event
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *webhook.Event) error
}

// WebhookHandler handles WHOOP webhook callbacks
type WebhookHandler struct {
	verifier   *webhook.Verifier
	dispatcher Dispatcher
	db         *database.DB
	ackTimeout time.Duration
}

// NewWebhookHandler creates a new webhook handler. Events that cannot be
// processed within ackTimeout are queued and finished by the worker.
func NewWebhookHandler(verifier *webhook.Verifier, dispatcher Dispatcher, db *database.DB, ackTimeout time.Duration) *WebhookHandler {
	return &WebhookHandler{
		verifier:   verifier,
		dispatcher: dispatcher,
		db:         db,
		ackTimeout: ackTimeout,
	}
}

// HandleHealth answers GET health checks from the vendor's dashboard
func (h *WebhookHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleEvent verifies, parses and dispatches a webhook delivery.
// Anything that fails after verification answers 500 so WHOOP redelivers.
func (h *WebhookHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	logger := middleware.Logger(r.Context())

	// The signature covers the exact bytes received
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.Warn("Webhook body too large", "limit", tooLarge.Limit)
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		logger.Error("Failed to read webhook body", "error", err)
		writeError(w, http.StatusBadRequest, "Bad request")
		return
	}
	defer r.Body.Close()

	if err := h.verifier.VerifyRequest(r.Header, body); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", metrics.WebhookBadSignature).Inc()
		if errors.Is(err, webhook.ErrMissingSignature) {
			logger.Warn("Webhook missing signature headers")
			writeError(w, http.StatusBadRequest, "Missing signature headers")
			return
		}
		logger.Warn("Webhook signature rejected", "error", err)
		writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	ev, err := webhook.ParseEvent(body)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", metrics.WebhookMalformed).Inc()
		logger.Warn("Malformed webhook payload", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	logger = logger.With("event_type", ev.Type, "whoop_user_id", int64(ev.UserID), "object_id", string(ev.ID))
	logger.Info("Received webhook event")

	ctx, cancel := context.WithTimeout(r.Context(), h.ackTimeout)
	err = h.dispatcher.Dispatch(ctx, ev)
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	cancel()

	switch {
	case webhook.Acknowledged(err):
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	case timedOut:
		h.deferEvent(w, r, logger, ev, body)
	case errors.Is(err, webhook.ErrMalformedPayload):
		logger.Warn("Malformed webhook event", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid payload")
	default:
		logger.Error("Failed to process webhook event", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// deferEvent queues an event whose processing outlived the acknowledgement
// budget
func (h *WebhookHandler) deferEvent(w http.ResponseWriter, r *http.Request, logger *slog.Logger, ev *webhook.Event, body []byte) {
	id, err := h.db.EnqueueWebhook(context.WithoutCancel(r.Context()), body)
	if err != nil {
		logger.Error("Failed to defer webhook event", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	metrics.WebhookEventsTotal.WithLabelValues(ev.Type, metrics.WebhookDeferred).Inc()
	logger.Info("Deferred webhook event to queue", "queue_id", id, "ack_timeout", h.ackTimeout)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true, "deferred": true})
}
