package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"whoop-sync/internal/backfill"
	"whoop-sync/internal/database"
	"whoop-sync/internal/metrics"
	"whoop-sync/internal/webhook"
)

// Dispatcher processes a verified webhook event
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *webhook.Event) error
}

// Backfiller pulls a user's history for a time window
type Backfiller interface {
	Backfill(ctx context.Context, userID string, since, until time.Time) backfill.Result
}

// Worker drains the deferred webhook queue and the sync job queue
type Worker struct {
	db           *database.DB
	dispatcher   Dispatcher
	backfiller   Backfiller
	logger       *slog.Logger
	pollInterval time.Duration

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewWorker creates a new worker
func NewWorker(db *database.DB, dispatcher Dispatcher, backfiller Backfiller) *Worker {
	return &Worker{
		db:           db,
		dispatcher:   dispatcher,
		backfiller:   backfiller,
		logger:       slog.Default(),
		pollInterval: 500 * time.Millisecond,
		running:      make(map[string]context.CancelFunc),
	}
}

// Serve processes both queues until ctx is done. Deferred webhooks are
// always taken before sync jobs.
func (w *Worker) Serve(ctx context.Context) error {
	w.logger.Info("Starting worker (webhooks + sync jobs)")
	metrics.WorkerActive.Set(1)
	defer metrics.WorkerActive.Set(0)

	for {
		if err := ctx.Err(); err != nil {
			w.logger.Info("Stopping worker")
			return err
		}

		if w.poll(ctx) {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(w.pollInterval):
		}
	}
}

func (w *Worker) String() string { return "queue-worker" }

// poll processes at most one queue item and reports whether it found one
func (w *Worker) poll(ctx context.Context) bool {
	item, err := w.db.ClaimWebhook(ctx)
	if err != nil {
		w.logger.Error("Failed to claim webhook", "error", err)
		return false
	}
	if item != nil {
		metrics.WorkerPollCyclesTotal.WithLabelValues(metrics.OutcomeWebhookFound).Inc()
		w.processWebhook(ctx, item)
		return true
	}

	job, err := w.db.ClaimSyncJob(ctx)
	if err != nil {
		w.logger.Error("Failed to claim sync job", "error", err)
		return false
	}
	if job != nil {
		metrics.WorkerPollCyclesTotal.WithLabelValues(metrics.OutcomeSyncJobFound).Inc()
		w.processSyncJob(ctx, job)
		return true
	}

	metrics.WorkerPollCyclesTotal.WithLabelValues(metrics.OutcomeIdle).Inc()
	return false
}

// CancelUser stops the user's running sync job, if any
func (w *Worker) CancelUser(userID string) {
	w.mu.Lock()
	cancel, ok := w.running[userID]
	w.mu.Unlock()
	if ok {
		w.logger.Info("Cancelling running sync", "user_id", userID)
		cancel()
	}
}

// userContext derives a context that CancelUser can end. done must be
// called when the work finishes.
func (w *Worker) userContext(parent context.Context, userID string) (ctx context.Context, done func()) {
	ctx, cancel := context.WithCancel(parent)
	w.mu.Lock()
	w.running[userID] = cancel
	w.mu.Unlock()

	return ctx, func() {
		w.mu.Lock()
		delete(w.running, userID)
		w.mu.Unlock()
		cancel()
	}
}

// processWebhook handles a single deferred webhook
func (w *Worker) processWebhook(ctx context.Context, item *database.WebhookQueueItem) {
	start := time.Now()
	w.logger.Info("Processing webhook", "id", item.ID, "retry_count", item.RetryCount)

	ev, err := webhook.ParseEvent(item.Data)
	if err != nil {
		// Verified before it was queued, so a retry cannot fix it
		w.logger.Error("Dropping unparseable webhook", "id", item.ID, "error", err)
		w.completeWebhook(item.ID, start, metrics.ResultDropped)
		return
	}

	err = w.dispatcher.Dispatch(ctx, ev)
	switch {
	case webhook.Acknowledged(err):
		w.completeWebhook(item.ID, start, metrics.ResultSuccess)
		w.logger.Info("Webhook processed successfully", "id", item.ID, "event_type", ev.Type)
	case errors.Is(err, webhook.ErrMalformedPayload):
		w.logger.Warn("Dropping malformed webhook", "id", item.ID, "error", err)
		w.completeWebhook(item.ID, start, metrics.ResultDropped)
	default:
		w.logger.Error("Failed to process webhook", "id", item.ID, "event_type", ev.Type, "error", err)
		metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeWebhook, metrics.ResultFailure).Observe(time.Since(start).Seconds())
		metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeWebhook, metrics.ResultRetry).Inc()
		metrics.QueueRetryTotal.WithLabelValues(metrics.QueueTypeWebhook, strconv.Itoa(item.RetryCount+1)).Inc()
		w.releaseWebhook(item.ID, item.RetryCount, err.Error())
	}
}

func (w *Worker) completeWebhook(id int64, start time.Time, result string) {
	if err := w.db.DeleteWebhook(context.Background(), id); err != nil {
		w.logger.Error("Failed to delete webhook", "id", id, "error", err)
		return
	}
	metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeWebhook, metrics.ResultSuccess).Observe(time.Since(start).Seconds())
	metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeWebhook, result).Inc()
}

// processSyncJob handles a single sync job
func (w *Worker) processSyncJob(ctx context.Context, job *database.SyncJob) {
	start := time.Now()
	w.logger.Info("Processing sync job",
		"id", job.ID,
		"user_id", job.UserID,
		"job_type", job.JobType,
		"retry_count", job.RetryCount)

	if job.JobType != database.JobTypeBackfill {
		w.logger.Warn("Unknown sync job type", "id", job.ID, "job_type", job.JobType)
		w.completeSyncJob(job.ID, start, metrics.ResultDropped)
		return
	}

	// A job whose user disconnected or must reauthorize cannot succeed by retrying
	conn, err := w.db.GetConnection(ctx, job.UserID)
	if err != nil {
		w.failSyncJob(job, start, err.Error())
		return
	}
	if conn == nil || conn.ReauthRequired {
		w.logger.Warn("Dropping sync job for unusable connection", "id", job.ID, "user_id", job.UserID, "connected", conn != nil)
		w.completeSyncJob(job.ID, start, metrics.ResultDropped)
		return
	}

	userCtx, done := w.userContext(ctx, job.UserID)
	result := w.backfiller.Backfill(userCtx, job.UserID, job.Since, job.Until)
	cancelled := userCtx.Err() != nil && ctx.Err() == nil
	done()

	switch {
	case cancelled:
		w.logger.Info("Sync job cancelled", "id", job.ID, "user_id", job.UserID)
		w.completeSyncJob(job.ID, start, metrics.ResultDropped)
	case result.Failed():
		w.failSyncJob(job, start, summarize(result.Errors))
	default:
		w.completeSyncJob(job.ID, start, metrics.ResultSuccess)
		w.logger.Info("Sync job processed successfully", "id", job.ID, "counts", result.Counts)
	}
}

func summarize(errs map[database.Kind]string) string {
	parts := make([]string, 0, len(errs))
	for _, k := range database.Kinds {
		if msg, ok := errs[k]; ok {
			parts = append(parts, fmt.Sprintf("%s: %s", k, msg))
		}
	}
	return strings.Join(parts, "; ")
}

func (w *Worker) completeSyncJob(id int64, start time.Time, result string) {
	if err := w.db.DeleteSyncJob(context.Background(), id); err != nil {
		w.logger.Error("Failed to delete sync job", "id", id, "error", err)
		return
	}
	metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultSuccess).Observe(time.Since(start).Seconds())
	metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeSyncJob, result).Inc()
}

func (w *Worker) failSyncJob(job *database.SyncJob, start time.Time, errorMsg string) {
	w.logger.Error("Failed to process sync job", "id", job.ID, "user_id", job.UserID, "error", errorMsg)
	metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultFailure).Observe(time.Since(start).Seconds())
	metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultRetry).Inc()
	metrics.QueueRetryTotal.WithLabelValues(metrics.QueueTypeSyncJob, strconv.Itoa(job.RetryCount+1)).Inc()
	w.releaseSyncJob(job.ID, job.RetryCount, errorMsg)
}

// releaseWebhook releases a webhook back to the queue with exponential backoff
func (w *Worker) releaseWebhook(webhookID int64, currentRetryCount int, errorMsg string) {
	shouldRetry, err := w.db.ReleaseWebhook(context.Background(), webhookID, currentRetryCount, errorMsg)
	if err != nil {
		w.logger.Error("Failed to release webhook", "id", webhookID, "error", err)
		return
	}

	if !shouldRetry {
		w.logger.Warn("Webhook exceeded max retries, dropped",
			"id", webhookID,
			"retry_count", currentRetryCount)
	} else {
		w.logger.Info("Webhook released for retry",
			"id", webhookID,
			"retry_count", currentRetryCount+1)
	}
}

// releaseSyncJob releases a sync job back to the queue with exponential backoff
func (w *Worker) releaseSyncJob(jobID int64, currentRetryCount int, errorMsg string) {
	shouldRetry, err := w.db.ReleaseSyncJob(context.Background(), jobID, currentRetryCount, errorMsg)
	if err != nil {
		w.logger.Error("Failed to release sync job", "id", jobID, "error", err)
		return
	}

	if !shouldRetry {
		w.logger.Warn("Sync job exceeded max retries, dropped",
			"id", jobID,
			"retry_count", currentRetryCount)
	} else {
		w.logger.Info("Sync job released for retry",
			"id", jobID,
			"retry_count", currentRetryCount+1)
	}
}
