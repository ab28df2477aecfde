package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"whoop-sync/internal/metrics"
)

const (
	// MaxRetries is the number of failed attempts after which a queue item is dropped
	MaxRetries = 7

	// StaleLockTimeout is how long a claimed item may stay in processing
	// before another worker may claim it again
	StaleLockTimeout = 10 * time.Minute
)

// backoffSchedule is indexed by retry count minus one
var backoffSchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	60 * time.Minute,
	120 * time.Minute,
	240 * time.Minute,
}

func nextRetryDelay(retryCount int) time.Duration {
	idx := retryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	return backoffSchedule[idx]
}

// WebhookQueueItem is a verified webhook envelope awaiting processing
type WebhookQueueItem struct {
	ID         int64
	Data       []byte
	RetryCount int
	LastError  *string
	CreatedAt  time.Time
}

// EnqueueWebhook persists a webhook envelope for deferred processing
func (d *DB) EnqueueWebhook(ctx context.Context, data []byte) (int64, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpEnqueueWebhook))
	defer timer.ObserveDuration()

	var id int64
	err := d.queryRow(ctx, `INSERT INTO webhook_queue (data, created_at) VALUES (?, ?) RETURNING id`,
		string(data), time.Now().Unix()).Scan(&id)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpEnqueueWebhook).Inc()
		return 0, fail("enqueue webhook", err)
	}

	metrics.QueueEnqueueTotal.WithLabelValues(metrics.QueueTypeWebhook).Inc()
	return id, nil
}

// ClaimWebhook claims the oldest ready webhook. Returns nil if none is ready.
// Items are ready when their retry time has passed and they are not held by
// a live claim.
func (d *DB) ClaimWebhook(ctx context.Context) (*WebhookQueueItem, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpClaimWebhook))
	defer timer.ObserveDuration()

	now := time.Now()
	staleThreshold := now.Add(-StaleLockTimeout).Unix()

	var (
		item      WebhookQueueItem
		data      string
		createdAt int64
	)
	err := d.queryRow(ctx, `
		UPDATE webhook_queue
		SET processing_started_at = ?
		WHERE id = (
			SELECT id
			FROM webhook_queue
			WHERE (next_retry_at IS NULL OR next_retry_at <= ?)
			  AND (processing_started_at IS NULL OR processing_started_at < ?)
			ORDER BY id ASC
			LIMIT 1
		)
		RETURNING id, data, retry_count, last_error, created_at
	`, now.Unix(), now.Unix(), staleThreshold).Scan(&item.ID, &data, &item.RetryCount, &item.LastError, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpClaimWebhook).Inc()
		return nil, fail("claim webhook", err)
	}

	item.Data = []byte(data)
	item.CreatedAt = time.Unix(createdAt, 0)
	return &item, nil
}

// DeleteWebhook removes a processed webhook from the queue
func (d *DB) DeleteWebhook(ctx context.Context, id int64) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteWebhook))
	defer timer.ObserveDuration()

	if _, err := d.exec(ctx, `DELETE FROM webhook_queue WHERE id = ?`, id); err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeleteWebhook).Inc()
		return fail("delete webhook", err)
	}
	return nil
}

// ReleaseWebhook returns a failed webhook to the queue with backoff.
// Returns false if the item was dropped after MaxRetries.
func (d *DB) ReleaseWebhook(ctx context.Context, id int64, retryCount int, errMsg string) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpReleaseWebhook))
	defer timer.ObserveDuration()

	newRetryCount := retryCount + 1
	if newRetryCount > MaxRetries {
		if err := d.DeleteWebhook(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}

	nextRetryAt := time.Now().Add(nextRetryDelay(newRetryCount))
	_, err := d.exec(ctx, `
		UPDATE webhook_queue
		SET retry_count = ?, last_error = ?, next_retry_at = ?, processing_started_at = NULL
		WHERE id = ?
	`, newRetryCount, errMsg, nextRetryAt.Unix(), id)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpReleaseWebhook).Inc()
		return false, fail("release webhook", err)
	}
	return true, nil
}

// WebhookQueueLength returns the number of queued webhooks in any state
func (d *DB) WebhookQueueLength(ctx context.Context) (int, error) {
	return d.count(ctx, metrics.DBOpGetQueueLength, `SELECT COUNT(*) FROM webhook_queue`)
}

// ReadyWebhookQueueLength returns the number of webhooks ready to process
func (d *DB) ReadyWebhookQueueLength(ctx context.Context) (int, error) {
	now := time.Now()
	return d.count(ctx, metrics.DBOpGetReadyQueueLength, `
		SELECT COUNT(*) FROM webhook_queue
		WHERE (next_retry_at IS NULL OR next_retry_at <= ?)
		  AND (processing_started_at IS NULL OR processing_started_at < ?)
	`, now.Unix(), now.Add(-StaleLockTimeout).Unix())
}

// ProcessingWebhookQueueLength returns the number of webhooks under a live claim
func (d *DB) ProcessingWebhookQueueLength(ctx context.Context) (int, error) {
	return d.count(ctx, metrics.DBOpGetProcessingQueueLength, `
		SELECT COUNT(*) FROM webhook_queue
		WHERE processing_started_at IS NOT NULL AND processing_started_at >= ?
	`, time.Now().Add(-StaleLockTimeout).Unix())
}

func (d *DB) count(ctx context.Context, op, query string, args ...any) (int, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(op))
	defer timer.ObserveDuration()

	var n int
	if err := d.queryRow(ctx, query, args...).Scan(&n); err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(op).Inc()
		return 0, fail(op, err)
	}
	return n, nil
}
