package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"whoop-sync/internal/metrics"
)

// JobTypeBackfill pulls every domain for a time window
const JobTypeBackfill = "backfill"

// SyncJob is a pending backfill
type SyncJob struct {
	ID         int64
	UserID     string
	JobType    string
	Since      time.Time
	Until      time.Time
	RetryCount int
	LastError  *string
	CreatedAt  time.Time
}

// EnqueueSyncJob adds a backfill of [since, until] for the user
func (d *DB) EnqueueSyncJob(ctx context.Context, userID string, since, until time.Time) (int64, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpEnqueueSyncJob))
	defer timer.ObserveDuration()

	var id int64
	err := d.queryRow(ctx, `
		INSERT INTO sync_jobs (user_id, job_type, since_at, until_at, created_at)
		VALUES (?, ?, ?, ?, ?) RETURNING id
	`, userID, JobTypeBackfill, since.Unix(), until.Unix(), time.Now().Unix()).Scan(&id)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpEnqueueSyncJob).Inc()
		return 0, fail("enqueue sync job", err)
	}

	metrics.QueueEnqueueTotal.WithLabelValues(metrics.QueueTypeSyncJob).Inc()
	return id, nil
}

// ClaimSyncJob claims the oldest ready sync job. Returns nil if none is ready.
func (d *DB) ClaimSyncJob(ctx context.Context) (*SyncJob, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpClaimSyncJob))
	defer timer.ObserveDuration()

	now := time.Now()
	staleThreshold := now.Add(-StaleLockTimeout).Unix()

	var (
		job                     SyncJob
		since, until, createdAt int64
	)
	err := d.queryRow(ctx, `
		UPDATE sync_jobs
		SET processing_started_at = ?
		WHERE id = (
			SELECT id
			FROM sync_jobs
			WHERE (next_retry_at IS NULL OR next_retry_at <= ?)
			  AND (processing_started_at IS NULL OR processing_started_at < ?)
			ORDER BY id ASC
			LIMIT 1
		)
		RETURNING id, user_id, job_type, since_at, until_at, retry_count, last_error, created_at
	`, now.Unix(), now.Unix(), staleThreshold).Scan(
		&job.ID, &job.UserID, &job.JobType, &since, &until, &job.RetryCount, &job.LastError, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpClaimSyncJob).Inc()
		return nil, fail("claim sync job", err)
	}

	job.Since = time.Unix(since, 0)
	job.Until = time.Unix(until, 0)
	job.CreatedAt = time.Unix(createdAt, 0)
	return &job, nil
}

// DeleteSyncJob removes a finished sync job
func (d *DB) DeleteSyncJob(ctx context.Context, id int64) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteSyncJob))
	defer timer.ObserveDuration()

	if _, err := d.exec(ctx, `DELETE FROM sync_jobs WHERE id = ?`, id); err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeleteSyncJob).Inc()
		return fail("delete sync job", err)
	}
	return nil
}

// DeleteSyncJobsForUser drops every pending sync job of a user
func (d *DB) DeleteSyncJobsForUser(ctx context.Context, userID string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteSyncJob))
	defer timer.ObserveDuration()

	if _, err := d.exec(ctx, `DELETE FROM sync_jobs WHERE user_id = ?`, userID); err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeleteSyncJob).Inc()
		return fail("delete sync jobs", err)
	}
	return nil
}

// ReleaseSyncJob returns a failed sync job to the queue with backoff.
// Returns false if the job was dropped after MaxRetries.
func (d *DB) ReleaseSyncJob(ctx context.Context, id int64, retryCount int, errMsg string) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpReleaseSyncJob))
	defer timer.ObserveDuration()

	newRetryCount := retryCount + 1
	if newRetryCount > MaxRetries {
		if err := d.DeleteSyncJob(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}

	nextRetryAt := time.Now().Add(nextRetryDelay(newRetryCount))
	_, err := d.exec(ctx, `
		UPDATE sync_jobs
		SET retry_count = ?, last_error = ?, next_retry_at = ?, processing_started_at = NULL
		WHERE id = ?
	`, newRetryCount, errMsg, nextRetryAt.Unix(), id)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpReleaseSyncJob).Inc()
		return false, fail("release sync job", err)
	}
	return true, nil
}

// PendingSyncJobs returns the number of queued jobs for a user
func (d *DB) PendingSyncJobs(ctx context.Context, userID string) (int, error) {
	return d.count(ctx, metrics.DBOpGetSyncJobQueueLength, `SELECT COUNT(*) FROM sync_jobs WHERE user_id = ?`, userID)
}

// SyncJobQueueLength returns the number of sync jobs in any state
func (d *DB) SyncJobQueueLength(ctx context.Context) (int, error) {
	return d.count(ctx, metrics.DBOpGetSyncJobQueueLength, `SELECT COUNT(*) FROM sync_jobs`)
}

// ReadySyncJobQueueLength returns the number of sync jobs ready to process
func (d *DB) ReadySyncJobQueueLength(ctx context.Context) (int, error) {
	now := time.Now()
	return d.count(ctx, metrics.DBOpGetReadyQueueLength, `
		SELECT COUNT(*) FROM sync_jobs
		WHERE (next_retry_at IS NULL OR next_retry_at <= ?)
		  AND (processing_started_at IS NULL OR processing_started_at < ?)
	`, now.Unix(), now.Add(-StaleLockTimeout).Unix())
}

// ProcessingSyncJobQueueLength returns the number of sync jobs under a live claim
func (d *DB) ProcessingSyncJobQueueLength(ctx context.Context) (int, error) {
	return d.count(ctx, metrics.DBOpGetProcessingQueueLength, `
		SELECT COUNT(*) FROM sync_jobs
		WHERE processing_started_at IS NOT NULL AND processing_started_at >= ?
	`, time.Now().Add(-StaleLockTimeout).Unix())
}
