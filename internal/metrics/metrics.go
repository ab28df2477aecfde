package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "whoop_sync"

// Label values
const (
	// Queue types
	QueueTypeWebhook = "webhook"
	QueueTypeSyncJob = "sync_job"

	// Queue results
	ResultSuccess = "success"
	ResultRetry   = "retry"
	ResultDropped = "dropped"
	ResultFailure = "failure"

	// Worker outcomes
	OutcomeWebhookFound = "webhook_found"
	OutcomeSyncJobFound = "sync_job_found"
	OutcomeIdle         = "idle"

	// HTTP endpoints
	EndpointOAuthStart       = "oauth_start"
	EndpointOAuthCallback    = "oauth_callback"
	EndpointWebhook          = "webhook"
	EndpointWebhookHealth    = "webhook_health"
	EndpointConnectionStatus = "connection_status"
	EndpointDisconnect       = "disconnect"
	EndpointManualSync       = "manual_sync"
	EndpointRecords          = "records"
	EndpointHealth           = "health"

	// WHOOP API operations
	OpExchangeCode     = "exchange_code"
	OpRefreshToken     = "refresh_token"
	OpRevokeAccess     = "revoke_access"
	OpGetProfile       = "get_profile"
	OpGetBody          = "get_body_measurement"
	OpGetCycle         = "get_cycle"
	OpListCycles       = "list_cycles"
	OpGetRecovery      = "get_recovery"
	OpListRecoveries   = "list_recoveries"
	OpGetSleep         = "get_sleep"
	OpListSleeps       = "list_sleeps"
	OpGetWorkout       = "get_workout"
	OpListWorkouts     = "list_workouts"
	OpUnknownOperation = "other"

	// Webhook outcomes
	WebhookProcessed    = "processed"
	WebhookIgnored      = "ignored"
	WebhookUnknownUser  = "unknown_user"
	WebhookDeferred     = "deferred"
	WebhookFailed       = "failed"
	WebhookBadSignature = "bad_signature"
	WebhookMalformed    = "malformed"

	// Token refresh outcomes
	RefreshSuccess        = "success"
	RefreshRejected       = "rejected"
	RefreshTransientError = "transient_error"

	// Database operations
	DBOpEnqueueWebhook           = "enqueue_webhook"
	DBOpClaimWebhook             = "claim_webhook"
	DBOpDeleteWebhook            = "delete_webhook"
	DBOpReleaseWebhook           = "release_webhook"
	DBOpEnqueueSyncJob           = "enqueue_sync_job"
	DBOpClaimSyncJob             = "claim_sync_job"
	DBOpDeleteSyncJob            = "delete_sync_job"
	DBOpReleaseSyncJob           = "release_sync_job"
	DBOpGetConnection            = "get_connection"
	DBOpSaveConnection           = "save_connection"
	DBOpUpdateTokens             = "update_tokens"
	DBOpMarkReauth               = "mark_reauth_required"
	DBOpDeleteConnection         = "delete_connection"
	DBOpGetProfile               = "get_profile"
	DBOpUpsertProfile            = "upsert_profile"
	DBOpDeleteProfile            = "delete_profile"
	DBOpUpsertRecord             = "upsert_record"
	DBOpFindRecord               = "find_record"
	DBOpListRecords              = "list_records"
	DBOpDeleteRecord             = "delete_record"
	DBOpDeleteRecordsByProfile   = "delete_records_by_profile"
	DBOpSetLastSync              = "set_last_sync"
	DBOpGetQueueLength           = "get_queue_length"
	DBOpGetSyncJobQueueLength    = "get_sync_job_queue_length"
	DBOpGetReadyQueueLength      = "get_ready_queue_length"
	DBOpGetProcessingQueueLength = "get_processing_queue_length"
)

// HTTP Metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint", "status_code"},
	)
)

// Queue Metrics
var (
	QueueDepthTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth_total",
			Help:      "Total number of items in queue (all states)",
		},
		[]string{"queue_type"},
	)

	QueueDepthReady = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth_ready",
			Help:      "Number of items ready for processing",
		},
		[]string{"queue_type"},
	)

	QueueDepthProcessing = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth_processing",
			Help:      "Number of items currently being processed",
		},
		[]string{"queue_type"},
	)

	QueueEnqueueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_enqueue_total",
			Help:      "Total number of items enqueued",
		},
		[]string{"queue_type"},
	)

	QueueDequeueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_dequeue_total",
			Help:      "Total number of items dequeued with outcome",
		},
		[]string{"queue_type", "result"},
	)

	QueueProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_processing_duration_seconds",
			Help:      "Time spent processing queue items",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"queue_type", "result"},
	)

	QueueRetryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_retry_total",
			Help:      "Total number of retry attempts",
		},
		[]string{"queue_type", "retry_count"},
	)
)

// Worker Metrics
var (
	WorkerPollCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_poll_cycles_total",
			Help:      "Total number of worker poll cycles by outcome",
		},
		[]string{"outcome"},
	)

	WorkerActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_active",
			Help:      "Whether the worker is currently active (1) or not (0)",
		},
	)
)

// WHOOP API Metrics
var (
	WhoopAPIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Total number of WHOOP API requests",
		},
		[]string{"operation", "status_code"},
	)

	WhoopAPIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "WHOOP API request latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation", "status_code"},
	)

	WhoopAPIRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_retries_total",
			Help:      "Total number of retried WHOOP API requests by reason",
		},
		[]string{"reason"},
	)

	WhoopRateLimitRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "api_rate_limit_remaining",
			Help:      "Remaining WHOOP API requests in the current window, as reported by the vendor",
		},
	)

	WhoopRateLimitLimit = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "api_rate_limit_limit",
			Help:      "WHOOP API request limit for the current window, as reported by the vendor",
		},
	)

	TokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "Total number of OAuth token refresh attempts by outcome",
		},
		[]string{"result"},
	)
)

// Database Metrics
var (
	DBOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_operation_duration_seconds",
			Help:      "Database operation latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	DBOperationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_operation_errors_total",
			Help:      "Total number of database operation errors",
		},
		[]string{"operation"},
	)
)

// Business Metrics
var (
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Total number of webhook events received by type and outcome",
		},
		[]string{"event_type", "result"},
	)

	RecordsUpsertedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_upserted_total",
			Help:      "Total number of domain records written",
		},
		[]string{"kind", "source"},
	)

	BackfillsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backfills_completed_total",
			Help:      "Total number of backfills completed, partial means at least one domain failed",
		},
		[]string{"result"},
	)

	BackfillRecordCount = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backfill_record_count",
			Help:      "Number of records synced per backfill and domain",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
		[]string{"kind"},
	)
)

// Circuit Breaker Metrics
var (
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"breaker"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"breaker", "from", "to"},
	)
)
