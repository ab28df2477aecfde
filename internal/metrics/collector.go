package metrics

import (
	"context"
	"log/slog"
	"time"
)

// QueueStats is implemented by the database for queue depth queries
type QueueStats interface {
	WebhookQueueLength(ctx context.Context) (int, error)
	ReadyWebhookQueueLength(ctx context.Context) (int, error)
	ProcessingWebhookQueueLength(ctx context.Context) (int, error)
	SyncJobQueueLength(ctx context.Context) (int, error)
	ReadySyncJobQueueLength(ctx context.Context) (int, error)
	ProcessingSyncJobQueueLength(ctx context.Context) (int, error)
}

// QueueDepthCollector periodically publishes queue depths as gauges.
// It implements suture.Service.
type QueueDepthCollector struct {
	db       QueueStats
	interval time.Duration
	logger   *slog.Logger
}

// NewQueueDepthCollector creates a collector polling every interval
func NewQueueDepthCollector(db QueueStats, interval time.Duration) *QueueDepthCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &QueueDepthCollector{
		db:       db,
		interval: interval,
		logger:   slog.Default(),
	}
}

// Serve runs until ctx is cancelled
func (c *QueueDepthCollector) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Collect once immediately
	c.Collect(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Queue depth collector stopping")
			return nil
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

func (c *QueueDepthCollector) String() string { return "queue-depth-collector" }

// Collect reads every queue length once and updates the gauges
func (c *QueueDepthCollector) Collect(ctx context.Context) {
	set := func(queue, what string, read func(context.Context) (int, error), apply func(string, float64)) {
		n, err := read(ctx)
		if err != nil {
			c.logger.Error("Failed to get queue length", "queue", queue, "state", what, "error", err)
			return
		}
		apply(queue, float64(n))
	}

	total := func(q string, v float64) { QueueDepthTotal.WithLabelValues(q).Set(v) }
	ready := func(q string, v float64) { QueueDepthReady.WithLabelValues(q).Set(v) }
	processing := func(q string, v float64) { QueueDepthProcessing.WithLabelValues(q).Set(v) }

	set(QueueTypeWebhook, "total", c.db.WebhookQueueLength, total)
	set(QueueTypeWebhook, "ready", c.db.ReadyWebhookQueueLength, ready)
	set(QueueTypeWebhook, "processing", c.db.ProcessingWebhookQueueLength, processing)
	set(QueueTypeSyncJob, "total", c.db.SyncJobQueueLength, total)
	set(QueueTypeSyncJob, "ready", c.db.ReadySyncJobQueueLength, ready)
	set(QueueTypeSyncJob, "processing", c.db.ProcessingSyncJobQueueLength, processing)
}
