package ordersync

import (
	"context"
	"time"

	"github.com/mmdatafocus/transfer_engine/config"
	"github.com/mmdatafocus/transfer_engine/models"
	"github.com/sirupsen/logrus"
)

// RetryWorker re-runs retrying records once their next_retry_at has passed.
type RetryWorker struct {
	Coordinator *Coordinator
	Interval    time.Duration
	BatchSize   int
	Logger      *logrus.Logger
}

func NewRetryWorker(c *Coordinator, cfg config.SyncConfig, logger *logrus.Logger) *RetryWorker {
	return &RetryWorker{
		Coordinator: c,
		Interval:    cfg.RetryPollInterval,
		BatchSize:   cfg.RetryBatchSize,
		Logger:      logger,
	}
}

// RunOnce claims due records and retries them in order. It returns the number of
// records attempted.
func (w *RetryWorker) RunOnce(ctx context.Context) (int, error) {
	limit := w.BatchSize
	if limit <= 0 {
		limit = 20
	}
	due, err := models.ClaimDueSyncRecords(ctx, w.Coordinator.DB, w.Coordinator.now(), limit)
	if err != nil {
		config.LogError(w.Logger, "retryWorker.go", "RunOnce", "ClaimDueSyncRecords", nil, err)
		return 0, err
	}
	for i := range due {
		if ctx.Err() != nil {
			return i, ctx.Err()
		}
		// failures are already recorded on the row
		_, _ = w.Coordinator.Retry(ctx, &due[i])
	}
	return len(due), nil
}

// Run polls until ctx is cancelled.
func (w *RetryWorker) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.Logger.WithField("interval", interval.String()).Info("sync retry worker started")
	for {
		select {
		case <-ctx.Done():
			w.Logger.Info("sync retry worker stopped")
			return
		case <-ticker.C:
			if n, err := w.RunOnce(ctx); err == nil && n > 0 {
				w.Logger.WithField("records", n).Info("sync retry batch processed")
			}
		}
	}
}
