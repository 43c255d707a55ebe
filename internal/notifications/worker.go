package notifications

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/booking-notifier/internal/domain"
)

// WorkerConfig contains worker configuration.
type WorkerConfig struct {
	BatchSize    int
	PollInterval time.Duration
	NumWorkers   int
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:    100,
		PollInterval: 5 * time.Second,
		NumWorkers:   2,
	}
}

// maxRedeliveryAttempts bounds how often an item is claimed before it is
// marked failed.
const maxRedeliveryAttempts = 5

// Processor runs a deferred notification through the delivery pipeline.
type Processor interface {
	Redeliver(ctx context.Context, n domain.Notification) error
}

// Worker re-submits deferred notifications once they become due.
// A notification that is still outside its delivery window is deferred again
// by the engine as a new queue item. When that fails the item stays in
// processing and is claimed again once stale.
type Worker struct {
	config    WorkerConfig
	queue     DeferredQueue
	processor Processor

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker creates a new deferred notification worker.
func NewWorker(config WorkerConfig, queue DeferredQueue, processor Processor) *Worker {
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultWorkerConfig().BatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultWorkerConfig().PollInterval
	}
	return &Worker{
		config:    config,
		queue:     queue,
		processor: processor,
		stopCh:    make(chan struct{}),
	}
}

// Start launches worker goroutines.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("starting deferred notification worker",
		"workers", w.config.NumWorkers,
		"batch_size", w.config.BatchSize,
		"poll_interval", w.config.PollInterval,
	)

	for i := 0; i < w.config.NumWorkers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	slog.Info("deferred notification worker stopped")
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.processBatch(ctx, workerID)
		}
	}
}

// processBatch fetches due items and processes them. It returns the number of
// items fetched.
func (w *Worker) processBatch(ctx context.Context, workerID int) int {
	items, err := w.queue.FetchDue(ctx, w.config.BatchSize)
	if err != nil {
		slog.Error("failed to fetch due notifications", "worker", workerID, "error", err)
		return 0
	}

	if len(items) == 0 {
		return 0
	}

	slog.Debug("processing deferred notifications", "worker", workerID, "count", len(items))
	recordDeferredFetched(len(items))

	for _, item := range items {
		w.processItem(ctx, item)
	}
	return len(items)
}

func (w *Worker) processItem(ctx context.Context, item *DeferredItem) {
	n := item.Notification
	// The schedule has been honoured; clear it so the engine does not defer again.
	n.ScheduledFor = nil

	err := w.processor.Redeliver(ctx, n)
	if err != nil {
		if !errors.Is(err, ErrInvalidNotification) && item.Attempts < maxRedeliveryAttempts {
			slog.Warn("deferred notification kept for retry",
				"item_id", item.ID,
				"notification_id", n.ID,
				"attempts", item.Attempts,
				"error", err,
			)
			return
		}
		slog.Warn("deferred notification failed",
			"item_id", item.ID,
			"notification_id", n.ID,
			"attempts", item.Attempts,
			"error", err,
		)
		if markErr := w.queue.MarkFailed(ctx, item.ID, err); markErr != nil {
			slog.Error("failed to mark as failed", "item_id", item.ID, "error", markErr)
		}
		return
	}

	if err := w.queue.MarkProcessed(ctx, item.ID); err != nil {
		slog.Error("failed to mark as processed", "item_id", item.ID, "error", err)
		return
	}

	slog.Debug("deferred notification processed",
		"item_id", item.ID,
		"notification_id", n.ID,
		"reason", item.Reason,
	)
}
