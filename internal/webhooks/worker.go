package webhooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Worker periodically drains the retry queue. The reference deployment runs
// a single active worker; scaling out requires adding a claim step so two
// workers never deliver the same job.
type Worker struct {
	queue    *Queue
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewWorker creates a retry worker with the given cadence.
func NewWorker(queue *Queue, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Worker{
		queue:    queue,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the worker loop is actively running.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Start begins the retry loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeProcess(ctx)
		}
	}
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Worker) safeProcess(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in webhook worker", "panic", fmt.Sprint(r))
		}
	}()

	res, err := w.queue.ProcessRetryBatch(ctx)
	if err != nil {
		w.logger.Warn("webhook retry batch failed", "error", err)
		return
	}
	if res.Processed > 0 {
		w.logger.Info("webhook retry batch complete",
			"processed", res.Processed,
			"succeeded", res.Succeeded,
			"retrying", res.Failed,
			"permanentFailed", res.PermanentFailed,
		)
	}
}
