package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"tablegate/internal/pkg/logger"
	"tablegate/internal/pkg/models"
	"tablegate/internal/pkg/processor"
	"tablegate/internal/pkg/queue"
)

// How long an idle worker waits before polling the queue again
const pollInterval = 200 * time.Millisecond

// Manages a pool of workers that drain the notification queue
type WorkerPool struct {
	numWorkers int
	queue      *queue.Queue
	processor  processor.Processor
	wg         conc.WaitGroup
	processed  atomic.Int64
}

// Creates a new worker pool with the specified number of workers
func NewWorkerPool(numWorkers int, queue *queue.Queue, processor processor.Processor) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &WorkerPool{
		numWorkers: numWorkers,
		queue:      queue,
		processor:  processor,
	}
}

// Launches the worker goroutines
func (wp *WorkerPool) Start(ctx context.Context) {
	logger.Log.Info("Starting worker pool", zap.Int("workers", wp.numWorkers))

	for i := 0; i < wp.numWorkers; i++ {
		id := i
		wp.wg.Go(func() { wp.runWorker(ctx, id) })
	}
}

// Blocks until all workers have finished
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

func (wp *WorkerPool) NumWorkers() int {
	return wp.numWorkers
}

// Processed returns how many notifications the pool has handled.
func (wp *WorkerPool) Processed() int64 {
	return wp.processed.Load()
}

// The main loop for each worker goroutine. It returns when ctx is done or
// the queue is closed and drained.
func (wp *WorkerPool) runWorker(ctx context.Context, id int) {
	logger.Log.Info("Worker started", zap.Int("worker_id", id))

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		wp.drain(ctx, id)

		select {
		case <-ctx.Done():
			logger.Log.Info("Worker received stop signal", zap.Int("worker_id", id))
			return
		case _, open := <-wp.queue.Signal():
			if !open {
				wp.drain(ctx, id)
				logger.Log.Info("Worker stopping, queue closed", zap.Int("worker_id", id))
				return
			}
		case <-ticker.C:
		}
	}
}

func (wp *WorkerPool) drain(ctx context.Context, id int) {
	for ctx.Err() == nil {
		notification, err := wp.queue.Remove()
		if err != nil {
			return
		}
		wp.handle(ctx, id, notification)
	}
}

func (wp *WorkerPool) handle(ctx context.Context, id int, n models.Notification) {
	defer wp.processed.Add(1)

	var catcher panics.Catcher
	catcher.Try(func() {
		summary, err := wp.processor.ProcessDocument(ctx, n)
		if err != nil {
			logger.Log.Warn("Failed to process document",
				zap.Int("worker_id", id),
				zap.String("notification_id", n.ID),
				zap.String("scope", n.Scope),
				zap.String("document_id", n.DocumentID),
				zap.Error(err))
			return
		}
		logger.Log.Debug("Processed notification",
			zap.Int("worker_id", id),
			zap.String("notification_id", n.ID),
			zap.Int("applied", summary.Applied))
	})
	if recovered := catcher.Recovered(); recovered != nil {
		logger.Log.Error("Recovered panic while processing document",
			zap.Int("worker_id", id),
			zap.String("scope", n.Scope),
			zap.String("document_id", n.DocumentID),
			zap.Error(recovered.AsError()))
	}
}
