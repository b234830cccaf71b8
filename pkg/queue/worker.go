package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fire-crm/fire/pkg/config"
	"github.com/fire-crm/fire/pkg/database"
	"github.com/fire-crm/fire/pkg/pipeline"
)

// Worker polls for pending batches and processes one at a time.
type Worker struct {
	id       string
	store    BatchClaimer
	cfg      *config.QueueConfig
	executor BatchExecutor
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu               sync.RWMutex
	status           WorkerStatus
	currentBatchID   uuid.UUID
	batchesProcessed int
	lastActivity     time.Time
}

// NewWorker creates a queue worker.
func NewWorker(id string, store BatchClaimer, cfg *config.QueueConfig, executor BatchExecutor) *Worker {
	return &Worker{
		id:           id,
		store:        store,
		cfg:          cfg,
		executor:     executor,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for the current batch to
// finish. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker stats.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	health := WorkerHealth{
		ID:               w.id,
		Status:           w.status,
		BatchesProcessed: w.batchesProcessed,
		LastActivity:     w.lastActivity,
	}
	if w.currentBatchID != uuid.Nil {
		health.CurrentBatchID = w.currentBatchID.String()
	}
	return health
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Info("Queue worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Queue worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, queue worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoBatchesAvailable) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing batch", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims the next pending batch and runs it under the
// batch timeout.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	batch, err := w.store.ClaimPendingBatch(ctx)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrNoBatchesAvailable
		}
		return fmt.Errorf("claiming pending batch: %w", err)
	}

	log := slog.With("batch_id", batch.ID, "worker_id", w.id)
	log.Info("Batch claimed", "filename", batch.Filename, "total_rows", batch.TotalRows)

	w.setStatus(WorkerStatusWorking, batch.ID)
	defer w.setStatus(WorkerStatusIdle, uuid.Nil)

	batchCtx, cancel := context.WithTimeout(ctx, w.cfg.BatchTimeout)
	defer cancel()

	err = w.executor.Execute(batchCtx, batch.ID)
	switch {
	case errors.Is(err, pipeline.ErrBatchActive):
		// Someone started it through the API between claim and run.
		log.Warn("Batch already in flight, skipping")
	case err != nil:
		log.Error("Batch processing failed", "error", err)
	default:
		log.Info("Batch processing complete")
	}

	w.mu.Lock()
	w.batchesProcessed++
	w.mu.Unlock()
	return nil
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.cfg.PollInterval
	jitter := w.cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

func (w *Worker) setStatus(status WorkerStatus, batchID uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentBatchID = batchID
	w.lastActivity = time.Now()
}
