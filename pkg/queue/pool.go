package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fire-crm/fire/pkg/config"
)

// WorkerPool manages the batch workers of one replica.
type WorkerPool struct {
	cfg      *config.QueueConfig
	store    BatchClaimer
	executor BatchExecutor
	workers  []*Worker
	started  bool
}

// NewWorkerPool creates a worker pool.
func NewWorkerPool(cfg *config.QueueConfig, store BatchClaimer, executor BatchExecutor) *WorkerPool {
	return &WorkerPool{
		cfg:      cfg,
		store:    store,
		executor: executor,
		workers:  make([]*Worker, 0, cfg.WorkerCount),
	}
}

// Start spawns the worker goroutines. Safe to call multiple times;
// subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call")
		return
	}
	p.started = true

	slog.Info("Starting worker pool", "worker_count", p.cfg.WorkerCount)
	for i := 0; i < p.cfg.WorkerCount; i++ {
		worker := NewWorker(fmt.Sprintf("worker-%d", i), p.store, p.cfg, p.executor)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}
}

// Stop signals all workers and waits for in-flight batches to finish.
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully")
	for _, worker := range p.workers {
		worker.Stop()
	}
	slog.Info("Worker pool stopped")
}

// Health returns the aggregate pool status.
func (p *WorkerPool) Health() *PoolHealth {
	stats := make([]WorkerHealth, len(p.workers))
	active := 0
	for i, worker := range p.workers {
		stats[i] = worker.Health()
		if stats[i].Status == WorkerStatusWorking {
			active++
		}
	}
	return &PoolHealth{
		ActiveWorkers: active,
		TotalWorkers:  len(p.workers),
		WorkerStats:   stats,
	}
}
