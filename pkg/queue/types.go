// Package queue runs background workers that claim pending batches and
// push them through the pipeline, so uploads can be processed without
// an explicit process call and across replicas.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fire-crm/fire/pkg/models"
)

// ErrNoBatchesAvailable signals an empty queue; workers sleep and poll
// again.
var ErrNoBatchesAvailable = errors.New("no pending batches available")

// BatchClaimer atomically claims the oldest pending batch, flipping it
// to processing so concurrent replicas skip it.
type BatchClaimer interface {
	ClaimPendingBatch(ctx context.Context) (*models.Batch, error)
}

// BatchExecutor runs one claimed batch to completion.
type BatchExecutor interface {
	Execute(ctx context.Context, batchID uuid.UUID) error
}

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth is one worker's stats for health reporting.
type WorkerHealth struct {
	ID               string       `json:"id"`
	Status           WorkerStatus `json:"status"`
	CurrentBatchID   string       `json:"current_batch_id,omitempty"`
	BatchesProcessed int          `json:"batches_processed"`
	LastActivity     time.Time    `json:"last_activity"`
}

// PoolHealth is the aggregate worker pool status.
type PoolHealth struct {
	ActiveWorkers int            `json:"active_workers"`
	TotalWorkers  int            `json:"total_workers"`
	WorkerStats   []WorkerHealth `json:"worker_stats"`
}
