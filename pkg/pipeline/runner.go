package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/fire-crm/fire/pkg/config"
	"github.com/fire-crm/fire/pkg/events"
	"github.com/fire-crm/fire/pkg/faults"
	"github.com/fire-crm/fire/pkg/models"
)

// OutcomeStore is the durable side of the progress story: the runner
// writes one StageOutcome per stage run and reads back completed ones
// for the idempotency guard.
type OutcomeStore interface {
	// UpsertOutcome persists an outcome. Terminal statuses must never
	// overwrite an existing terminal row for the same (ticket, stage).
	UpsertOutcome(ctx context.Context, outcome *models.StageOutcome) error

	// CompletedOutcome returns the completed outcome for (ticket,
	// stage), or nil when the stage has not completed.
	CompletedOutcome(ctx context.Context, ticketID uuid.UUID, stage models.Stage) (*models.StageOutcome, error)
}

// StageFunc is the work of one stage for one ticket. The returned
// message lands in the StageOutcome; data is attached to the completed
// event. Implementations must be safe to re-invoke after a crash.
type StageFunc func(ctx context.Context) (message string, data map[string]any, err error)

// StageRequest describes one stage execution.
type StageRequest struct {
	Stage    models.Stage
	TicketID uuid.UUID
	BatchID  uuid.UUID

	// AttemptTimeout bounds each attempt; zero means no per-attempt
	// timeout. WallClock bounds all attempts together.
	AttemptTimeout time.Duration
	WallClock      time.Duration

	Fn StageFunc
}

// Runner executes stages: idempotency guard, retry with capped
// exponential backoff, event emission, outcome persistence. Errors
// never escape to the caller as panics or raises; the StageOutcome is
// the contract.
type Runner struct {
	cfg   *config.PipelineConfig
	bus   *events.Bus
	store OutcomeStore
}

func NewRunner(cfg *config.PipelineConfig, bus *events.Bus, store OutcomeStore) *Runner {
	return &Runner{cfg: cfg, bus: bus, store: store}
}

// Run executes one stage and returns its outcome. A stage already
// completed for this ticket short-circuits without invoking Fn.
func (r *Runner) Run(ctx context.Context, req StageRequest) *models.StageOutcome {
	log := slog.With("ticket_id", req.TicketID, "batch_id", req.BatchID, "stage", req.Stage)

	if prior, err := r.store.CompletedOutcome(ctx, req.TicketID, req.Stage); err != nil {
		log.Warn("Idempotency check failed, running stage anyway", "error", err)
	} else if prior != nil {
		log.Debug("Stage already completed, returning stored outcome")
		return prior
	}

	outcome := &models.StageOutcome{
		TicketID:  req.TicketID,
		BatchID:   req.BatchID,
		Stage:     req.Stage,
		Status:    models.StageInProgress,
		StartedAt: time.Now().UTC(),
	}
	r.persist(outcome)
	r.bus.Publish(events.TicketEvent(req.TicketID, req.BatchID, req.Stage, events.StatusInProgress, nil))

	message, data, err := r.attempt(ctx, req)

	now := time.Now().UTC()
	outcome.CompletedAt = &now

	if err != nil {
		outcome.Status = models.StageFailed
		outcome.ErrorDetail = err.Error()
		if faults.IsCancelled(err) {
			outcome.Message = "cancelled"
		} else {
			outcome.Message = message
		}
		r.persist(outcome)
		r.bus.Publish(events.TicketEvent(req.TicketID, req.BatchID, req.Stage, events.StatusFailed,
			map[string]any{"error": err.Error(), "elapsed_ms": outcome.ElapsedMS()}))
		log.Warn("Stage failed", "error", err, "elapsed_ms", outcome.ElapsedMS())
		return outcome
	}

	outcome.Status = models.StageCompleted
	outcome.Message = message
	r.persist(outcome)

	if data == nil {
		data = map[string]any{}
	}
	data["elapsed_ms"] = outcome.ElapsedMS()
	r.bus.Publish(events.TicketEvent(req.TicketID, req.BatchID, req.Stage, events.StatusCompleted, data))
	log.Debug("Stage completed", "elapsed_ms", outcome.ElapsedMS())
	return outcome
}

// attempt runs Fn under the retry policy: only transient failures are
// retried, at most RetryBudget times, with capped exponential backoff,
// all inside the stage wall clock.
func (r *Runner) attempt(ctx context.Context, req StageRequest) (string, map[string]any, error) {
	stageCtx := ctx
	if req.WallClock > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, req.WallClock)
		defer cancel()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.BackoffInitial
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxInterval = r.cfg.BackoffCeiling
	b.MaxElapsedTime = 0 // the wall-clock context bounds us instead

	var (
		message string
		data    map[string]any
	)
	operation := func() error {
		attemptCtx := stageCtx
		if req.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(stageCtx, req.AttemptTimeout)
			defer cancel()
		}

		var err error
		message, data, err = req.Fn(attemptCtx)
		if err == nil {
			return nil
		}
		// The batch context going down must not be retried away.
		if ctx.Err() != nil {
			return backoff.Permanent(faults.Cancelled(ctx.Err()))
		}
		if faults.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.RetryBudget)), stageCtx))
	if err != nil {
		// Wall clock exceeded escalates to stage failure.
		if errors.Is(stageCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return message, data, faults.Transientf("stage wall clock %v exceeded: %w", req.WallClock, err)
		}
		if ctx.Err() != nil && !faults.IsCancelled(err) {
			return message, data, faults.Cancelled(fmt.Errorf("%w: %v", ctx.Err(), err))
		}
		return message, data, err
	}
	return message, data, nil
}

// persist writes the outcome under the DB write timeout. Best effort:
// storage failures are logged, the pipeline carries on and the event
// stream remains authoritative for live observers.
func (r *Runner) persist(outcome *models.StageOutcome) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.DBWriteTimeout)
	defer cancel()
	if err := r.store.UpsertOutcome(ctx, outcome); err != nil {
		slog.Error("Failed to persist stage outcome",
			"ticket_id", outcome.TicketID, "stage", outcome.Stage,
			"status", outcome.Status, "error", err)
	}
}
