package models

import (
	"time"

	"github.com/google/uuid"
)

// Stage identifies one node of the per-ticket pipeline.
type Stage string

// Pipeline stages. StagePipeline is the synthetic batch-level stage used
// for batch lifecycle events.
const (
	StageIngestion  Stage = "ingestion"
	StageSpamFilter Stage = "spam_filter"
	StagePIIScrub   Stage = "pii_scrub"
	StageLLM        Stage = "llm_analysis"
	StageGeocode    Stage = "geocoding"
	StagePriority   Stage = "priority"
	StageRouting    Stage = "routing"
	StagePipeline   Stage = "pipeline"
)

// StageStatus is the state of one stage run for one ticket.
type StageStatus string

// Stage statuses. Completed and failed are terminal: a StageOutcome never
// transitions away from either.
const (
	StagePending    StageStatus = "pending"
	StageInProgress StageStatus = "in_progress"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
	StageSkipped    StageStatus = "skipped"
)

// Terminal reports whether s is a terminal stage status.
func (s StageStatus) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageSkipped
}

// StageOutcome is the persisted record of a stage run. The current status
// per (ticket, stage) is the latest row.
type StageOutcome struct {
	ID          int64       `json:"id" db:"id"`
	TicketID    uuid.UUID   `json:"ticket_id" db:"ticket_id"`
	BatchID     uuid.UUID   `json:"batch_id" db:"batch_id"`
	Stage       Stage       `json:"stage" db:"stage"`
	Status      StageStatus `json:"status" db:"status"`
	Message     string      `json:"message,omitempty" db:"message"`
	ErrorDetail string      `json:"error_detail,omitempty" db:"error_detail"`
	StartedAt   time.Time   `json:"started_at" db:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
}

// ElapsedMS returns the stage duration in milliseconds, or 0 while running.
func (o *StageOutcome) ElapsedMS() int64 {
	if o.CompletedAt == nil {
		return 0
	}
	return o.CompletedAt.Sub(o.StartedAt).Milliseconds()
}
