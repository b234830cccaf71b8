package models

import (
	"time"

	"github.com/google/uuid"
)

// BatchStatus is the processing state of one uploaded file.
type BatchStatus string

// Batch lifecycle statuses.
const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchCancelled  BatchStatus = "cancelled"
)

// Batch is one uploaded file worth of tickets, processed as a unit.
type Batch struct {
	ID          uuid.UUID   `json:"id" db:"id"`
	Filename    string      `json:"filename" db:"filename"`
	TotalRows   int         `json:"total_rows" db:"total_rows"`
	Processed   int         `json:"processed" db:"processed"`
	SpamCount   int         `json:"spam_count" db:"spam_count"`
	RoutedCount int         `json:"routed_count" db:"routed_count"`
	FailedCount int         `json:"failed_count" db:"failed_count"`
	Status      BatchStatus `json:"status" db:"status"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
}
