// Package events provides the in-process stage-event bus and the
// WebSocket fan-out that streams per-stage pipeline progress to
// interested observers in real time.
//
// All stage events flow through a single topic. Subscribers get a
// bounded FIFO queue; when a slow subscriber's queue overflows the
// oldest event is dropped and a per-subscriber drop counter is
// incremented. Publication never blocks the pipeline.
package events

import (
	"time"

	"github.com/fire-crm/fire/pkg/models"
	"github.com/google/uuid"
)

// Event statuses mirrored into the wire payload.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped"
)

// Event is one stage-progress notification. TicketID is the all-zeroes
// UUID for batch-level events.
type Event struct {
	TicketID  uuid.UUID      `json:"ticket_id"`
	BatchID   uuid.UUID      `json:"batch_id"`
	Stage     models.Stage   `json:"stage"`
	Status    string         `json:"status"`
	Field     string         `json:"field,omitempty"`
	Data      map[string]any `json:"data"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// BatchEvent builds a batch-level event (zero ticket UUID).
func BatchEvent(batchID uuid.UUID, stage models.Stage, status, message string, data map[string]any) Event {
	return Event{
		TicketID:  uuid.Nil,
		BatchID:   batchID,
		Stage:     stage,
		Status:    status,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// TicketEvent builds a ticket-level event.
func TicketEvent(ticketID, batchID uuid.UUID, stage models.Stage, status string, data map[string]any) Event {
	return Event{
		TicketID:  ticketID,
		BatchID:   batchID,
		Stage:     stage,
		Status:    status,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}
