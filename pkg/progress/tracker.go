// Package progress keeps the in-memory per-batch view external pollers
// read while a batch runs. Durable stage outcomes live in storage; this
// tracker only answers "where is my batch right now".
package progress

import (
	"sync"

	"github.com/google/uuid"

	"github.com/fire-crm/fire/pkg/models"
)

// TicketResult is one row of a batch progress snapshot.
type TicketResult struct {
	TicketID   uuid.UUID `json:"ticket_id"`
	RowIndex   int       `json:"row_index"`
	Stage      string    `json:"stage"`
	Status     string    `json:"status"`
	IsSpam     bool      `json:"is_spam"`
	AgentID    string    `json:"agent_id,omitempty"`
	Priority   float64   `json:"priority,omitempty"`
	FailReason string    `json:"fail_reason,omitempty"`
}

// Snapshot is the batch progress view returned to pollers.
type Snapshot struct {
	BatchID   uuid.UUID          `json:"batch_id"`
	Total     int                `json:"total"`
	Processed int                `json:"processed"`
	Spam      int                `json:"spam"`
	Routed    int                `json:"routed"`
	Failed    int                `json:"failed"`
	Current   string             `json:"current"`
	Status    models.BatchStatus `json:"status"`
	Results   []TicketResult     `json:"results"`
}

type batchState struct {
	total     int
	processed int
	spam      int
	routed    int
	failed    int
	current   string
	status    models.BatchStatus
	results   map[uuid.UUID]*TicketResult
	order     []uuid.UUID
}

// Tracker holds live progress for all known batches.
type Tracker struct {
	mu      sync.RWMutex
	batches map[uuid.UUID]*batchState
}

func NewTracker() *Tracker {
	return &Tracker{batches: make(map[uuid.UUID]*batchState)}
}

// StartBatch registers a batch before its first ticket runs.
func (t *Tracker) StartBatch(batchID uuid.UUID, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.batches[batchID] = &batchState{
		total:   total,
		status:  models.BatchProcessing,
		results: make(map[uuid.UUID]*TicketResult, total),
	}
}

// SetStage records which stage a ticket currently runs.
func (t *Tracker) SetStage(batchID, ticketID uuid.UUID, rowIndex int, stage models.Stage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.batches[batchID]
	if !ok {
		return
	}
	state.current = string(stage)
	r := state.ticket(ticketID, rowIndex)
	r.Stage = string(stage)
	r.Status = string(models.StageInProgress)
}

// TicketDone marks a ticket terminally processed and updates counters.
func (t *Tracker) TicketDone(batchID, ticketID uuid.UUID, rowIndex int, result TicketResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.batches[batchID]
	if !ok {
		return
	}
	r := state.ticket(ticketID, rowIndex)
	r.Stage = result.Stage
	r.Status = result.Status
	r.IsSpam = result.IsSpam
	r.AgentID = result.AgentID
	r.Priority = result.Priority
	r.FailReason = result.FailReason

	state.processed++
	switch {
	case result.IsSpam:
		state.spam++
	case result.AgentID != "":
		state.routed++
	case result.FailReason != "":
		state.failed++
	}
}

// FinishBatch records the batch's terminal status.
func (t *Tracker) FinishBatch(batchID uuid.UUID, status models.BatchStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok := t.batches[batchID]; ok {
		state.status = status
		state.current = ""
	}
}

// Snapshot returns a copy of the batch state, or ok=false for unknown
// batches.
func (t *Tracker) Snapshot(batchID uuid.UUID) (*Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state, ok := t.batches[batchID]
	if !ok {
		return nil, false
	}

	results := make([]TicketResult, 0, len(state.order))
	for _, id := range state.order {
		results = append(results, *state.results[id])
	}
	return &Snapshot{
		BatchID:   batchID,
		Total:     state.total,
		Processed: state.processed,
		Spam:      state.spam,
		Routed:    state.routed,
		Failed:    state.failed,
		Current:   state.current,
		Status:    state.status,
		Results:   results,
	}, true
}

// Forget drops a batch from the tracker once nobody polls it anymore.
func (t *Tracker) Forget(batchID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.batches, batchID)
}

func (s *batchState) ticket(ticketID uuid.UUID, rowIndex int) *TicketResult {
	r, ok := s.results[ticketID]
	if !ok {
		r = &TicketResult{TicketID: ticketID, RowIndex: rowIndex}
		s.results[ticketID] = r
		s.order = append(s.order, ticketID)
	}
	return r
}
