package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fire-crm/fire/pkg/config"
	"github.com/fire-crm/fire/pkg/events"
	"github.com/fire-crm/fire/pkg/faults"
	"github.com/fire-crm/fire/pkg/models"
)

type fakeOutcomeStore struct {
	mu        sync.Mutex
	outcomes  []models.StageOutcome
	completed map[string]*models.StageOutcome
	upsertErr error
}

func newFakeOutcomeStore() *fakeOutcomeStore {
	return &fakeOutcomeStore{completed: make(map[string]*models.StageOutcome)}
}

func (s *fakeOutcomeStore) UpsertOutcome(_ context.Context, outcome *models.StageOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.outcomes = append(s.outcomes, *outcome)
	return nil
}

func (s *fakeOutcomeStore) CompletedOutcome(_ context.Context, ticketID uuid.UUID, stage models.Stage) (*models.StageOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prior, ok := s.completed[ticketID.String()+"/"+string(stage)]; ok {
		return prior, nil
	}
	return nil, nil
}

func (s *fakeOutcomeStore) statuses() []models.StageStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.StageStatus, 0, len(s.outcomes))
	for _, o := range s.outcomes {
		out = append(out, o.Status)
	}
	return out
}

func (s *fakeOutcomeStore) last() models.StageOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcomes[len(s.outcomes)-1]
}

func testPipelineConfig() *config.PipelineConfig {
	return &config.PipelineConfig{
		RetryBudget:    2,
		BackoffInitial: time.Millisecond,
		BackoffCeiling: 5 * time.Millisecond,
		DBWriteTimeout: 100 * time.Millisecond,
	}
}

func drainEvents(t *testing.T, sub *events.Subscription, n int) []events.Event {
	t.Helper()
	out := make([]events.Event, 0, n)
	for len(out) < n {
		select {
		case evt := <-sub.C:
			out = append(out, evt)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d of %d", len(out)+1, n)
		}
	}
	return out
}

func TestRun_Success(t *testing.T) {
	store := newFakeOutcomeStore()
	bus := events.NewBus()
	sub, err := bus.Subscribe(16)
	require.NoError(t, err)
	runner := NewRunner(testPipelineConfig(), bus, store)

	ticketID, batchID := uuid.New(), uuid.New()
	outcome := runner.Run(context.Background(), StageRequest{
		Stage:    models.StageGeocode,
		TicketID: ticketID,
		BatchID:  batchID,
		Fn: func(context.Context) (string, map[string]any, error) {
			return "address resolved", map[string]any{"provider": "2gis"}, nil
		},
	})

	assert.Equal(t, models.StageCompleted, outcome.Status)
	assert.Equal(t, "address resolved", outcome.Message)
	require.NotNil(t, outcome.CompletedAt)

	evts := drainEvents(t, sub, 2)
	assert.Equal(t, events.StatusInProgress, evts[0].Status)
	assert.Equal(t, events.StatusCompleted, evts[1].Status)
	assert.Equal(t, "2gis", evts[1].Data["provider"])
	assert.Equal(t, models.StageGeocode, evts[1].Stage)
	assert.Equal(t, ticketID, evts[1].TicketID)

	assert.Equal(t, []models.StageStatus{models.StageInProgress, models.StageCompleted}, store.statuses())
}

func TestRun_IdempotencyGuard(t *testing.T) {
	store := newFakeOutcomeStore()
	ticketID := uuid.New()
	prior := &models.StageOutcome{
		TicketID: ticketID,
		Stage:    models.StageLLM,
		Status:   models.StageCompleted,
		Message:  "already done",
	}
	store.completed[ticketID.String()+"/"+string(models.StageLLM)] = prior

	bus := events.NewBus()
	runner := NewRunner(testPipelineConfig(), bus, store)

	var calls atomic.Int32
	outcome := runner.Run(context.Background(), StageRequest{
		Stage:    models.StageLLM,
		TicketID: ticketID,
		BatchID:  uuid.New(),
		Fn: func(context.Context) (string, map[string]any, error) {
			calls.Add(1)
			return "", nil, nil
		},
	})

	assert.Equal(t, prior, outcome)
	assert.Zero(t, calls.Load(), "completed stage must not run again")
	assert.Empty(t, store.statuses(), "no new outcomes written")
}

func TestRun_TransientRetriedThenSucceeds(t *testing.T) {
	store := newFakeOutcomeStore()
	runner := NewRunner(testPipelineConfig(), events.NewBus(), store)

	var calls atomic.Int32
	outcome := runner.Run(context.Background(), StageRequest{
		Stage:    models.StageLLM,
		TicketID: uuid.New(),
		BatchID:  uuid.New(),
		Fn: func(context.Context) (string, map[string]any, error) {
			if calls.Add(1) < 3 {
				return "", nil, faults.Transientf("llm request: status 502")
			}
			return "classified", nil, nil
		},
	})

	assert.Equal(t, models.StageCompleted, outcome.Status)
	assert.Equal(t, int32(3), calls.Load(), "two retries on a budget of two")
}

func TestRun_PermanentNotRetried(t *testing.T) {
	store := newFakeOutcomeStore()
	runner := NewRunner(testPipelineConfig(), events.NewBus(), store)

	var calls atomic.Int32
	outcome := runner.Run(context.Background(), StageRequest{
		Stage:    models.StageLLM,
		TicketID: uuid.New(),
		BatchID:  uuid.New(),
		Fn: func(context.Context) (string, map[string]any, error) {
			calls.Add(1)
			return "", nil, faults.Permanent(errors.New("llm request: status 401"))
		},
	})

	assert.Equal(t, models.StageFailed, outcome.Status)
	assert.Contains(t, outcome.ErrorDetail, "status 401")
	assert.Equal(t, int32(1), calls.Load())
}

func TestRun_RetryBudgetExhausted(t *testing.T) {
	store := newFakeOutcomeStore()
	bus := events.NewBus()
	sub, err := bus.Subscribe(16)
	require.NoError(t, err)
	runner := NewRunner(testPipelineConfig(), bus, store)

	var calls atomic.Int32
	outcome := runner.Run(context.Background(), StageRequest{
		Stage:    models.StageGeocode,
		TicketID: uuid.New(),
		BatchID:  uuid.New(),
		Fn: func(context.Context) (string, map[string]any, error) {
			calls.Add(1)
			return "", nil, faults.Transientf("geocoder timeout")
		},
	})

	assert.Equal(t, models.StageFailed, outcome.Status)
	assert.Contains(t, outcome.ErrorDetail, "geocoder timeout")
	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")

	evts := drainEvents(t, sub, 2)
	assert.Equal(t, events.StatusInProgress, evts[0].Status)
	assert.Equal(t, events.StatusFailed, evts[1].Status)
	assert.Contains(t, evts[1].Data["error"], "geocoder timeout")

	assert.Equal(t, models.StageFailed, store.last().Status)
}

func TestRun_CancelledBatchContext(t *testing.T) {
	store := newFakeOutcomeStore()
	runner := NewRunner(testPipelineConfig(), events.NewBus(), store)

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	outcome := runner.Run(ctx, StageRequest{
		Stage:    models.StageLLM,
		TicketID: uuid.New(),
		BatchID:  uuid.New(),
		Fn: func(context.Context) (string, map[string]any, error) {
			calls.Add(1)
			cancel()
			return "", nil, faults.Transientf("connection reset")
		},
	})

	assert.Equal(t, models.StageFailed, outcome.Status)
	assert.Equal(t, "cancelled", outcome.Message)
	assert.Equal(t, int32(1), calls.Load(), "cancellation stops the retry loop")
}

func TestRun_AttemptTimeoutApplied(t *testing.T) {
	store := newFakeOutcomeStore()
	runner := NewRunner(testPipelineConfig(), events.NewBus(), store)

	var calls atomic.Int32
	outcome := runner.Run(context.Background(), StageRequest{
		Stage:          models.StageGeocode,
		TicketID:       uuid.New(),
		BatchID:        uuid.New(),
		AttemptTimeout: 10 * time.Millisecond,
		Fn: func(ctx context.Context) (string, map[string]any, error) {
			if calls.Add(1) == 1 {
				<-ctx.Done()
				return "", nil, ctx.Err()
			}
			return "resolved", nil, nil
		},
	})

	assert.Equal(t, models.StageCompleted, outcome.Status)
	assert.Equal(t, int32(2), calls.Load(), "timed-out attempt retried")
}

func TestRun_WallClockExceeded(t *testing.T) {
	store := newFakeOutcomeStore()
	runner := NewRunner(testPipelineConfig(), events.NewBus(), store)

	outcome := runner.Run(context.Background(), StageRequest{
		Stage:     models.StageLLM,
		TicketID:  uuid.New(),
		BatchID:   uuid.New(),
		WallClock: 20 * time.Millisecond,
		Fn: func(ctx context.Context) (string, map[string]any, error) {
			<-ctx.Done()
			return "", nil, faults.Transient(ctx.Err())
		},
	})

	assert.Equal(t, models.StageFailed, outcome.Status)
	assert.Contains(t, outcome.ErrorDetail, "wall clock")
}

func TestRun_PersistFailureDoesNotAbort(t *testing.T) {
	store := newFakeOutcomeStore()
	store.upsertErr = errors.New("db unreachable")
	runner := NewRunner(testPipelineConfig(), events.NewBus(), store)

	outcome := runner.Run(context.Background(), StageRequest{
		Stage:    models.StagePriority,
		TicketID: uuid.New(),
		BatchID:  uuid.New(),
		Fn: func(context.Context) (string, map[string]any, error) {
			return "scored", nil, nil
		},
	})

	assert.Equal(t, models.StageCompleted, outcome.Status)
}
