package pipeline

import (
	"context"
	"errors"
	"strings"
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
	"github.com/fire-crm/fire/pkg/geo"
	"github.com/fire-crm/fire/pkg/llm"
	"github.com/fire-crm/fire/pkg/models"
	"github.com/fire-crm/fire/pkg/progress"
	"github.com/fire-crm/fire/pkg/routing"
	"github.com/fire-crm/fire/pkg/scoring"
	"github.com/fire-crm/fire/pkg/spam"
)

// memStore is an in-memory Store for orchestrator tests.
type memStore struct {
	mu          sync.Mutex
	batches     map[uuid.UUID]*models.Batch
	tickets     map[uuid.UUID][]models.Ticket
	analyses    map[uuid.UUID]*models.Analysis
	assignments []models.Assignment
	bindings    []models.PIIBinding
	agents      []models.Agent
	offices     []models.Office
	outcomes    []models.StageOutcome
	agentLoads  map[string]float64

	batchErr error
}

func newMemStore() *memStore {
	return &memStore{
		batches:    make(map[uuid.UUID]*models.Batch),
		tickets:    make(map[uuid.UUID][]models.Ticket),
		analyses:   make(map[uuid.UUID]*models.Analysis),
		agentLoads: make(map[string]float64),
	}
}

func (s *memStore) Batch(_ context.Context, id uuid.UUID) (*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batchErr != nil {
		return nil, s.batchErr
	}
	b, ok := s.batches[id]
	if !ok {
		return nil, errors.New("batch not found")
	}
	cp := *b
	return &cp, nil
}

func (s *memStore) UpdateBatch(_ context.Context, batch *models.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *batch
	s.batches[batch.ID] = &cp
	return nil
}

func (s *memStore) TicketsByBatch(_ context.Context, batchID uuid.UUID) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Ticket, len(s.tickets[batchID]))
	copy(out, s.tickets[batchID])
	return out, nil
}

func (s *memStore) UpdateTicket(_ context.Context, ticket *models.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.tickets[ticket.BatchID]
	for i := range rows {
		if rows[i].ID == ticket.ID {
			rows[i] = *ticket
		}
	}
	return nil
}

func (s *memStore) SaveAnalysis(_ context.Context, analysis *models.Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *analysis
	s.analyses[analysis.TicketID] = &cp
	return nil
}

func (s *memStore) SaveAssignment(_ context.Context, assignment *models.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments = append(s.assignments, *assignment)
	return nil
}

func (s *memStore) SavePIIBindings(_ context.Context, bindings []models.PIIBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings = append(s.bindings, bindings...)
	return nil
}

func (s *memStore) PIIBindingsByTicket(_ context.Context, ticketID uuid.UUID) ([]models.PIIBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PIIBinding
	for _, b := range s.bindings {
		if b.TicketID == ticketID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *memStore) ActiveAgents(context.Context) ([]models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Agent(nil), s.agents...), nil
}

func (s *memStore) Offices(context.Context) ([]models.Office, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Office(nil), s.offices...), nil
}

func (s *memStore) UpdateAgentLoad(_ context.Context, agentID string, load float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentLoads[agentID] = load
	return nil
}

func (s *memStore) UpsertOutcome(_ context.Context, outcome *models.StageOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, *outcome)
	return nil
}

func (s *memStore) CompletedOutcome(context.Context, uuid.UUID, models.Stage) (*models.StageOutcome, error) {
	return nil, nil
}

func (s *memStore) outcomeStatus(ticketID uuid.UUID, stage models.Stage) models.StageStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := models.StagePending
	for _, o := range s.outcomes {
		if o.TicketID == ticketID && o.Stage == stage {
			status = o.Status
		}
	}
	return status
}

func (s *memStore) assignmentFor(ticketID uuid.UUID) *models.Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.assignments {
		if s.assignments[i].TicketID == ticketID {
			return &s.assignments[i]
		}
	}
	return nil
}

// stubAnalyzer returns a fixed result or error and counts invocations.
type stubAnalyzer struct {
	calls   atomic.Int32
	result  llm.AnalyzeResult
	err     error
	blockOn chan struct{}
}

func (a *stubAnalyzer) Analyze(ctx context.Context, _ llm.AnalyzeRequest) (*llm.AnalyzeResult, error) {
	a.calls.Add(1)
	if a.blockOn != nil {
		select {
		case <-a.blockOn:
		case <-ctx.Done():
			return nil, faults.Cancelled(ctx.Err())
		}
	}
	if a.err != nil {
		return nil, a.err
	}
	cp := a.result
	return &cp, nil
}

// stubResolver resolves every address to fixed coordinates.
type stubResolver struct {
	calls  atomic.Int32
	lat    float64
	lon    float64
	status models.AddressStatus
}

func (r *stubResolver) Resolve(context.Context, *models.Ticket) (*geo.Resolution, error) {
	r.calls.Add(1)
	lat, lon := r.lat, r.lon
	return &geo.Resolution{
		Lat:         &lat,
		Lon:         &lon,
		Provider:    "stub",
		Explanation: "stubbed",
		Status:      r.status,
	}, nil
}

// stubScrubber passes text through untouched.
type stubScrubber struct{}

func (stubScrubber) Scrub(_ uuid.UUID, text string) (string, []models.PIIBinding, error) {
	return text, nil, nil
}

func (stubScrubber) Rehydrate(text string, _ []models.PIIBinding) (string, error) {
	return text, nil
}

// tokenScrubber swaps one fixed value for a token on the way out and
// back on the way in, storing the original as the "ciphertext".
type tokenScrubber struct {
	value string
	token string
}

func (s tokenScrubber) Scrub(ticketID uuid.UUID, text string) (string, []models.PIIBinding, error) {
	if !strings.Contains(text, s.value) {
		return text, nil, nil
	}
	binding := models.PIIBinding{
		TicketID:       ticketID,
		Token:          s.token,
		Kind:           models.PIIPhone,
		EncryptedValue: []byte(s.value),
	}
	return strings.ReplaceAll(text, s.value, s.token), []models.PIIBinding{binding}, nil
}

func (s tokenScrubber) Rehydrate(text string, bindings []models.PIIBinding) (string, error) {
	for _, b := range bindings {
		text = strings.ReplaceAll(text, b.Token, string(b.EncryptedValue))
	}
	return text, nil
}

// stubClassifier is the model half of the spam detector.
type stubClassifier struct {
	calls       atomic.Int32
	probability float64
}

func (c *stubClassifier) Classify(context.Context, string) (float64, error) {
	c.calls.Add(1)
	return c.probability, nil
}

type harness struct {
	cfg        *config.Config
	store      *memStore
	bus        *events.Bus
	sub        *events.Subscription
	analyzer   *stubAnalyzer
	resolver   *stubResolver
	classifier *stubClassifier
	orch       *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := &config.Config{
		Pipeline: testPipelineConfig(),
		Scoring:  config.DefaultScoringConfig(),
		Routing:  config.DefaultRoutingConfig(),
	}
	cfg.Pipeline.LLMConcurrency = 5
	cfg.Pipeline.GeocodeConcurrency = 10
	cfg.Pipeline.SpamLLMConcurrency = 3
	cfg.Pipeline.LLMTimeout = time.Second
	cfg.Pipeline.GeocodeTimeout = time.Second
	cfg.Pipeline.SpamLLMTimeout = time.Second
	cfg.Pipeline.LLMWallClock = 5 * time.Second
	cfg.Pipeline.GeocodeWallClock = 5 * time.Second
	cfg.Pipeline.SpamWallClock = 5 * time.Second

	store := newMemStore()
	bus := events.NewBus()
	sub, err := bus.Subscribe(1024)
	require.NoError(t, err)
	t.Cleanup(bus.Close)

	analyzer := &stubAnalyzer{result: llm.AnalyzeResult{
		DetectedType:        models.TypeConsultation,
		Language:            models.LanguageRU,
		Sentiment:           models.SentimentNeutral,
		SentimentConfidence: 0.8,
		Summary:             "stub",
	}}
	resolver := &stubResolver{lat: 51.1694, lon: 71.4491, status: models.AddressStatusResolved}
	classifier := &stubClassifier{probability: 0.0}

	h := &harness{
		cfg:        cfg,
		store:      store,
		bus:        bus,
		sub:        sub,
		analyzer:   analyzer,
		resolver:   resolver,
		classifier: classifier,
	}
	h.rebuild(stubScrubber{})
	return h
}

// rebuild replaces the orchestrator, keeping the harness collaborators.
func (h *harness) rebuild(scrubber Scrubber) {
	h.orch = NewOrchestrator(h.cfg, Deps{
		Store:    h.store,
		Bus:      h.bus,
		Tracker:  progress.NewTracker(),
		Detector: spam.NewDetector(NewBoundedClassifier(h.classifier, h.cfg.Pipeline.SpamLLMConcurrency)),
		Analyzer: h.analyzer,
		Resolver: h.resolver,
		Scrubber: scrubber,
		Scorer:   scoring.New(h.cfg.Scoring),
		Router:   routing.NewEngine(h.cfg.Routing, routing.NewLoadLedger()),
	})
}

func (h *harness) seedBatch(tickets ...models.Ticket) uuid.UUID {
	batchID := uuid.New()
	for i := range tickets {
		tickets[i].ID = uuid.New()
		tickets[i].BatchID = batchID
		tickets[i].RowIndex = i
		tickets[i].Status = models.TicketStatusIngested
	}
	h.store.batches[batchID] = &models.Batch{ID: batchID, Status: models.BatchPending, TotalRows: len(tickets)}
	h.store.tickets[batchID] = tickets
	return batchID
}

func (h *harness) seedRoster() {
	officeID := uuid.New()
	h.store.offices = []models.Office{{ID: officeID, Name: "Astana HQ", Latitude: 51.1694, Longitude: 71.4491}}
	h.store.agents = []models.Agent{
		{ID: "a-1", Position: models.PositionSpecialist, Skills: models.StringList{"VIP", "KZ", "EN"}, SkillFactor: 1.0, OfficeID: officeID, Active: true},
		{ID: "a-2", Position: models.PositionChief, Skills: models.StringList{"VIP", "KZ", "EN"}, SkillFactor: 1.0, OfficeID: officeID, Active: true},
		{ID: "a-3", Position: models.PositionSpecialist, Skills: models.StringList{"VIP", "KZ", "EN"}, SkillFactor: 1.0, OfficeID: officeID, Active: true},
	}
}

func (h *harness) drainedEvents() []events.Event {
	var out []events.Event
	for {
		select {
		case evt := <-h.sub.C:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func age(n int) *int { return &n }

func TestProcessBatch_PureSpamShortCircuits(t *testing.T) {
	h := newHarness(t)
	h.seedRoster()
	batchID := h.seedBatch(models.Ticket{
		CustomerID:  "c-1",
		Description: "!!!КУПИ СЕЙЧАС http://x.y",
		Segment:     models.SegmentMass,
		Age:         age(30),
	})

	require.NoError(t, h.orch.ProcessBatch(context.Background(), batchID))

	assert.Zero(t, h.analyzer.calls.Load(), "spam must not reach the LLM")
	assert.Zero(t, h.resolver.calls.Load(), "spam must not reach the geocoder")
	assert.Zero(t, h.classifier.calls.Load(), "structural override skips the model")
	assert.Empty(t, h.store.assignments)
	assert.Empty(t, h.store.analyses)

	batch, err := h.store.Batch(context.Background(), batchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, batch.Status)
	assert.Equal(t, 1, batch.SpamCount)
	assert.Zero(t, batch.RoutedCount)

	ticketID := h.store.tickets[batchID][0].ID
	var sawSpam, sawCompleted bool
	for _, evt := range h.drainedEvents() {
		if evt.TicketID == ticketID && evt.Stage == models.StageSpamFilter && evt.Status == events.StatusCompleted {
			sawSpam = true
			assert.Equal(t, true, evt.Data["is_spam"])
			prob, _ := evt.Data["probability"].(float64)
			assert.GreaterOrEqual(t, prob, 0.8)
		}
		if evt.TicketID == ticketID && (evt.Stage == models.StageLLM || evt.Stage == models.StageGeocode) {
			t.Errorf("unexpected %s event for spam ticket", evt.Stage)
		}
		if evt.Stage == models.StagePipeline && evt.Status == events.StatusCompleted {
			sawCompleted = true
			assert.Equal(t, 1, evt.Data["spam"])
			assert.Equal(t, 0, evt.Data["enriched"])
		}
	}
	assert.True(t, sawSpam, "expected spam_filter completed event")
	assert.True(t, sawCompleted, "expected pipeline completed event")
}

func TestProcessBatch_FraudEscalation(t *testing.T) {
	h := newHarness(t)
	h.seedRoster()
	h.analyzer.result = llm.AnalyzeResult{
		DetectedType:        models.TypeFraud,
		Language:            models.LanguageRU,
		Sentiment:           models.SentimentNegative,
		SentimentConfidence: 0.9,
		Summary:             "unauthorized access reported",
	}
	batchID := h.seedBatch(models.Ticket{
		CustomerID:  "c-1",
		Description: "кто-то вошел в мой аккаунт",
		Segment:     models.SegmentMass,
		Age:         age(40),
		City:        "Astana",
	})

	require.NoError(t, h.orch.ProcessBatch(context.Background(), batchID))

	ticketID := h.store.tickets[batchID][0].ID
	analysis := h.store.analyses[ticketID]
	require.NotNil(t, analysis)
	assert.Equal(t, models.TypeFraud, analysis.DetectedType)
	assert.GreaterOrEqual(t, analysis.PriorityFinal, 8.0)
	assert.NotNil(t, h.store.assignmentFor(ticketID))
}

func TestProcessBatch_PartialLLMFailure(t *testing.T) {
	h := newHarness(t)
	h.seedRoster()
	h.analyzer.err = faults.Transientf("llm request: status 502")
	batchID := h.seedBatch(models.Ticket{
		CustomerID:  "c-1",
		Description: "не могу зайти в приложение уже второй день",
		Segment:     models.SegmentMass,
		Age:         age(35),
		City:        "Astana",
	})

	require.NoError(t, h.orch.ProcessBatch(context.Background(), batchID))

	ticketID := h.store.tickets[batchID][0].ID
	assert.Equal(t, int32(3), h.analyzer.calls.Load(), "retry budget exhausted")
	assert.Equal(t, models.StageFailed, h.store.outcomeStatus(ticketID, models.StageLLM))

	analysis := h.store.analyses[ticketID]
	require.NotNil(t, analysis, "defaults still produce an analysis")
	assert.Equal(t, models.TypeConsultation, analysis.DetectedType)
	assert.Equal(t, models.LanguageRU, analysis.Language)
	assert.Equal(t, models.SentimentNeutral, analysis.Sentiment)
	assert.GreaterOrEqual(t, analysis.PriorityFinal, 1.0)

	assignment := h.store.assignmentFor(ticketID)
	require.NotNil(t, assignment, "partial analysis still routes")

	ticket := h.store.tickets[batchID][0]
	assert.Equal(t, int32(1), h.resolver.calls.Load())
	assert.NotNil(t, ticket.Latitude, "geocode side of the join unaffected")
}

func TestProcessBatch_SummaryRehydrated(t *testing.T) {
	h := newHarness(t)
	h.seedRoster()
	h.rebuild(tokenScrubber{value: "+77011234567", token: "⟦PHONE:1⟧"})
	// The model sees only scrubbed text and echoes the token.
	h.analyzer.result.Summary = "Клиент просит перезвонить на ⟦PHONE:1⟧."
	batchID := h.seedBatch(models.Ticket{
		CustomerID:  "c-1",
		Description: "Перезвоните мне на +77011234567 по поводу моего счета",
		Segment:     models.SegmentMass,
		Age:         age(30),
		City:        "Astana",
	})

	require.NoError(t, h.orch.ProcessBatch(context.Background(), batchID))

	ticketID := h.store.tickets[batchID][0].ID
	analysis := h.store.analyses[ticketID]
	require.NotNil(t, analysis)
	assert.NotContains(t, analysis.Summary, "⟦PHONE:1⟧",
		"scrub tokens must not survive into the stored summary")
	assert.Contains(t, analysis.Summary, "+77011234567")

	// The scrubbed description itself stays tokenized.
	assert.Contains(t, h.store.tickets[batchID][0].DescriptionScrubbed, "⟦PHONE:1⟧")
}

func TestProcessBatch_RoutingFollowsPriorityOrder(t *testing.T) {
	h := newHarness(t)
	h.seedRoster()
	// One VIP fraud ticket and two Mass consultations; per-analysis type
	// comes from the stub so all three share it, but segment separates
	// the priorities.
	batchID := h.seedBatch(
		models.Ticket{CustomerID: "c-1", Description: "вопрос по тарифам на обслуживание", Segment: models.SegmentMass, Age: age(40), City: "Astana"},
		models.Ticket{CustomerID: "c-2", Description: "вопрос по выводу средств со счета", Segment: models.SegmentVIP, Age: age(40), City: "Astana"},
		models.Ticket{CustomerID: "c-3", Description: "как открыть брокерский счет детям", Segment: models.SegmentMass, Age: age(40), City: "Astana"},
	)

	require.NoError(t, h.orch.ProcessBatch(context.Background(), batchID))

	require.Len(t, h.store.assignments, 3)
	vipTicket := h.store.tickets[batchID][1].ID
	assert.Equal(t, vipTicket, h.store.assignments[0].TicketID,
		"highest priority routes first")

	// Invariant: committed load equals assignment count per agent.
	perAgent := make(map[string]int)
	for _, a := range h.store.assignments {
		perAgent[a.AgentID]++
	}
	for agentID, n := range perAgent {
		assert.Equal(t, float64(n), h.store.agentLoads[agentID], "agent %s", agentID)
	}
}

func TestProcessBatch_NoEligibleAgents(t *testing.T) {
	h := newHarness(t)
	// Roster present but inactive: geo filter sees nobody.
	officeID := uuid.New()
	h.store.offices = []models.Office{{ID: officeID, Latitude: 51.1694, Longitude: 71.4491}}
	h.store.agents = nil
	batchID := h.seedBatch(models.Ticket{
		CustomerID:  "c-1",
		Description: "не приходит код подтверждения на телефон",
		Segment:     models.SegmentMass,
		Age:         age(30),
		City:        "Astana",
	})

	require.NoError(t, h.orch.ProcessBatch(context.Background(), batchID))

	ticketID := h.store.tickets[batchID][0].ID
	assert.Empty(t, h.store.assignments)
	assert.Equal(t, models.StageFailed, h.store.outcomeStatus(ticketID, models.StageRouting))

	batch, err := h.store.Batch(context.Background(), batchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchCompleted, batch.Status, "routing failure is per-ticket, not batch-fatal")
	assert.Equal(t, 1, batch.FailedCount)
	assert.Equal(t, models.TicketStatusClosed, h.store.tickets[batchID][0].Status)
}

func TestProcessBatch_FatalInfraFailsBatch(t *testing.T) {
	h := newHarness(t)
	h.store.batchErr = faults.FatalInfra(errors.New("database unreachable"))
	batchID := uuid.New()

	err := h.orch.ProcessBatch(context.Background(), batchID)
	require.Error(t, err)

	var sawFailed bool
	for _, evt := range h.drainedEvents() {
		if evt.Stage == models.StagePipeline && evt.Status == events.StatusFailed {
			sawFailed = true
			assert.Equal(t, uuid.Nil, evt.TicketID, "batch events use the zero ticket id")
		}
	}
	assert.True(t, sawFailed, "expected pipeline failed event")
}

func TestStartAndCancel(t *testing.T) {
	h := newHarness(t)
	h.seedRoster()
	h.analyzer.blockOn = make(chan struct{})
	batchID := h.seedBatch(models.Ticket{
		CustomerID:  "c-1",
		Description: "хочу уточнить статус моей заявки на вывод",
		Segment:     models.SegmentMass,
		Age:         age(30),
		City:        "Astana",
	})

	require.NoError(t, h.orch.Start(batchID))
	assert.ErrorIs(t, h.orch.Start(batchID), ErrBatchActive)

	require.Eventually(t, func() bool {
		return h.analyzer.calls.Load() > 0
	}, 2*time.Second, 5*time.Millisecond, "batch never reached the LLM stage")

	assert.True(t, h.orch.Cancel(batchID))

	require.Eventually(t, func() bool {
		batch, err := h.store.Batch(context.Background(), batchID)
		return err == nil && batch.Status == models.BatchCancelled
	}, 2*time.Second, 5*time.Millisecond, "batch never reached cancelled state")

	// Once drained the batch can be started again.
	require.Eventually(t, func() bool {
		return h.orch.Start(batchID) == nil
	}, 2*time.Second, 5*time.Millisecond)
	h.orch.Cancel(batchID)
	assert.False(t, h.orch.Cancel(uuid.New()), "unknown batch is not cancellable")
}

func TestProcessBatch_ProgressSnapshot(t *testing.T) {
	h := newHarness(t)
	h.seedRoster()
	batchID := h.seedBatch(
		models.Ticket{CustomerID: "c-1", Description: "!!!КУПИ СЕЙЧАС http://x.y", Segment: models.SegmentMass, Age: age(30)},
		models.Ticket{CustomerID: "c-2", Description: "не отображается портфель в приложении", Segment: models.SegmentMass, Age: age(30), City: "Astana"},
	)

	require.NoError(t, h.orch.ProcessBatch(context.Background(), batchID))

	snap, ok := h.orch.Progress(batchID)
	require.True(t, ok)
	assert.Equal(t, 2, snap.Total)
	assert.Equal(t, 2, snap.Processed)
	assert.Equal(t, 1, snap.Spam)
	assert.Equal(t, 1, snap.Routed)
	assert.Equal(t, models.BatchCompleted, snap.Status)
}
