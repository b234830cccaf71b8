// Package pipeline drives tickets through the enrichment-and-routing
// stage graph. The Runner owns single-stage execution (retries, events,
// outcomes); the Orchestrator owns the per-ticket state machine, the
// per-stage concurrency ceilings, and batch scheduling.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/fire-crm/fire/pkg/config"
	"github.com/fire-crm/fire/pkg/events"
	"github.com/fire-crm/fire/pkg/faults"
	"github.com/fire-crm/fire/pkg/llm"
	"github.com/fire-crm/fire/pkg/models"
	"github.com/fire-crm/fire/pkg/progress"
	"github.com/fire-crm/fire/pkg/routing"
	"github.com/fire-crm/fire/pkg/scoring"
	"github.com/fire-crm/fire/pkg/spam"
)

// ErrBatchActive is returned by Start when the batch is already being
// processed by this orchestrator.
var ErrBatchActive = errors.New("batch already active")

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Store    Store
	Bus      *events.Bus
	Tracker  *progress.Tracker
	Detector SpamDetector
	Analyzer Analyzer
	Resolver AddressResolver
	Scrubber Scrubber
	Scorer   *scoring.Scorer
	Router   *routing.Engine
}

// Orchestrator runs batches through the pipeline. Safe for concurrent
// use; batches are independent and the routing ledger is the only state
// shared between them.
type Orchestrator struct {
	cfg    *config.Config
	deps   Deps
	runner *Runner

	llmSem *semaphore.Weighted
	geoSem *semaphore.Weighted

	mu     sync.Mutex
	active map[uuid.UUID]context.CancelFunc
}

func NewOrchestrator(cfg *config.Config, deps Deps) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		runner: NewRunner(cfg.Pipeline, deps.Bus, deps.Store),
		llmSem: semaphore.NewWeighted(int64(cfg.Pipeline.LLMConcurrency)),
		geoSem: semaphore.NewWeighted(int64(cfg.Pipeline.GeocodeConcurrency)),
		active: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Start begins processing a batch in the background. Returns
// ErrBatchActive when the batch is already in flight.
func (o *Orchestrator) Start(batchID uuid.UUID) error {
	ctx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	if _, running := o.active[batchID]; running {
		o.mu.Unlock()
		cancel()
		return ErrBatchActive
	}
	o.active[batchID] = cancel
	o.mu.Unlock()

	go func() {
		defer o.deregister(batchID, cancel)
		if err := o.ProcessBatch(ctx, batchID); err != nil {
			slog.Error("Batch processing failed", "batch_id", batchID, "error", err)
		}
	}()
	return nil
}

// Execute processes a batch synchronously. Like Start, the batch is
// registered for Cancel for the duration of the run. Queue workers use
// this for claimed batches.
func (o *Orchestrator) Execute(ctx context.Context, batchID uuid.UUID) error {
	runCtx, cancel := context.WithCancel(ctx)

	o.mu.Lock()
	if _, running := o.active[batchID]; running {
		o.mu.Unlock()
		cancel()
		return ErrBatchActive
	}
	o.active[batchID] = cancel
	o.mu.Unlock()

	defer o.deregister(batchID, cancel)
	return o.ProcessBatch(runCtx, batchID)
}

func (o *Orchestrator) deregister(batchID uuid.UUID, cancel context.CancelFunc) {
	o.mu.Lock()
	delete(o.active, batchID)
	o.mu.Unlock()
	cancel()
}

// Cancel requests cooperative cancellation of an in-flight batch.
// Returns false when the batch is not active.
func (o *Orchestrator) Cancel(batchID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.active[batchID]
	if ok {
		cancel()
	}
	return ok
}

// Progress returns the live snapshot for a batch.
func (o *Orchestrator) Progress(batchID uuid.UUID) (*progress.Snapshot, bool) {
	return o.deps.Tracker.Snapshot(batchID)
}

// ticketState is the orchestrator's working record for one ticket.
type ticketState struct {
	ticket   *models.Ticket
	analysis *models.Analysis

	spam       bool
	enriched   bool
	routed     bool
	failed     bool
	failReason string
	fatalErr   error
}

// ProcessBatch runs one batch to completion: enrichment across all
// tickets, then routing in stable priority order, then the batch-level
// bookkeeping. Returns an error only for batch-fatal conditions.
func (o *Orchestrator) ProcessBatch(ctx context.Context, batchID uuid.UUID) error {
	log := slog.With("batch_id", batchID)

	batch, err := o.deps.Store.Batch(ctx, batchID)
	if err != nil {
		return o.failBatch(batchID, fmt.Errorf("loading batch: %w", err))
	}
	tickets, err := o.deps.Store.TicketsByBatch(ctx, batchID)
	if err != nil {
		return o.failBatch(batchID, fmt.Errorf("loading tickets: %w", err))
	}
	agents, err := o.deps.Store.ActiveAgents(ctx)
	if err != nil {
		return o.failBatch(batchID, fmt.Errorf("loading agents: %w", err))
	}
	offices, err := o.deps.Store.Offices(ctx)
	if err != nil {
		return o.failBatch(batchID, fmt.Errorf("loading offices: %w", err))
	}

	for _, a := range agents {
		o.deps.Router.Ledger().Seed(a.ID, a.Load)
	}

	sort.Slice(tickets, func(i, j int) bool { return tickets[i].RowIndex < tickets[j].RowIndex })
	repeats := make(map[string]int, len(tickets))
	for _, t := range tickets {
		if t.CustomerID != "" {
			repeats[t.CustomerID]++
		}
	}

	o.deps.Tracker.StartBatch(batchID, len(tickets))
	batch.Status = models.BatchProcessing
	batch.TotalRows = len(tickets)
	o.updateBatch(batch)

	log.Info("Batch processing started", "tickets", len(tickets), "agents", len(agents))
	o.deps.Bus.Publish(events.BatchEvent(batchID, models.StagePipeline, events.StatusInProgress, "",
		map[string]any{"total": len(tickets)}))

	// Enrichment phase: every ticket advances to PRIORITY (or fails)
	// before any routing happens. Dispatch follows csv-row order; the
	// per-stage semaphores bound the expensive calls.
	states := make([]*ticketState, len(tickets))
	var wg sync.WaitGroup
	for i := range tickets {
		states[i] = &ticketState{ticket: &tickets[i]}
		wg.Add(1)
		go func(state *ticketState) {
			defer wg.Done()
			o.enrich(ctx, state, repeats[state.ticket.CustomerID], len(tickets))
		}(states[i])
	}
	wg.Wait()

	for _, state := range states {
		if state.fatalErr != nil {
			return o.failBatch(batchID, state.fatalErr)
		}
	}

	if ctx.Err() != nil {
		return o.finishCancelled(batch, states)
	}

	// Routing phase: single-threaded per batch, descending final
	// priority, ties by ascending row index, so lowest-load selection
	// sees every prior commit.
	candidates := make([]*ticketState, 0, len(states))
	for _, state := range states {
		if !state.spam && !state.failed {
			candidates = append(candidates, state)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := candidates[i].analysis.PriorityFinal, candidates[j].analysis.PriorityFinal
		if pi != pj {
			return pi > pj
		}
		return candidates[i].ticket.RowIndex < candidates[j].ticket.RowIndex
	})
	for _, state := range candidates {
		if ctx.Err() != nil {
			return o.finishCancelled(batch, states)
		}
		o.route(ctx, state, agents, offices)
	}

	return o.finish(batch, states)
}

// enrich runs one ticket from spam check through priority scoring.
func (o *Orchestrator) enrich(ctx context.Context, state *ticketState, repeatCount, batchSize int) {
	t := state.ticket
	cfg := o.cfg.Pipeline

	// SPAM_CHECK. A spam verdict short-circuits everything else.
	o.deps.Tracker.SetStage(t.BatchID, t.ID, t.RowIndex, models.StageSpamFilter)
	var verdict *spam.Verdict
	spamOutcome := o.runner.Run(ctx, StageRequest{
		Stage:          models.StageSpamFilter,
		TicketID:       t.ID,
		BatchID:        t.BatchID,
		AttemptTimeout: cfg.SpamLLMTimeout,
		WallClock:      cfg.SpamWallClock,
		Fn: func(c context.Context) (string, map[string]any, error) {
			v, err := o.deps.Detector.Detect(c, t.Description)
			if err != nil {
				return "", nil, err
			}
			verdict = v
			return v.Reason, map[string]any{"is_spam": v.IsSpam, "probability": v.Probability}, nil
		},
	})
	if ctx.Err() != nil {
		o.markCancelled(state)
		return
	}

	switch {
	case spamOutcome.Status == models.StageFailed:
		// Classifier exhausted its retries in the ambiguous band. The
		// ticket proceeds as non-spam; the failure lives in the outcome.
		slog.Warn("Spam check failed, treating ticket as clean",
			"ticket_id", t.ID, "error", spamOutcome.ErrorDetail)
	case verdict != nil && verdict.IsSpam:
		t.IsSpam = true
		t.SpamProbability = verdict.Probability
		t.Status = models.TicketStatusClosed
		state.spam = true
		state.fatalErr = o.persistTicket(t)
		o.deps.Tracker.TicketDone(t.BatchID, t.ID, t.RowIndex, progress.TicketResult{
			Stage:  string(models.StageSpamFilter),
			Status: string(models.StageCompleted),
			IsSpam: true,
		})
		return
	case verdict != nil:
		t.SpamProbability = verdict.Probability
		t.Status = models.TicketStatusSpamChecked
		state.fatalErr = o.persistTicket(t)
	case t.IsSpam:
		// Idempotent re-run: the stored outcome says spam.
		state.spam = true
		o.deps.Tracker.TicketDone(t.BatchID, t.ID, t.RowIndex, progress.TicketResult{
			Stage:  string(models.StageSpamFilter),
			Status: string(models.StageCompleted),
			IsSpam: true,
		})
		return
	}
	if state.fatalErr != nil {
		return
	}

	// PII_SCRUB. Raw description must never reach an external call, so a
	// scrub failure is terminal for the ticket.
	o.deps.Tracker.SetStage(t.BatchID, t.ID, t.RowIndex, models.StagePIIScrub)
	scrubOutcome := o.runner.Run(ctx, StageRequest{
		Stage:    models.StagePIIScrub,
		TicketID: t.ID,
		BatchID:  t.BatchID,
		Fn: func(c context.Context) (string, map[string]any, error) {
			if t.DescriptionScrubbed == "" {
				scrubbed, bindings, err := o.deps.Scrubber.Scrub(t.ID, t.Description)
				if err != nil {
					return "", nil, faults.Permanent(err)
				}
				if len(bindings) > 0 {
					if err := o.deps.Store.SavePIIBindings(c, bindings); err != nil {
						return "", nil, err
					}
				}
				t.DescriptionScrubbed = scrubbed
			}
			t.Status = models.TicketStatusPIIStripped
			if err := o.deps.Store.UpdateTicket(c, t); err != nil {
				return "", nil, err
			}
			return "", map[string]any{"scrubbed": true}, nil
		},
	})
	if ctx.Err() != nil {
		o.markCancelled(state)
		return
	}
	if scrubOutcome.Status != models.StageCompleted {
		o.markFailed(state, models.StagePIIScrub, scrubOutcome.ErrorDetail)
		return
	}

	// LLM_ANALYSIS and GEOCODE run concurrently; the join below tolerates
	// either side failing and falls back to the documented defaults.
	state.analysis = models.DefaultAnalysis(t.ID)
	var stageWG sync.WaitGroup
	stageWG.Add(2)

	go func() {
		defer stageWG.Done()
		o.deps.Tracker.SetStage(t.BatchID, t.ID, t.RowIndex, models.StageLLM)
		acquireErr := o.llmSem.Acquire(ctx, 1)
		if acquireErr == nil {
			defer o.llmSem.Release(1)
		}
		o.runner.Run(ctx, StageRequest{
			Stage:          models.StageLLM,
			TicketID:       t.ID,
			BatchID:        t.BatchID,
			AttemptTimeout: cfg.LLMTimeout,
			WallClock:      cfg.LLMWallClock,
			Fn: func(c context.Context) (string, map[string]any, error) {
				if acquireErr != nil {
					return "", nil, faults.Cancelled(acquireErr)
				}
				res, err := o.deps.Analyzer.Analyze(c, llm.AnalyzeRequest{
					ScrubbedText: t.DescriptionScrubbed,
					Age:          t.Age,
					Attachments:  t.Attachments,
				})
				if err != nil {
					return "", nil, err
				}
				a := state.analysis
				a.DetectedType = res.DetectedType
				a.Language = res.Language
				a.LanguageMixed = res.LanguageMixed
				a.Sentiment = res.Sentiment
				a.SentimentConfidence = res.SentimentConfidence
				a.Summary = res.Summary
				a.AnomalyFlags = res.AnomalyFlags
				a.NeedsDataChange = res.NeedsDataChange
				return string(res.DetectedType), map[string]any{
					"detected_type": string(res.DetectedType),
					"language":      res.Language,
					"sentiment":     string(res.Sentiment),
				}, nil
			},
		})
	}()

	go func() {
		defer stageWG.Done()
		acquireErr := o.geoSem.Acquire(ctx, 1)
		if acquireErr == nil {
			defer o.geoSem.Release(1)
		}
		o.runner.Run(ctx, StageRequest{
			Stage:          models.StageGeocode,
			TicketID:       t.ID,
			BatchID:        t.BatchID,
			AttemptTimeout: cfg.GeocodeTimeout,
			WallClock:      cfg.GeocodeWallClock,
			Fn: func(c context.Context) (string, map[string]any, error) {
				if acquireErr != nil {
					return "", nil, faults.Cancelled(acquireErr)
				}
				res, err := o.deps.Resolver.Resolve(c, t)
				if err != nil {
					return "", nil, err
				}
				t.Latitude = res.Lat
				t.Longitude = res.Lon
				t.AddressStatus = res.Status
				t.GeoExplanation = res.Explanation
				data := map[string]any{
					"address_status": string(res.Status),
					"provider":       res.Provider,
				}
				return res.Explanation, data, nil
			},
		})
		if t.AddressStatus == "" {
			t.AddressStatus = models.AddressStatusUnknown
		}
	}()

	stageWG.Wait()
	if ctx.Err() != nil {
		o.markCancelled(state)
		return
	}

	// The model only ever saw scrubbed text, so its summary may echo
	// scrub tokens. Restore the originals before the analysis is
	// persisted; on failure the scrubbed summary stands, which leaks
	// nothing.
	o.rehydrateSummary(ctx, state)

	// PRIORITY. Pure computation plus the analysis write.
	o.deps.Tracker.SetStage(t.BatchID, t.ID, t.RowIndex, models.StagePriority)
	priorityOutcome := o.runner.Run(ctx, StageRequest{
		Stage:    models.StagePriority,
		TicketID: t.ID,
		BatchID:  t.BatchID,
		Fn: func(c context.Context) (string, map[string]any, error) {
			result := o.deps.Scorer.Score(scoring.Input{
				Ticket:      t,
				Analysis:    state.analysis,
				RepeatCount: repeatCount,
				BatchSize:   batchSize,
			})
			a := state.analysis
			a.PriorityBase = result.Base
			a.PriorityExtra = result.Extra
			a.PriorityFinal = result.Final
			a.PriorityBreakdown = result.Breakdown
			if err := o.deps.Store.SaveAnalysis(c, a); err != nil {
				return "", nil, err
			}
			t.Status = models.TicketStatusEnriched
			if err := o.deps.Store.UpdateTicket(c, t); err != nil {
				return "", nil, err
			}
			return fmt.Sprintf("priority %.2f", result.Final), map[string]any{
				"priority_final": result.Final,
				"priority_base":  result.Base,
			}, nil
		},
	})
	if ctx.Err() != nil {
		o.markCancelled(state)
		return
	}
	if priorityOutcome.Status != models.StageCompleted {
		o.markFailed(state, models.StagePriority, priorityOutcome.ErrorDetail)
		return
	}
	state.enriched = true
}

// rehydrateSummary swaps scrub tokens in the analysis summary back for
// their original values.
func (o *Orchestrator) rehydrateSummary(ctx context.Context, state *ticketState) {
	t := state.ticket
	if state.analysis == nil || state.analysis.Summary == "" {
		return
	}
	bindings, err := o.deps.Store.PIIBindingsByTicket(ctx, t.ID)
	if err != nil {
		slog.Warn("Could not load bindings for summary rehydration",
			"ticket_id", t.ID, "error", err)
		return
	}
	if len(bindings) == 0 {
		return
	}
	restored, err := o.deps.Scrubber.Rehydrate(state.analysis.Summary, bindings)
	if err != nil {
		slog.Warn("Summary rehydration failed", "ticket_id", t.ID, "error", err)
		return
	}
	state.analysis.Summary = restored
}

// route assigns one enriched ticket. Runs on the batch goroutine only.
func (o *Orchestrator) route(ctx context.Context, state *ticketState, agents []models.Agent, offices []models.Office) {
	t := state.ticket
	o.deps.Tracker.SetStage(t.BatchID, t.ID, t.RowIndex, models.StageRouting)

	// The ledger commit inside Route must happen exactly once even when
	// the persistence half of the stage is retried.
	var decision *routing.Decision
	outcome := o.runner.Run(ctx, StageRequest{
		Stage:    models.StageRouting,
		TicketID: t.ID,
		BatchID:  t.BatchID,
		Fn: func(c context.Context) (string, map[string]any, error) {
			if decision == nil {
				d, err := o.deps.Router.Route(t, state.analysis, agents, offices)
				if err != nil {
					if errors.Is(err, routing.ErrNoEligibleAgents) {
						return "", nil, faults.Permanent(err)
					}
					return "", nil, err
				}
				decision = d
			}
			assignment := &models.Assignment{
				TicketID:    t.ID,
				AgentID:     decision.Agent.ID,
				OfficeID:    decision.Office.ID,
				Explanation: decision.Explanation(),
				Details:     decision.Details(),
				AssignedAt:  time.Now().UTC(),
			}
			if err := o.deps.Store.SaveAssignment(c, assignment); err != nil {
				return "", nil, err
			}
			t.Status = models.TicketStatusRouted
			if err := o.deps.Store.UpdateTicket(c, t); err != nil {
				return "", nil, err
			}
			if err := o.deps.Store.UpdateAgentLoad(c, decision.Agent.ID, decision.LoadAfter); err != nil {
				slog.Warn("Failed to persist agent load",
					"agent_id", decision.Agent.ID, "error", err)
			}
			data := decision.Details()
			data["agent_id"] = decision.Agent.ID
			return decision.Explanation(), data, nil
		},
	})

	if outcome.Status == models.StageCompleted {
		state.routed = true
		result := progress.TicketResult{
			Stage:    string(models.StageRouting),
			Status:   string(models.StageCompleted),
			Priority: state.analysis.PriorityFinal,
		}
		// decision is nil when a stored outcome satisfied the
		// idempotency guard; the assignment already exists.
		if decision != nil {
			result.AgentID = decision.Agent.ID
		}
		o.deps.Tracker.TicketDone(t.BatchID, t.ID, t.RowIndex, result)
		return
	}

	t.Status = models.TicketStatusClosed
	if err := o.persistTicket(t); err != nil {
		state.fatalErr = err
	}
	o.markFailed(state, models.StageRouting, outcome.ErrorDetail)
}

func (o *Orchestrator) markFailed(state *ticketState, stage models.Stage, reason string) {
	if reason == "" {
		reason = "stage failed"
	}
	state.failed = true
	state.failReason = reason
	o.deps.Tracker.TicketDone(state.ticket.BatchID, state.ticket.ID, state.ticket.RowIndex, progress.TicketResult{
		Stage:      string(stage),
		Status:     string(models.StageFailed),
		FailReason: reason,
	})
}

func (o *Orchestrator) markCancelled(state *ticketState) {
	state.failed = true
	state.failReason = "cancelled"
}

// persistTicket writes a ticket under the DB timeout and maps
// infrastructure unavailability to a batch-fatal error.
func (o *Orchestrator) persistTicket(t *models.Ticket) error {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Pipeline.DBWriteTimeout)
	defer cancel()
	if err := o.deps.Store.UpdateTicket(ctx, t); err != nil {
		if faults.IsFatalInfra(err) {
			return err
		}
		slog.Warn("Failed to persist ticket", "ticket_id", t.ID, "error", err)
	}
	return nil
}

func (o *Orchestrator) updateBatch(batch *models.Batch) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Pipeline.DBWriteTimeout)
	defer cancel()
	if err := o.deps.Store.UpdateBatch(ctx, batch); err != nil {
		slog.Error("Failed to persist batch state", "batch_id", batch.ID, "error", err)
	}
}

func (o *Orchestrator) counts(states []*ticketState) (spamCount, routed, failed, enriched int) {
	for _, state := range states {
		if state.spam {
			spamCount++
			continue
		}
		if state.enriched {
			enriched++
		}
		switch {
		case state.routed:
			routed++
		case state.failed:
			failed++
		}
	}
	return
}

func (o *Orchestrator) finish(batch *models.Batch, states []*ticketState) error {
	spamCount, routed, failed, enriched := o.counts(states)

	now := time.Now().UTC()
	batch.Status = models.BatchCompleted
	batch.Processed = len(states)
	batch.SpamCount = spamCount
	batch.RoutedCount = routed
	batch.FailedCount = failed
	batch.CompletedAt = &now
	o.updateBatch(batch)

	o.deps.Tracker.FinishBatch(batch.ID, models.BatchCompleted)
	o.deps.Bus.Publish(events.BatchEvent(batch.ID, models.StagePipeline, events.StatusCompleted, "",
		map[string]any{
			"total":    len(states),
			"enriched": enriched,
			"spam":     spamCount,
			"routed":   routed,
			"failed":   failed,
		}))
	slog.Info("Batch completed", "batch_id", batch.ID,
		"total", len(states), "spam", spamCount, "routed", routed, "failed", failed)
	return nil
}

func (o *Orchestrator) finishCancelled(batch *models.Batch, states []*ticketState) error {
	spamCount, routed, failed, _ := o.counts(states)

	now := time.Now().UTC()
	batch.Status = models.BatchCancelled
	batch.Processed = len(states)
	batch.SpamCount = spamCount
	batch.RoutedCount = routed
	batch.FailedCount = failed
	batch.CompletedAt = &now
	o.updateBatch(batch)

	o.deps.Tracker.FinishBatch(batch.ID, models.BatchCancelled)
	o.deps.Bus.Publish(events.BatchEvent(batch.ID, models.StagePipeline, events.StatusFailed, "cancelled",
		map[string]any{"total": len(states), "spam": spamCount, "routed": routed, "failed": failed}))
	slog.Info("Batch cancelled", "batch_id", batch.ID)
	return nil
}

// failBatch records a batch-fatal failure and emits pipeline failed.
func (o *Orchestrator) failBatch(batchID uuid.UUID, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Pipeline.DBWriteTimeout)
	defer cancel()

	if batch, err := o.deps.Store.Batch(ctx, batchID); err == nil {
		now := time.Now().UTC()
		batch.Status = models.BatchFailed
		batch.CompletedAt = &now
		o.updateBatch(batch)
	}

	o.deps.Tracker.FinishBatch(batchID, models.BatchFailed)
	o.deps.Bus.Publish(events.BatchEvent(batchID, models.StagePipeline, events.StatusFailed, cause.Error(), nil))
	slog.Error("Batch failed", "batch_id", batchID, "error", cause)
	return cause
}
