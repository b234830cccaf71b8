package pipeline

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/fire-crm/fire/pkg/geo"
	"github.com/fire-crm/fire/pkg/llm"
	"github.com/fire-crm/fire/pkg/models"
	"github.com/fire-crm/fire/pkg/spam"
)

// Store is the persistence surface the orchestrator depends on. Load
// failures at batch start are fatal for the batch; per-ticket write
// failures degrade to failed stage outcomes.
type Store interface {
	OutcomeStore

	Batch(ctx context.Context, id uuid.UUID) (*models.Batch, error)
	UpdateBatch(ctx context.Context, batch *models.Batch) error

	TicketsByBatch(ctx context.Context, batchID uuid.UUID) ([]models.Ticket, error)
	UpdateTicket(ctx context.Context, ticket *models.Ticket) error

	SaveAnalysis(ctx context.Context, analysis *models.Analysis) error
	SaveAssignment(ctx context.Context, assignment *models.Assignment) error
	SavePIIBindings(ctx context.Context, bindings []models.PIIBinding) error
	PIIBindingsByTicket(ctx context.Context, ticketID uuid.UUID) ([]models.PIIBinding, error)

	ActiveAgents(ctx context.Context) ([]models.Agent, error)
	Offices(ctx context.Context) ([]models.Office, error)
	UpdateAgentLoad(ctx context.Context, agentID string, load float64) error
}

// Analyzer is the LLM enrichment port.
type Analyzer interface {
	Analyze(ctx context.Context, req llm.AnalyzeRequest) (*llm.AnalyzeResult, error)
}

// SpamDetector decides whether a ticket description is spam.
type SpamDetector interface {
	Detect(ctx context.Context, text string) (*spam.Verdict, error)
}

// AddressResolver turns address fragments into coordinates.
type AddressResolver interface {
	Resolve(ctx context.Context, ticket *models.Ticket) (*geo.Resolution, error)
}

// Scrubber replaces PII with placeholder tokens and returns the
// encrypted originals; Rehydrate reverses the substitution in text the
// model produced.
type Scrubber interface {
	Scrub(ticketID uuid.UUID, text string) (string, []models.PIIBinding, error)
	Rehydrate(text string, bindings []models.PIIBinding) (string, error)
}

// BoundedClassifier wraps a spam classifier with a semaphore so model
// calls across tickets stay under the spam-LLM ceiling. Structural
// verdicts never touch the model and are not throttled.
type BoundedClassifier struct {
	inner spam.Classifier
	sem   *semaphore.Weighted
}

func NewBoundedClassifier(inner spam.Classifier, limit int) *BoundedClassifier {
	return &BoundedClassifier{inner: inner, sem: semaphore.NewWeighted(int64(limit))}
}

// Classify acquires a slot, then delegates.
func (b *BoundedClassifier) Classify(ctx context.Context, text string) (float64, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer b.sem.Release(1)
	return b.inner.Classify(ctx, text)
}
