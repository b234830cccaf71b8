package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/fire-crm/fire/pkg/faults"
	"github.com/fire-crm/fire/pkg/geo"
	"github.com/fire-crm/fire/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store implements the pipeline's persistence port plus the queries the
// HTTP surface and the ingestion path need. Every error is classified
// into a fault kind so the stage runner's retry policy works on raw
// store errors.
type Store struct {
	db *sqlx.DB
}

func NewStore(client *Client) *Store {
	return &Store{db: client.db}
}

// classify maps database errors onto the domain fault kinds: deadlocks
// and serialization failures retry, unreachable infrastructure kills
// the batch, everything else is permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return faults.Cancelled(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Transient(err)
	}
	if errors.Is(err, driver.ErrBadConn) {
		return faults.FatalInfra(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return faults.FatalInfra(err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization failure, deadlock
			return faults.Transient(err)
		case "57P01", "57P02", "57P03", "08000", "08003", "08006": // shutdown, connection failures
			return faults.FatalInfra(err)
		}
		return faults.Permanent(err)
	}
	if pgconn.Timeout(err) {
		return faults.Transient(err)
	}
	return faults.Permanent(err)
}

// Batches

func (s *Store) InsertBatch(ctx context.Context, batch *models.Batch) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO batches (id, filename, total_rows, processed, spam_count, routed_count, failed_count, status, created_at)
		VALUES (:id, :filename, :total_rows, :processed, :spam_count, :routed_count, :failed_count, :status, :created_at)`,
		batch)
	return classify(err)
}

func (s *Store) Batch(ctx context.Context, id uuid.UUID) (*models.Batch, error) {
	var batch models.Batch
	err := s.db.GetContext(ctx, &batch, `SELECT * FROM batches WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return &batch, nil
}

func (s *Store) Batches(ctx context.Context) ([]models.Batch, error) {
	var batches []models.Batch
	err := s.db.SelectContext(ctx, &batches, `SELECT * FROM batches ORDER BY created_at DESC`)
	return batches, classify(err)
}

func (s *Store) UpdateBatch(ctx context.Context, batch *models.Batch) error {
	_, err := s.db.NamedExecContext(ctx, `
		UPDATE batches SET
			total_rows = :total_rows, processed = :processed, spam_count = :spam_count,
			routed_count = :routed_count, failed_count = :failed_count,
			status = :status, completed_at = :completed_at
		WHERE id = :id`, batch)
	return classify(err)
}

// Tickets

func (s *Store) InsertTickets(ctx context.Context, tickets []models.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range tickets {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO tickets (
				id, batch_id, row_index, customer_id, description,
				age, birth_date, gender, segment,
				country, region, city, street, house, attachments,
				is_spam, spam_probability, description_scrubbed,
				latitude, longitude, address_status, geo_explanation,
				status, created_at
			) VALUES (
				:id, :batch_id, :row_index, :customer_id, :description,
				:age, :birth_date, :gender, :segment,
				:country, :region, :city, :street, :house, :attachments,
				:is_spam, :spam_probability, :description_scrubbed,
				:latitude, :longitude, :address_status, :geo_explanation,
				:status, :created_at
			)`, &tickets[i]); err != nil {
			return classify(err)
		}
	}
	return classify(tx.Commit())
}

func (s *Store) TicketsByBatch(ctx context.Context, batchID uuid.UUID) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := s.db.SelectContext(ctx, &tickets,
		`SELECT * FROM tickets WHERE batch_id = $1 ORDER BY row_index`, batchID)
	return tickets, classify(err)
}

func (s *Store) UpdateTicket(ctx context.Context, ticket *models.Ticket) error {
	_, err := s.db.NamedExecContext(ctx, `
		UPDATE tickets SET
			is_spam = :is_spam, spam_probability = :spam_probability,
			description_scrubbed = :description_scrubbed,
			latitude = :latitude, longitude = :longitude,
			address_status = :address_status, geo_explanation = :geo_explanation,
			status = :status
		WHERE id = :id`, ticket)
	return classify(err)
}

// Analyses

func (s *Store) SaveAnalysis(ctx context.Context, analysis *models.Analysis) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO analyses (
			ticket_id, detected_type, language, language_mixed,
			sentiment, sentiment_confidence, summary, anomaly_flags, needs_data_change,
			priority_base, priority_extra, priority_final, priority_breakdown
		) VALUES (
			:ticket_id, :detected_type, :language, :language_mixed,
			:sentiment, :sentiment_confidence, :summary, :anomaly_flags, :needs_data_change,
			:priority_base, :priority_extra, :priority_final, :priority_breakdown
		)
		ON CONFLICT (ticket_id) DO UPDATE SET
			detected_type = EXCLUDED.detected_type,
			language = EXCLUDED.language,
			language_mixed = EXCLUDED.language_mixed,
			sentiment = EXCLUDED.sentiment,
			sentiment_confidence = EXCLUDED.sentiment_confidence,
			summary = EXCLUDED.summary,
			anomaly_flags = EXCLUDED.anomaly_flags,
			needs_data_change = EXCLUDED.needs_data_change,
			priority_base = EXCLUDED.priority_base,
			priority_extra = EXCLUDED.priority_extra,
			priority_final = EXCLUDED.priority_final,
			priority_breakdown = EXCLUDED.priority_breakdown`,
		analysis)
	return classify(err)
}

// Assignments

func (s *Store) SaveAssignment(ctx context.Context, assignment *models.Assignment) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO assignments (ticket_id, agent_id, office_id, explanation, routing_details, assigned_at)
		VALUES (:ticket_id, :agent_id, :office_id, :explanation, :routing_details, :assigned_at)
		ON CONFLICT (ticket_id) DO UPDATE SET
			agent_id = EXCLUDED.agent_id,
			office_id = EXCLUDED.office_id,
			explanation = EXCLUDED.explanation,
			routing_details = EXCLUDED.routing_details,
			assigned_at = EXCLUDED.assigned_at`,
		assignment)
	return classify(err)
}

// PII bindings

func (s *Store) SavePIIBindings(ctx context.Context, bindings []models.PIIBinding) error {
	if len(bindings) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range bindings {
		if bindings[i].CreatedAt.IsZero() {
			bindings[i].CreatedAt = time.Now().UTC()
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO pii_bindings (ticket_id, token, kind, encrypted_value, created_at)
			VALUES (:ticket_id, :token, :kind, :encrypted_value, :created_at)
			ON CONFLICT (ticket_id, token) DO NOTHING`, &bindings[i]); err != nil {
			return classify(err)
		}
	}
	return classify(tx.Commit())
}

func (s *Store) PIIBindingsByTicket(ctx context.Context, ticketID uuid.UUID) ([]models.PIIBinding, error) {
	var bindings []models.PIIBinding
	err := s.db.SelectContext(ctx, &bindings,
		`SELECT * FROM pii_bindings WHERE ticket_id = $1`, ticketID)
	return bindings, classify(err)
}

// PurgePIIBindings deletes all encrypted originals for a batch once its
// retention window lapses.
func (s *Store) PurgePIIBindings(ctx context.Context, batchID uuid.UUID) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pii_bindings
		WHERE ticket_id IN (SELECT id FROM tickets WHERE batch_id = $1)`, batchID)
	if err != nil {
		return 0, classify(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PurgeExpiredPIIBindings deletes encrypted originals belonging to
// batches that finished before the cutoff. Idempotent and safe to run
// from multiple replicas.
func (s *Store) PurgeExpiredPIIBindings(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pii_bindings
		WHERE ticket_id IN (
			SELECT t.id FROM tickets t
			JOIN batches b ON b.id = t.batch_id
			WHERE b.completed_at IS NOT NULL AND b.completed_at < $1
		)`, cutoff)
	if err != nil {
		return 0, classify(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Roster

func (s *Store) ActiveAgents(ctx context.Context) ([]models.Agent, error) {
	var agents []models.Agent
	err := s.db.SelectContext(ctx, &agents,
		`SELECT * FROM agents WHERE active ORDER BY id`)
	return agents, classify(err)
}

func (s *Store) Offices(ctx context.Context) ([]models.Office, error) {
	var offices []models.Office
	err := s.db.SelectContext(ctx, &offices, `SELECT * FROM offices ORDER BY name`)
	return offices, classify(err)
}

func (s *Store) InsertOffice(ctx context.Context, office *models.Office) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO offices (id, name, address, latitude, longitude)
		VALUES (:id, :name, :address, :latitude, :longitude)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, address = EXCLUDED.address,
			latitude = EXCLUDED.latitude, longitude = EXCLUDED.longitude`,
		office)
	return classify(err)
}

func (s *Store) OfficeByName(ctx context.Context, name string) (*models.Office, error) {
	var office models.Office
	err := s.db.GetContext(ctx, &office, `SELECT * FROM offices WHERE name = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return &office, nil
}

func (s *Store) InsertAgent(ctx context.Context, agent *models.Agent) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO agents (id, full_name, position, skills, skill_factor, office_id, load, stress_score, active)
		VALUES (:id, :full_name, :position, :skills, :skill_factor, :office_id, :load, :stress_score, :active)
		ON CONFLICT (id) DO UPDATE SET
			full_name = EXCLUDED.full_name, position = EXCLUDED.position,
			skills = EXCLUDED.skills, skill_factor = EXCLUDED.skill_factor,
			office_id = EXCLUDED.office_id, load = EXCLUDED.load,
			stress_score = EXCLUDED.stress_score, active = EXCLUDED.active`,
		agent)
	return classify(err)
}

func (s *Store) UpdateAgentLoad(ctx context.Context, agentID string, load float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET load = $2 WHERE id = $1`, agentID, load)
	return classify(err)
}

// Stage outcomes

const upsertOutcomeQuery = `
	INSERT INTO stage_outcomes (ticket_id, batch_id, stage, status, message, error_detail, started_at, completed_at)
	VALUES (:ticket_id, :batch_id, :stage, :status, :message, :error_detail, :started_at, :completed_at)
	ON CONFLICT (ticket_id, stage) DO UPDATE SET
		status = EXCLUDED.status,
		message = EXCLUDED.message,
		error_detail = EXCLUDED.error_detail,
		started_at = EXCLUDED.started_at,
		completed_at = EXCLUDED.completed_at
	WHERE stage_outcomes.status <> 'completed'`

// UpsertOutcome writes one stage outcome. A completed row is never
// overwritten by a late writer; a failed row may still be superseded by
// a completed re-run.
func (s *Store) UpsertOutcome(ctx context.Context, outcome *models.StageOutcome) error {
	_, err := s.db.NamedExecContext(ctx, upsertOutcomeQuery, outcome)
	return classify(err)
}

func (s *Store) CompletedOutcome(ctx context.Context, ticketID uuid.UUID, stage models.Stage) (*models.StageOutcome, error) {
	var outcome models.StageOutcome
	err := s.db.GetContext(ctx, &outcome, `
		SELECT * FROM stage_outcomes
		WHERE ticket_id = $1 AND stage = $2 AND status = 'completed'`,
		ticketID, stage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	return &outcome, nil
}

func (s *Store) OutcomesByBatch(ctx context.Context, batchID uuid.UUID) ([]models.StageOutcome, error) {
	var outcomes []models.StageOutcome
	err := s.db.SelectContext(ctx, &outcomes, `
		SELECT * FROM stage_outcomes WHERE batch_id = $1
		ORDER BY started_at, id`, batchID)
	return outcomes, classify(err)
}

// Geocode cache

// GeocodeEntry is one persisted cache row. Found=false records a
// definitive provider miss.
type GeocodeEntry struct {
	Query     string    `db:"query"`
	Latitude  *float64  `db:"latitude"`
	Longitude *float64  `db:"longitude"`
	Provider  string    `db:"provider"`
	Found     bool      `db:"found"`
	CreatedAt time.Time `db:"created_at"`
}

func (s *Store) GeocodeEntries(ctx context.Context) ([]GeocodeEntry, error) {
	var entries []GeocodeEntry
	err := s.db.SelectContext(ctx, &entries, `SELECT * FROM geocode_cache`)
	return entries, classify(err)
}

func (s *Store) SaveGeocodeEntry(ctx context.Context, query string, result *geo.Result) error {
	entry := GeocodeEntry{
		Query:     geo.NormalizeQuery(query),
		Found:     result != nil,
		CreatedAt: time.Now().UTC(),
	}
	if result != nil {
		entry.Latitude = &result.Lat
		entry.Longitude = &result.Lon
		entry.Provider = result.Provider
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO geocode_cache (query, latitude, longitude, provider, found, created_at)
		VALUES (:query, :latitude, :longitude, :provider, :found, :created_at)
		ON CONFLICT (query) DO NOTHING`, &entry)
	return classify(err)
}

// Anonymized projection

// AnonymizedTicket is one row of the tickets_anonymized view: the
// PII-free projection served to external consumers.
type AnonymizedTicket struct {
	ID                  uuid.UUID             `json:"id" db:"id"`
	BatchID             uuid.UUID             `json:"batch_id" db:"batch_id"`
	RowIndex            int                   `json:"row_index" db:"row_index"`
	Segment             models.Segment        `json:"segment" db:"segment"`
	Country             string                `json:"country,omitempty" db:"country"`
	Region              string                `json:"region,omitempty" db:"region"`
	City                string                `json:"city,omitempty" db:"city"`
	IsSpam              bool                  `json:"is_spam" db:"is_spam"`
	SpamProbability     float64               `json:"spam_probability" db:"spam_probability"`
	DescriptionScrubbed string                `json:"description_scrubbed" db:"description_scrubbed"`
	Latitude            *float64              `json:"latitude,omitempty" db:"latitude"`
	Longitude           *float64              `json:"longitude,omitempty" db:"longitude"`
	AddressStatus       *models.AddressStatus `json:"address_status,omitempty" db:"address_status"`
	Status              models.TicketStatus   `json:"status" db:"status"`
	DetectedType        *models.TicketType    `json:"detected_type,omitempty" db:"detected_type"`
	Language            *string               `json:"language,omitempty" db:"language"`
	Sentiment           *models.Sentiment     `json:"sentiment,omitempty" db:"sentiment"`
	PriorityFinal       *float64              `json:"priority_final,omitempty" db:"priority_final"`
	AgentID             *string               `json:"agent_id,omitempty" db:"agent_id"`
	OfficeID            *uuid.UUID            `json:"office_id,omitempty" db:"office_id"`
	Explanation         *string               `json:"explanation,omitempty" db:"explanation"`
	RoutingDetails      json.RawMessage       `json:"routing_details,omitempty" db:"routing_details"`
}

func (s *Store) AnonymizedTickets(ctx context.Context, batchID uuid.UUID) ([]AnonymizedTicket, error) {
	var tickets []AnonymizedTicket
	err := s.db.SelectContext(ctx, &tickets, `
		SELECT * FROM tickets_anonymized WHERE batch_id = $1 ORDER BY row_index`, batchID)
	return tickets, classify(err)
}

// ClaimPendingBatch atomically claims the oldest pending batch for
// processing. Returns ErrNotFound when nothing is pending. FOR UPDATE
// SKIP LOCKED lets multiple workers poll without stepping on each
// other.
func (s *Store) ClaimPendingBatch(ctx context.Context) (*models.Batch, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	var batch models.Batch
	err = tx.GetContext(ctx, &batch, `
		SELECT * FROM batches
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}

	batch.Status = models.BatchProcessing
	if _, err := tx.ExecContext(ctx,
		`UPDATE batches SET status = 'processing' WHERE id = $1`, batch.ID); err != nil {
		return nil, classify(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}
	return &batch, nil
}
