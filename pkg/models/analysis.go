package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// TicketType is the classified ticket category.
type TicketType string

// Ticket types produced by the LLM analysis stage.
const (
	TypeComplaint    TicketType = "complaint"
	TypeDataChange   TicketType = "data_change"
	TypeConsultation TicketType = "consultation"
	TypeClaim        TicketType = "claim"
	TypeOutage       TicketType = "outage"
	TypeFraud        TicketType = "fraud"
	TypeSpam         TicketType = "spam"
)

// ValidTicketType reports whether t is a known ticket type.
func ValidTicketType(t TicketType) bool {
	switch t {
	case TypeComplaint, TypeDataChange, TypeConsultation, TypeClaim, TypeOutage, TypeFraud, TypeSpam:
		return true
	}
	return false
}

// Sentiment is the emotional tone of a ticket.
type Sentiment string

// Sentiment labels.
const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Language labels used for routing. Anything the LLM cannot map to KZ or EN
// is labelled RU.
const (
	LanguageRU = "RU"
	LanguageKZ = "KZ"
	LanguageEN = "EN"
)

// Analysis is the per-ticket enrichment result. When the LLM stage fails
// permanently the analysis carries the documented defaults
// (consultation / RU / neutral) and the failure is visible in the stage
// outcome, not here.
type Analysis struct {
	TicketID            uuid.UUID  `json:"ticket_id" db:"ticket_id"`
	DetectedType        TicketType `json:"detected_type" db:"detected_type"`
	Language            string     `json:"language" db:"language"`
	LanguageMixed       bool       `json:"language_mixed" db:"language_mixed"`
	Sentiment           Sentiment  `json:"sentiment" db:"sentiment"`
	SentimentConfidence float64    `json:"sentiment_confidence" db:"sentiment_confidence"`
	Summary             string     `json:"summary" db:"summary"`
	AnomalyFlags        StringList `json:"anomaly_flags,omitempty" db:"anomaly_flags"`
	NeedsDataChange     bool       `json:"needs_data_change" db:"needs_data_change"`

	PriorityBase      float64  `json:"priority_base" db:"priority_base"`
	PriorityExtra     float64  `json:"priority_extra" db:"priority_extra"`
	PriorityFinal     float64  `json:"priority_final" db:"priority_final"`
	PriorityBreakdown ScoreMap `json:"priority_breakdown" db:"priority_breakdown"`
}

// DefaultAnalysis returns the documented fallback analysis used when the
// LLM stage fails permanently.
func DefaultAnalysis(ticketID uuid.UUID) *Analysis {
	return &Analysis{
		TicketID:     ticketID,
		DetectedType: TypeConsultation,
		Language:     LanguageRU,
		Sentiment:    SentimentNeutral,
	}
}

// ScoreMap is a named-term → value breakdown stored as a JSON column.
type ScoreMap map[string]float64

// Value implements driver.Valuer.
func (m ScoreMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *ScoreMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan %T into ScoreMap", src)
	}
}
