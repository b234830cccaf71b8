// Package models defines the domain entities shared across the pipeline,
// routing engine, and storage layer.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Segment is the customer segment a ticket belongs to.
type Segment string

// Customer segments, in descending priority.
const (
	SegmentVIP      Segment = "VIP"
	SegmentPriority Segment = "Priority"
	SegmentMass     Segment = "Mass"
)

// TicketStatus tracks a ticket's progress through the pipeline.
type TicketStatus string

// Ticket lifecycle statuses.
const (
	TicketStatusIngested    TicketStatus = "ingested"
	TicketStatusSpamChecked TicketStatus = "spam_checked"
	TicketStatusPIIStripped TicketStatus = "pii_stripped"
	TicketStatusEnriched    TicketStatus = "enriched"
	TicketStatusRouted      TicketStatus = "routed"
	TicketStatusClosed      TicketStatus = "closed"
)

// AddressStatus describes the outcome of geocoding a ticket's address.
type AddressStatus string

// Address resolution statuses.
const (
	AddressStatusResolved AddressStatus = "resolved"
	AddressStatusFallback AddressStatus = "fallback"
	AddressStatusUnknown  AddressStatus = "unknown"
)

// Ticket is the immutable ingested input plus fields written by stage
// outcomes. Only the orchestrator mutates a ticket after ingestion.
type Ticket struct {
	ID          uuid.UUID `json:"id" db:"id"`
	BatchID     uuid.UUID `json:"batch_id" db:"batch_id"`
	RowIndex    int       `json:"row_index" db:"row_index"`
	CustomerID  string    `json:"customer_id" db:"customer_id"`
	Description string    `json:"description" db:"description"`

	// Demographics (optional).
	Age       *int       `json:"age,omitempty" db:"age"`
	BirthDate *time.Time `json:"birth_date,omitempty" db:"birth_date"`
	Gender    string     `json:"gender,omitempty" db:"gender"`
	Segment   Segment    `json:"segment" db:"segment"`

	// Address fragments (optional).
	Country string `json:"country,omitempty" db:"country"`
	Region  string `json:"region,omitempty" db:"region"`
	City    string `json:"city,omitempty" db:"city"`
	Street  string `json:"street,omitempty" db:"street"`
	House   string `json:"house,omitempty" db:"house"`

	Attachments StringList `json:"attachments,omitempty" db:"attachments"`

	// Written by the spam stage.
	IsSpam          bool    `json:"is_spam" db:"is_spam"`
	SpamProbability float64 `json:"spam_probability" db:"spam_probability"`

	// Written by the PII stage.
	DescriptionScrubbed string `json:"-" db:"description_scrubbed"`

	// Written by the geocode stage.
	Latitude       *float64      `json:"latitude,omitempty" db:"latitude"`
	Longitude      *float64      `json:"longitude,omitempty" db:"longitude"`
	AddressStatus  AddressStatus `json:"address_status,omitempty" db:"address_status"`
	GeoExplanation string        `json:"geo_explanation,omitempty" db:"geo_explanation"`

	Status    TicketStatus `json:"status" db:"status"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
}

// HasCoordinates reports whether geocoding produced usable coordinates.
// Tickets whose address resolution ended at the last-resort fallback are
// treated as coordinate-less by the routing geo filter.
func (t *Ticket) HasCoordinates() bool {
	return t.Latitude != nil && t.Longitude != nil && t.AddressStatus != AddressStatusUnknown
}

// StringList is a []string stored as a JSON column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	if src == nil {
		*l = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("cannot scan %T into StringList", src)
	}
}
