package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Assignment links a routed ticket to the agent and office that will
// handle it. Exactly one assignment exists per non-spam ticket once the
// routing stage completes.
type Assignment struct {
	ID          int64      `json:"id" db:"id"`
	TicketID    uuid.UUID  `json:"ticket_id" db:"ticket_id"`
	AgentID     string     `json:"agent_id" db:"agent_id"`
	OfficeID    uuid.UUID  `json:"office_id" db:"office_id"`
	Explanation string     `json:"explanation" db:"explanation"`
	Details     DetailsMap `json:"routing_details" db:"routing_details"`
	AssignedAt  time.Time  `json:"assigned_at" db:"assigned_at"`
}

// DetailsMap is a heterogeneous key → value bag stored as a JSON column.
// Values are limited to what JSON can represent (string, number, bool,
// list, map) so payloads round-trip without loss.
type DetailsMap map[string]any

// Value implements driver.Valuer.
func (m DetailsMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *DetailsMap) Scan(src any) error {
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
		return fmt.Errorf("cannot scan %T into DetailsMap", src)
	}
}
