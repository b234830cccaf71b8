package models

import "github.com/google/uuid"

// Position is an agent's seniority level.
type Position string

// Agent positions. Data-change tickets require a chief.
const (
	PositionSpecialist Position = "specialist"
	PositionLead       Position = "lead"
	PositionChief      Position = "chief"
)

// SkillFactor is the load divisor earned by seniority.
func (p Position) SkillFactor() float64 {
	switch p {
	case PositionChief:
		return 1.5
	case PositionLead:
		return 1.3
	default:
		return 1.0
	}
}

// Agent is a human support agent working from a specific office.
type Agent struct {
	ID          string     `json:"id" db:"id"`
	FullName    string     `json:"full_name" db:"full_name"`
	Position    Position   `json:"position" db:"position"`
	Skills      StringList `json:"skills" db:"skills"`
	SkillFactor float64    `json:"skill_factor" db:"skill_factor"`
	OfficeID    uuid.UUID  `json:"office_id" db:"office_id"`
	Load        float64    `json:"load" db:"load"`
	StressScore float64    `json:"stress_score" db:"stress_score"`
	Active      bool       `json:"active" db:"active"`
}

// HasSkill reports whether the agent carries the given free-form skill tag.
func (a *Agent) HasSkill(tag string) bool {
	for _, s := range a.Skills {
		if s == tag {
			return true
		}
	}
	return false
}

// Office is a physical location agents work from.
type Office struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Address   string    `json:"address" db:"address"`
	Latitude  float64   `json:"latitude" db:"latitude"`
	Longitude float64   `json:"longitude" db:"longitude"`
}
