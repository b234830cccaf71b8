// Package routing assigns tickets to agents: a geo filter narrows the
// roster to reachable offices, a skill filter with a relaxation cascade
// matches requirements, and selection picks the least-loaded survivor.
package routing

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/fire-crm/fire/pkg/config"
	"github.com/fire-crm/fire/pkg/geo"
	"github.com/fire-crm/fire/pkg/models"
)

// ErrNoEligibleAgents means every requirement drop was exhausted and
// the candidate set is still empty.
var ErrNoEligibleAgents = errors.New("no eligible agents")

// Skill tags agents carry in their skill set.
const (
	SkillVIP = "VIP"
)

// Requirement keys, as configured in the relaxation order, and the
// labels recorded in routing details.
const (
	reqLanguage = "language"
	reqPosition = "position"
	reqVIP      = "vip"
)

var requirementLabels = map[string]string{
	reqLanguage: "language",
	reqPosition: "position",
	reqVIP:      "VIP",
}

// Decision is one routing outcome with everything needed to build the
// Assignment row and its explanation.
type Decision struct {
	Agent      models.Agent
	Office     models.Office
	DistanceKM *float64
	Enforced   []string
	Relaxation []string
	LoadBefore float64
	LoadAfter  float64
}

// Explanation renders the mandatory human-readable assignment rationale.
func (d *Decision) Explanation() string {
	var b strings.Builder
	fmt.Fprintf(&b, "assigned to %s (%s) at %s", d.Agent.FullName, d.Agent.ID, d.Office.Name)
	if d.DistanceKM != nil {
		fmt.Fprintf(&b, ", %.1f km away", *d.DistanceKM)
	} else {
		b.WriteString(", no usable coordinates so every office was considered")
	}
	if len(d.Enforced) > 0 {
		fmt.Fprintf(&b, "; enforced: %s", strings.Join(d.Enforced, ", "))
	}
	if len(d.Relaxation) > 0 {
		fmt.Fprintf(&b, "; relaxed: %s", strings.Join(d.Relaxation, ", "))
	}
	fmt.Fprintf(&b, "; load %.0f -> %.0f", d.LoadBefore, d.LoadAfter)
	return b.String()
}

// Details builds the routing_details map persisted with the Assignment.
func (d *Decision) Details() models.DetailsMap {
	details := models.DetailsMap{
		"office_id":   d.Office.ID.String(),
		"enforced":    d.Enforced,
		"relaxation":  d.Relaxation,
		"load_before": d.LoadBefore,
		"load_after":  d.LoadAfter,
	}
	if d.DistanceKM != nil {
		details["distance_km"] = *d.DistanceKM
	}
	return details
}

// Engine routes one ticket at a time. The caller is responsible for
// ordering (descending final priority) because lowest-load selection
// depends on the commits made for earlier tickets.
type Engine struct {
	cfg    *config.RoutingConfig
	ledger *LoadLedger
}

func NewEngine(cfg *config.RoutingConfig, ledger *LoadLedger) *Engine {
	return &Engine{cfg: cfg, ledger: ledger}
}

// Ledger exposes the shared load ledger for end-of-batch accounting.
func (e *Engine) Ledger() *LoadLedger {
	return e.ledger
}

type candidate struct {
	agent      models.Agent
	office     models.Office
	distanceKM *float64
}

// Route assigns the ticket to an agent and commits the ticket's
// difficulty weight to the ledger. Fails with ErrNoEligibleAgents when
// the cascade empties out.
func (e *Engine) Route(ticket *models.Ticket, analysis *models.Analysis, agents []models.Agent, offices []models.Office) (*Decision, error) {
	pool := e.geoFilter(ticket, agents, offices)
	if len(pool) == 0 {
		return nil, fmt.Errorf("%w: no active agents within reach", ErrNoEligibleAgents)
	}

	survivors, enforced, relaxed := e.skillFilter(pool, ticket, analysis)
	if len(survivors) == 0 {
		return nil, fmt.Errorf("%w: skill requirements unmet after full relaxation", ErrNoEligibleAgents)
	}

	chosen := e.selectAgent(survivors)

	weight := e.difficultyWeight(analysis.DetectedType)
	after := e.ledger.Commit(chosen.agent.ID, weight)

	decision := &Decision{
		Agent:      chosen.agent,
		Office:     chosen.office,
		DistanceKM: chosen.distanceKM,
		Enforced:   enforced,
		Relaxation: relaxed,
		LoadBefore: after - weight,
		LoadAfter:  after,
	}

	slog.Debug("Routed ticket",
		"ticket_id", ticket.ID,
		"agent_id", chosen.agent.ID,
		"relaxation", relaxed,
		"load_after", after)

	return decision, nil
}

// geoFilter keeps active agents whose office lies within
// max(closest x slack, minimum radius) of the ticket. Coordinate-less
// tickets keep the whole active roster.
func (e *Engine) geoFilter(ticket *models.Ticket, agents []models.Agent, offices []models.Office) []candidate {
	officeByID := make(map[string]models.Office, len(offices))
	for _, office := range offices {
		officeByID[office.ID.String()] = office
	}

	if !ticket.HasCoordinates() {
		var pool []candidate
		for _, agent := range agents {
			if !agent.Active {
				continue
			}
			office, ok := officeByID[agent.OfficeID.String()]
			if !ok {
				continue
			}
			pool = append(pool, candidate{agent: agent, office: office})
		}
		return pool
	}

	distances := make(map[string]float64, len(offices))
	closest := -1.0
	for _, office := range offices {
		d := geo.HaversineKM(*ticket.Latitude, *ticket.Longitude, office.Latitude, office.Longitude)
		distances[office.ID.String()] = d
		if closest < 0 || d < closest {
			closest = d
		}
	}

	radius := closest * e.cfg.GeoSlack
	if radius < e.cfg.GeoMinRadiusKM {
		radius = e.cfg.GeoMinRadiusKM
	}

	var pool []candidate
	for _, agent := range agents {
		if !agent.Active {
			continue
		}
		office, ok := officeByID[agent.OfficeID.String()]
		if !ok {
			continue
		}
		d := distances[office.ID.String()]
		if d <= radius {
			dCopy := d
			pool = append(pool, candidate{agent: agent, office: office, distanceKM: &dCopy})
		}
	}
	return pool
}

// requirement is one skill predicate together with the key used in the
// relaxation order.
type requirement struct {
	key   string
	match func(models.Agent) bool
}

// skillFilter applies every requirement derived from the ticket, then
// drops them in the configured order until at least one candidate
// survives. Returns survivors, the labels still enforced, and the
// labels dropped (the relaxation list).
func (e *Engine) skillFilter(pool []candidate, ticket *models.Ticket, analysis *models.Analysis) ([]candidate, []string, []string) {
	active := e.deriveRequirements(ticket, analysis)

	survivors := filterBy(pool, active)
	var relaxed []string
	for _, key := range e.cfg.RelaxationOrder {
		if len(survivors) > 0 {
			break
		}
		dropped := false
		remaining := active[:0:0]
		for _, req := range active {
			if req.key == key {
				dropped = true
				continue
			}
			remaining = append(remaining, req)
		}
		if !dropped {
			continue
		}
		active = remaining
		relaxed = append(relaxed, requirementLabels[key])
		survivors = filterBy(pool, active)
	}

	enforced := make([]string, 0, len(active))
	for _, req := range active {
		enforced = append(enforced, requirementLabels[req.key])
	}
	return survivors, enforced, relaxed
}

func (e *Engine) deriveRequirements(ticket *models.Ticket, analysis *models.Analysis) []requirement {
	var reqs []requirement

	if lang := analysis.Language; lang == models.LanguageKZ || lang == models.LanguageEN {
		reqs = append(reqs, requirement{
			key:   reqLanguage,
			match: func(a models.Agent) bool { return a.HasSkill(lang) },
		})
	}
	if analysis.DetectedType == models.TypeDataChange {
		reqs = append(reqs, requirement{
			key:   reqPosition,
			match: func(a models.Agent) bool { return a.Position == models.PositionChief },
		})
	}
	if ticket.Segment == models.SegmentVIP || ticket.Segment == models.SegmentPriority {
		reqs = append(reqs, requirement{
			key:   reqVIP,
			match: func(a models.Agent) bool { return a.HasSkill(SkillVIP) },
		})
	}
	return reqs
}

func filterBy(pool []candidate, reqs []requirement) []candidate {
	var out []candidate
	for _, c := range pool {
		ok := true
		for _, req := range reqs {
			if !req.match(c.agent) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, c)
		}
	}
	return out
}

// selectAgent picks the lowest committed load; ties go to the higher
// skill factor, then the lexicographically smaller agent id.
func (e *Engine) selectAgent(pool []candidate) candidate {
	loads := e.ledger.Snapshot()

	sort.Slice(pool, func(i, j int) bool {
		li, lj := loads[pool[i].agent.ID], loads[pool[j].agent.ID]
		if li != lj {
			return li < lj
		}
		if pool[i].agent.SkillFactor != pool[j].agent.SkillFactor {
			return pool[i].agent.SkillFactor > pool[j].agent.SkillFactor
		}
		return pool[i].agent.ID < pool[j].agent.ID
	})
	return pool[0]
}

func (e *Engine) difficultyWeight(ticketType models.TicketType) float64 {
	if w, ok := e.cfg.DifficultyWeights[string(ticketType)]; ok {
		return w
	}
	return e.cfg.DefaultDifficulty
}
