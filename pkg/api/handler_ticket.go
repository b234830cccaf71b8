package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// listTickets handles GET /api/v1/tickets?batch_id=. Tickets are served
// from the anonymized view: no raw description, no identity fields.
func (s *Server) listTickets(c *gin.Context) {
	batchID, err := uuid.Parse(c.Query("batch_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch_id query parameter is required"})
		return
	}
	tickets, err := s.store.AnonymizedTickets(c.Request.Context(), batchID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tickets": tickets})
}

// agentLoads handles GET /api/v1/agents/loads: the stored roster load
// next to the committed load the router has accumulated this session.
func (s *Server) agentLoads(c *gin.Context) {
	agents, err := s.store.ActiveAgents(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}

	committed := map[string]float64{}
	if s.ledger != nil {
		committed = s.ledger.Snapshot()
	}

	type agentLoad struct {
		AgentID   string    `json:"agent_id"`
		FullName  string    `json:"full_name"`
		Position  string    `json:"position"`
		OfficeID  uuid.UUID `json:"office_id"`
		Stored    float64   `json:"stored_load"`
		Committed float64   `json:"committed_load"`
	}
	loads := make([]agentLoad, 0, len(agents))
	for _, a := range agents {
		load := agentLoad{
			AgentID:  a.ID,
			FullName: a.FullName,
			Position: string(a.Position),
			OfficeID: a.OfficeID,
			Stored:   a.Load,
			Committed: a.Load,
		}
		if v, ok := committed[a.ID]; ok {
			load.Committed = v
		}
		loads = append(loads, load)
	}
	c.JSON(http.StatusOK, gin.H{"agents": loads})
}
