package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fire-crm/fire/pkg/database"
	"github.com/fire-crm/fire/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// health handles GET /api/v1/health. Only our own components are
// checked; external services (LLM, geocoders) are excluded so their
// outages cannot fail a liveness probe.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := healthStatusHealthy
	checks := gin.H{}

	if s.db != nil {
		if _, err := database.Health(ctx, s.db.DB()); err != nil {
			status = healthStatusUnhealthy
			checks["database"] = gin.H{"status": healthStatusUnhealthy, "error": err.Error()}
		} else {
			checks["database"] = gin.H{"status": healthStatusHealthy}
		}
	}
	if s.stream != nil {
		checks["event_stream"] = gin.H{
			"status":      healthStatusHealthy,
			"connections": s.stream.ActiveConnections(),
		}
	}

	code := http.StatusOK
	if status != healthStatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "version": version.Full(), "checks": checks})
}
