// Package api exposes the HTTP surface: batch upload and control,
// anonymized ticket views, roster imports, agent loads, health, and the
// WebSocket event stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fire-crm/fire/pkg/database"
	"github.com/fire-crm/fire/pkg/events"
	"github.com/fire-crm/fire/pkg/geo"
	"github.com/fire-crm/fire/pkg/models"
	"github.com/fire-crm/fire/pkg/progress"
	"github.com/fire-crm/fire/pkg/routing"
)

// Storage is the slice of the database store the handlers need.
type Storage interface {
	InsertBatch(ctx context.Context, batch *models.Batch) error
	Batch(ctx context.Context, id uuid.UUID) (*models.Batch, error)
	Batches(ctx context.Context) ([]models.Batch, error)
	InsertTickets(ctx context.Context, tickets []models.Ticket) error
	AnonymizedTickets(ctx context.Context, batchID uuid.UUID) ([]database.AnonymizedTicket, error)
	OutcomesByBatch(ctx context.Context, batchID uuid.UUID) ([]models.StageOutcome, error)
	ActiveAgents(ctx context.Context) ([]models.Agent, error)
	Offices(ctx context.Context) ([]models.Office, error)
	InsertOffice(ctx context.Context, office *models.Office) error
	OfficeByName(ctx context.Context, name string) (*models.Office, error)
	InsertAgent(ctx context.Context, agent *models.Agent) error
}

// BatchRunner starts, cancels, and reports on batch processing.
type BatchRunner interface {
	Start(batchID uuid.UUID) error
	Cancel(batchID uuid.UUID) bool
	Progress(batchID uuid.UUID) (*progress.Snapshot, bool)
}

// Locator geocodes free-form queries. Office imports use it when the
// CSV carries no coordinates.
type Locator interface {
	Locate(ctx context.Context, query string) (*geo.Result, error)
}

// Server wires the HTTP handlers to their collaborators.
type Server struct {
	store   Storage
	runner  BatchRunner
	stream  *events.StreamManager
	ledger  *routing.LoadLedger
	locator Locator
	db      *database.Client

	httpServer *http.Server
}

// NewServer creates the API server. db and locator may be nil in tests;
// the health handler then skips the database check and office imports
// skip geocoding.
func NewServer(store Storage, runner BatchRunner, stream *events.StreamManager,
	ledger *routing.LoadLedger, locator Locator, db *database.Client) *Server {
	return &Server{
		store:   store,
		runner:  runner,
		stream:  stream,
		ledger:  ledger,
		locator: locator,
		db:      db,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(), securityHeaders())

	// Uploads are small CSV exports; cap them well below gin's default.
	router.MaxMultipartMemory = 16 << 20

	v1 := router.Group("/api/v1")
	{
		v1.POST("/batches", s.createBatch)
		v1.GET("/batches", s.listBatches)
		v1.GET("/batches/:id", s.getBatch)
		v1.POST("/batches/:id/process", s.processBatch)
		v1.POST("/batches/:id/cancel", s.cancelBatch)
		v1.GET("/batches/:id/progress", s.getProgress)
		v1.GET("/batches/:id/outcomes", s.listOutcomes)

		v1.GET("/tickets", s.listTickets)
		v1.GET("/agents/loads", s.agentLoads)

		v1.POST("/roster/agents", s.uploadAgents)
		v1.POST("/roster/offices", s.uploadOffices)

		v1.GET("/health", s.health)
	}

	router.GET("/ws", s.handleWS)
	return router
}

// Start runs the HTTP server until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
