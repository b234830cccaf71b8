package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fire-crm/fire/pkg/ingest"
	"github.com/fire-crm/fire/pkg/models"
	"github.com/fire-crm/fire/pkg/progress"
)

// createBatch handles POST /api/v1/batches: a multipart CSV upload
// parsed into tickets and stored as a pending batch.
func (s *Server) createBatch(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file upload field 'file'"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		abortWithError(c, err)
		return
	}
	defer file.Close()

	batchID := uuid.New()
	tickets, err := ingest.ParseTickets(file, batchID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(tickets) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file contains no ticket rows"})
		return
	}

	batch := &models.Batch{
		ID:        batchID,
		Filename:  fileHeader.Filename,
		TotalRows: len(tickets),
		Status:    models.BatchPending,
		CreatedAt: time.Now().UTC(),
	}
	ctx := c.Request.Context()
	if err := s.store.InsertBatch(ctx, batch); err != nil {
		abortWithError(c, err)
		return
	}
	if err := s.store.InsertTickets(ctx, tickets); err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, batch)
}

// listBatches handles GET /api/v1/batches.
func (s *Server) listBatches(c *gin.Context) {
	batches, err := s.store.Batches(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batches": batches})
}

// getBatch handles GET /api/v1/batches/:id.
func (s *Server) getBatch(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	batch, err := s.store.Batch(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

// processBatch handles POST /api/v1/batches/:id/process: kicks off the
// enrichment pipeline in the background.
func (s *Server) processBatch(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if _, err := s.store.Batch(c.Request.Context(), id); err != nil {
		abortWithError(c, err)
		return
	}
	if err := s.runner.Start(id); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"batch_id": id, "status": models.BatchProcessing})
}

// cancelBatch handles POST /api/v1/batches/:id/cancel.
func (s *Server) cancelBatch(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if !s.runner.Cancel(id) {
		c.JSON(http.StatusConflict, gin.H{"error": "batch is not being processed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"batch_id": id, "status": models.BatchCancelled})
}

// getProgress handles GET /api/v1/batches/:id/progress. Live batches
// answer from the in-memory tracker; finished ones fall back to the
// stored counters.
func (s *Server) getProgress(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if snapshot, ok := s.runner.Progress(id); ok {
		c.JSON(http.StatusOK, snapshot)
		return
	}

	batch, err := s.store.Batch(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress.Snapshot{
		BatchID:   batch.ID,
		Total:     batch.TotalRows,
		Processed: batch.Processed,
		Spam:      batch.SpamCount,
		Routed:    batch.RoutedCount,
		Failed:    batch.FailedCount,
		Status:    batch.Status,
	})
}

// listOutcomes handles GET /api/v1/batches/:id/outcomes: the per-ticket
// stage execution trail.
func (s *Server) listOutcomes(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	outcomes, err := s.store.OutcomesByBatch(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": outcomes})
}
