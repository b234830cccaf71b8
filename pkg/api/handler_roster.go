package api

import (
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fire-crm/fire/pkg/ingest"
	"github.com/fire-crm/fire/pkg/models"
)

// rosterFile opens the uploaded CSV or writes a 400 response.
func rosterFile(c *gin.Context) (multipart.File, bool) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file upload field 'file'"})
		return nil, false
	}
	file, err := fileHeader.Open()
	if err != nil {
		abortWithError(c, err)
		return nil, false
	}
	return file, true
}

// uploadOffices handles POST /api/v1/roster/offices. Rows without
// coordinates are geocoded from their address; a row that cannot be
// located is skipped and reported.
func (s *Server) uploadOffices(c *gin.Context) {
	file, ok := rosterFile(c)
	if !ok {
		return
	}
	defer file.Close()

	parsed, err := ingest.ParseOffices(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	var imported, geocoded int
	var skipped []string
	for _, row := range parsed {
		office := models.Office{
			Name:    row.Name,
			Address: row.Address,
		}
		switch {
		case row.Latitude != nil && row.Longitude != nil:
			office.Latitude = *row.Latitude
			office.Longitude = *row.Longitude
		case s.locator != nil:
			result, err := s.locator.Locate(ctx, row.Address)
			if err != nil || result == nil {
				slog.Warn("Office address did not geocode",
					"office", row.Name, "address", row.Address, "error", err)
				skipped = append(skipped, row.Name)
				continue
			}
			office.Latitude = result.Lat
			office.Longitude = result.Lon
			geocoded++
		default:
			skipped = append(skipped, row.Name)
			continue
		}

		// Re-imports keep the existing office id.
		if existing, err := s.store.OfficeByName(ctx, row.Name); err == nil {
			office.ID = existing.ID
		} else {
			office.ID = uuid.New()
		}
		if err := s.store.InsertOffice(ctx, &office); err != nil {
			abortWithError(c, err)
			return
		}
		imported++
	}

	c.JSON(http.StatusOK, gin.H{
		"imported": imported,
		"geocoded": geocoded,
		"skipped":  skipped,
	})
}

// uploadAgents handles POST /api/v1/roster/agents. Agents reference
// offices by name, so offices must be imported first; rows naming an
// unknown office are skipped and reported.
func (s *Server) uploadAgents(c *gin.Context) {
	file, ok := rosterFile(c)
	if !ok {
		return
	}
	defer file.Close()

	parsed, err := ingest.ParseAgents(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	var imported int
	var skipped []string
	for _, row := range parsed {
		office, err := s.store.OfficeByName(ctx, row.Office)
		if err != nil {
			slog.Warn("Agent references unknown office",
				"agent", row.FullName, "office", row.Office)
			skipped = append(skipped, row.FullName)
			continue
		}

		agent := models.Agent{
			// Deterministic id so re-imports update instead of duplicating.
			ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte(row.FullName)).String(),
			FullName:    row.FullName,
			Position:    row.Position,
			Skills:      models.StringList(row.Skills),
			SkillFactor: row.Position.SkillFactor(),
			OfficeID:    office.ID,
			Load:        row.Load,
			Active:      true,
		}
		if err := s.store.InsertAgent(ctx, &agent); err != nil {
			abortWithError(c, err)
			return
		}
		imported++
	}

	c.JSON(http.StatusOK, gin.H{
		"imported": imported,
		"skipped":  skipped,
	})
}
