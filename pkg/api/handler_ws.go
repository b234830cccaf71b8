package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// handleWS upgrades GET /ws to a WebSocket and streams pipeline events
// until the client disconnects.
func (s *Server) handleWS(c *gin.Context) {
	if s.stream == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream not available"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// TODO: replace with an OriginPatterns allowlist once the
		// dashboard origin is fixed in deployment config.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}

	// Blocks until the connection closes.
	s.stream.HandleConnection(c.Request.Context(), conn)
}
