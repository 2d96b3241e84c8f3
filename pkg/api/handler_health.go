package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hivemesh/hivemesh/pkg/database"
	"github.com/hivemesh/hivemesh/pkg/version"
)

// GetHealth handles GET /health. The bus connection is required; the database
// section appears only when persistence is enabled.
func (s *Server) GetHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy := true
	body := gin.H{"version": version.Full()}

	busStatus := "connected"
	if s.conn == nil || !s.conn.Connected() {
		busStatus = "disconnected"
		healthy = false
	}
	body["bus"] = gin.H{"status": busStatus}
	if s.conn != nil {
		body["bus_stats"] = s.conn.Stats()
	}

	if s.db != nil {
		dbHealth, err := database.Health(ctx, s.db)
		body["database"] = dbHealth
		if err != nil {
			healthy = false
		}
	}

	if !healthy {
		body["status"] = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "healthy"
	c.JSON(http.StatusOK, body)
}
