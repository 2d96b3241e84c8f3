package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hivemesh/hivemesh/pkg/lifecycle"
	"github.com/hivemesh/hivemesh/pkg/registry"
)

// ListCapabilities handles GET /api/v1/capabilities. Supports ?name= and
// ?tag= filters; entries hidden by the trust floor are omitted.
func (s *Server) ListCapabilities(c *gin.Context) {
	ads := s.registry.ListAll(registry.Filter{
		Name:    c.Query("name"),
		Tag:     c.Query("tag"),
		AgentID: c.Query("agent_id"),
	})
	if ads == nil {
		ads = []*registry.Advertisement{}
	}
	c.JSON(http.StatusOK, CapabilityListResponse{Capabilities: ads})
}

// ListAgents handles GET /api/v1/agents, reporting locally managed specialist
// processes.
func (s *Server) ListAgents(c *gin.Context) {
	var procs []lifecycle.ProcessInfo
	if s.lifecycle != nil {
		procs = s.lifecycle.Processes()
	}
	if procs == nil {
		procs = []lifecycle.ProcessInfo{}
	}
	c.JSON(http.StatusOK, AgentListResponse{Agents: procs})
}
