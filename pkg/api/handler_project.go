package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/hivemesh/hivemesh/pkg/coordinator"
	"github.com/hivemesh/hivemesh/pkg/services"
)

// CreateProject handles POST /api/v1/projects. The default mode runs the
// project to completion and returns the final record; ?async=true returns
// immediately with the project id.
func (s *Server) CreateProject(c *gin.Context) {
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if async, _ := strconv.ParseBool(c.Query("async")); async {
		projectID := s.runner.StartProject(req.Query)
		c.JSON(http.StatusAccepted, ProjectAcceptedResponse{
			ProjectID: projectID,
			Status:    "accepted",
		})
		return
	}

	record, err := s.runner.HandleProject(c.Request.Context(), req.Query)
	if err != nil && record == nil {
		respondError(c, err)
		return
	}
	// Failed projects still carry a record describing what happened.
	c.JSON(http.StatusOK, ProjectResponse{ProjectRecord: *record})
}

// GetProject handles GET /api/v1/projects/:id.
func (s *Server) GetProject(c *gin.Context) {
	if s.projects == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "project persistence is disabled"})
		return
	}
	project, subtasks, err := s.projects.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ProjectResponse{ProjectRecord: *project, Subtasks: subtasks})
}

// ListProjects handles GET /api/v1/projects.
func (s *Server) ListProjects(c *gin.Context) {
	if s.projects == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "project persistence is disabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	projects, err := s.projects.ListProjects(c.Request.Context(), services.ProjectFilter{
		Status: c.Query("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if projects == nil {
		projects = []coordinator.ProjectRecord{}
	}
	c.JSON(http.StatusOK, ProjectListResponse{Projects: projects})
}

// CancelProject handles POST /api/v1/projects/:id/cancel.
func (s *Server) CancelProject(c *gin.Context) {
	projectID := c.Param("id")
	if !s.runner.Cancel(projectID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active project with that id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"project_id": projectID, "status": "cancelling"})
}
