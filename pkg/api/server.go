// Package api exposes the orchestrator over HTTP: project submission and
// inspection, capability discovery, managed process listing, and health.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/hivemesh/hivemesh/pkg/bus"
	"github.com/hivemesh/hivemesh/pkg/coordinator"
	"github.com/hivemesh/hivemesh/pkg/lifecycle"
	"github.com/hivemesh/hivemesh/pkg/registry"
	"github.com/hivemesh/hivemesh/pkg/services"
)

// ProjectRunner is the coordinator surface the API drives.
type ProjectRunner interface {
	HandleProject(ctx context.Context, query string) (*coordinator.ProjectRecord, error)
	StartProject(query string) string
	Cancel(projectID string) bool
}

// ProjectReader is the persistence surface project queries read from.
type ProjectReader interface {
	GetProject(ctx context.Context, projectID string) (*coordinator.ProjectRecord, []coordinator.SubtaskRecord, error)
	ListProjects(ctx context.Context, filter services.ProjectFilter) ([]coordinator.ProjectRecord, error)
}

// Server is the HTTP API server.
type Server struct {
	runner    ProjectRunner
	projects  ProjectReader
	registry  *registry.Registry
	lifecycle *lifecycle.Manager
	conn      *bus.Connector
	db        *sqlx.DB

	httpServer *http.Server
}

// NewServer creates the API server. projects and db may be nil when the
// service runs without persistence; lifecycle may be nil when no launch
// recipes are configured.
func NewServer(runner ProjectRunner, projects ProjectReader, reg *registry.Registry, lm *lifecycle.Manager, conn *bus.Connector, db *sqlx.DB) *Server {
	return &Server{
		runner:    runner,
		projects:  projects,
		registry:  reg,
		lifecycle: lm,
		conn:      conn,
		db:        db,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), securityHeaders())

	router.GET("/health", s.GetHealth)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/projects", s.CreateProject)
		v1.GET("/projects", s.ListProjects)
		v1.GET("/projects/:id", s.GetProject)
		v1.POST("/projects/:id/cancel", s.CancelProject)
		v1.GET("/capabilities", s.ListCapabilities)
		v1.GET("/agents", s.ListAgents)
	}
	return router
}

// Start begins serving on addr and blocks until the listener closes.
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
