package api

// CreateProjectRequest is the body for POST /api/v1/projects.
type CreateProjectRequest struct {
	Query string `json:"query" binding:"required"`
}
