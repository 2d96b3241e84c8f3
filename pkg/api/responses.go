package api

import (
	"github.com/hivemesh/hivemesh/pkg/coordinator"
	"github.com/hivemesh/hivemesh/pkg/lifecycle"
	"github.com/hivemesh/hivemesh/pkg/registry"
)

// ProjectResponse is a project with its plan nodes, when known.
type ProjectResponse struct {
	coordinator.ProjectRecord
	Subtasks []coordinator.SubtaskRecord `json:"subtasks,omitempty"`
}

// ProjectAcceptedResponse acknowledges an asynchronous submission.
type ProjectAcceptedResponse struct {
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
}

// ProjectListResponse wraps a project listing.
type ProjectListResponse struct {
	Projects []coordinator.ProjectRecord `json:"projects"`
}

// CapabilityListResponse wraps discoverable capability advertisements.
type CapabilityListResponse struct {
	Capabilities []*registry.Advertisement `json:"capabilities"`
}

// AgentListResponse wraps locally managed specialist processes.
type AgentListResponse struct {
	Agents []lifecycle.ProcessInfo `json:"agents"`
}
