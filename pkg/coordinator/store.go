package coordinator

import (
	"context"
	"time"
)

// ProjectStatus is the lifecycle of a whole project.
type ProjectStatus string

// Project statuses. Interrupted marks projects found running after a service
// restart; they are not resumed.
const (
	ProjectPlanning    ProjectStatus = "planning"
	ProjectRunning     ProjectStatus = "running"
	ProjectSucceeded   ProjectStatus = "succeeded"
	ProjectFailed      ProjectStatus = "failed"
	ProjectCancelled   ProjectStatus = "cancelled"
	ProjectInterrupted ProjectStatus = "interrupted"
)

// ProjectRecord is the persisted view of a project.
type ProjectRecord struct {
	ID            string        `json:"id" db:"id"`
	Query         string        `json:"query" db:"query"`
	FailurePolicy string        `json:"failure_policy" db:"failure_policy"`
	Status        ProjectStatus `json:"status" db:"status"`
	Response      string        `json:"response,omitempty" db:"response"`
	ErrorMessage  string        `json:"error_message,omitempty" db:"error_message"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
}

// SubtaskRecord is the persisted view of one plan node.
type SubtaskRecord struct {
	ProjectID      string    `json:"project_id" db:"project_id"`
	Name           string    `json:"name" db:"name"`
	CapabilityName string    `json:"capability_name" db:"capability_name"`
	DependsOn      []string  `json:"depends_on,omitempty" db:"-"`
	State          NodeState `json:"state" db:"state"`
	Output         []byte    `json:"output,omitempty" db:"output"`
	ErrorMessage   string    `json:"error_message,omitempty" db:"error_message"`
}

// Store persists project and subtask state transitions. Persistence failures
// are logged, never fatal to execution.
type Store interface {
	CreateProject(ctx context.Context, project ProjectRecord, subtasks []SubtaskRecord) error
	UpdateProject(ctx context.Context, projectID string, status ProjectStatus, response, errMsg string) error
	UpdateSubtask(ctx context.Context, projectID, name string, state NodeState, output []byte, errMsg string) error
}

// NopStore discards all writes. Used when the service runs without a
// database.
type NopStore struct{}

func (NopStore) CreateProject(context.Context, ProjectRecord, []SubtaskRecord) error {
	return nil
}

func (NopStore) UpdateProject(context.Context, string, ProjectStatus, string, string) error {
	return nil
}

func (NopStore) UpdateSubtask(context.Context, string, string, NodeState, []byte, string) error {
	return nil
}
