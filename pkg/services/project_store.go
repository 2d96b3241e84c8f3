package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hivemesh/hivemesh/pkg/coordinator"
)

// ProjectStore persists project and subtask state in PostgreSQL. It backs the
// coordinator's execution writes and the API's read queries.
type ProjectStore struct {
	db *sqlx.DB
}

// NewProjectStore creates a project store over the given pool.
func NewProjectStore(db *sqlx.DB) *ProjectStore {
	return &ProjectStore{db: db}
}

// CreateProject inserts a project row together with its plan nodes in one
// transaction.
func (s *ProjectStore) CreateProject(ctx context.Context, project coordinator.ProjectRecord, subtasks []coordinator.SubtaskRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO projects (id, query, failure_policy, status, response, error_message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		project.ID, project.Query, project.FailurePolicy, project.Status,
		project.Response, project.ErrorMessage, project.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert project: %w", err)
	}

	for _, st := range subtasks {
		deps, err := json.Marshal(st.DependsOn)
		if err != nil {
			return fmt.Errorf("failed to marshal dependencies for %q: %w", st.Name, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO subtasks (project_id, name, capability_name, depends_on, state, error_message)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			project.ID, st.Name, st.CapabilityName, deps, st.State, st.ErrorMessage)
		if err != nil {
			return fmt.Errorf("failed to insert subtask %q: %w", st.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit project: %w", err)
	}
	return nil
}

// UpdateProject records a project status transition.
func (s *ProjectStore) UpdateProject(ctx context.Context, projectID string, status coordinator.ProjectStatus, response, errMsg string) error {
	var completedAt *time.Time
	switch status {
	case coordinator.ProjectSucceeded, coordinator.ProjectFailed,
		coordinator.ProjectCancelled, coordinator.ProjectInterrupted:
		now := time.Now().UTC()
		completedAt = &now
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET status = $2, response = $3, error_message = $4,
		 completed_at = COALESCE($5, completed_at) WHERE id = $1`,
		projectID, status, response, errMsg, completedAt)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	return requireRow(res, projectID)
}

// UpdateSubtask records a plan node state transition.
func (s *ProjectStore) UpdateSubtask(ctx context.Context, projectID, name string, state coordinator.NodeState, output []byte, errMsg string) error {
	var outputJSON any
	if len(output) > 0 {
		outputJSON = output
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE subtasks SET state = $3, output = $4, error_message = $5
		 WHERE project_id = $1 AND name = $2`,
		projectID, name, state, outputJSON, errMsg)
	if err != nil {
		return fmt.Errorf("failed to update subtask: %w", err)
	}
	return requireRow(res, projectID+"/"+name)
}

// GetProject returns a project with its plan nodes.
func (s *ProjectStore) GetProject(ctx context.Context, projectID string) (*coordinator.ProjectRecord, []coordinator.SubtaskRecord, error) {
	var project coordinator.ProjectRecord
	err := s.db.GetContext(ctx, &project,
		`SELECT id, query, failure_policy, status, response, error_message, created_at, completed_at
		 FROM projects WHERE id = $1`, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query project: %w", err)
	}

	rows, err := s.db.QueryxContext(ctx,
		`SELECT project_id, name, capability_name, depends_on, state, output, error_message
		 FROM subtasks WHERE project_id = $1 ORDER BY name`, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query subtasks: %w", err)
	}
	defer rows.Close()

	var subtasks []coordinator.SubtaskRecord
	for rows.Next() {
		var (
			st   coordinator.SubtaskRecord
			deps []byte
		)
		if err := rows.Scan(&st.ProjectID, &st.Name, &st.CapabilityName, &deps,
			&st.State, &st.Output, &st.ErrorMessage); err != nil {
			return nil, nil, fmt.Errorf("failed to scan subtask: %w", err)
		}
		if len(deps) > 0 {
			if err := json.Unmarshal(deps, &st.DependsOn); err != nil {
				return nil, nil, fmt.Errorf("failed to decode dependencies: %w", err)
			}
		}
		subtasks = append(subtasks, st)
	}
	return &project, subtasks, rows.Err()
}

// ProjectFilter narrows a project listing. A zero value lists the newest 50.
type ProjectFilter struct {
	Status string
	Limit  int
	Offset int
}

// ListProjects returns projects newest first, filtered and paginated.
func (s *ProjectStore) ListProjects(ctx context.Context, f ProjectFilter) ([]coordinator.ProjectRecord, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	query := `SELECT id, query, failure_policy, status, response, error_message, created_at, completed_at
		 FROM projects`
	args := []any{f.Limit, f.Offset}
	if f.Status != "" {
		query += ` WHERE status = $3`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`

	var projects []coordinator.ProjectRecord
	if err := s.db.SelectContext(ctx, &projects, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

// MarkInterrupted flags projects left in a non-terminal state by a previous
// run. Called once at startup; interrupted projects are not resumed.
func (s *ProjectStore) MarkInterrupted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET status = $1, completed_at = now(),
		 error_message = 'interrupted by service restart'
		 WHERE status IN ($2, $3)`,
		coordinator.ProjectInterrupted, coordinator.ProjectPlanning, coordinator.ProjectRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted projects: %w", err)
	}
	return res.RowsAffected()
}

// PurgeOldProjects deletes terminal projects completed before the retention
// window. Subtask rows go with them via the foreign key cascade.
func (s *ProjectStore) PurgeOldProjects(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM projects WHERE completed_at IS NOT NULL AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge old projects: %w", err)
	}
	return res.RowsAffected()
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
