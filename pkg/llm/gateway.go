// Package llm abstracts the language-model planner behind a small gateway
// interface. The coordinator only needs two operations: decompose a project
// query into subtask specs, and integrate subtask results into a final
// answer.
package llm

import (
	"context"
	"fmt"
	"regexp"
)

// SubtaskSpec is one planned unit of work. Names are unique within a plan
// and referenced by DependsOn and by parameter placeholders.
type SubtaskSpec struct {
	Name           string         `json:"name"`
	CapabilityName string         `json:"capability_name"`
	Parameters     map[string]any `json:"parameters"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	// DeadlineSeconds overrides the configured subtask deadline when positive.
	DeadlineSeconds int `json:"deadline_seconds,omitempty"`
}

// CompletedSubtask pairs a finished subtask with its output for integration.
type CompletedSubtask struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Gateway is the planning surface the coordinator depends on.
type Gateway interface {
	// Decompose turns a free-form project query into an ordered plan.
	Decompose(ctx context.Context, query string) ([]SubtaskSpec, error)
	// Integrate composes subtask outputs into the final project answer.
	Integrate(ctx context.Context, query string, results []CompletedSubtask) (string, error)
}

var subtaskNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidatePlan checks the structural rules every plan must satisfy before
// scheduling: non-empty, unique well-formed names, dependencies resolving to
// earlier-declared names is not required, but every dependency must exist.
// Cycle detection is the scheduler's job; this catches cheap shape errors at
// the planning boundary.
func ValidatePlan(specs []SubtaskSpec) error {
	if len(specs) == 0 {
		return fmt.Errorf("plan contains no subtasks")
	}
	seen := make(map[string]bool, len(specs))
	for i, s := range specs {
		if s.Name == "" {
			return fmt.Errorf("subtask %d has no name", i)
		}
		if !subtaskNameRe.MatchString(s.Name) {
			return fmt.Errorf("subtask name %q contains invalid characters", s.Name)
		}
		if s.CapabilityName == "" {
			return fmt.Errorf("subtask %q has no capability name", s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate subtask name %q", s.Name)
		}
		seen[s.Name] = true
	}
	for _, s := range specs {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("subtask %q depends on unknown subtask %q", s.Name, dep)
			}
		}
	}
	return nil
}
