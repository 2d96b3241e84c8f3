package coordinator

import (
	"github.com/hivemesh/hivemesh/pkg/hsp"
	"github.com/hivemesh/hivemesh/pkg/llm"
)

// NodeState is the per-subtask state machine. Terminal states never
// transition.
type NodeState string

// Node states.
const (
	NodePending   NodeState = "pending"
	NodeReady     NodeState = "ready"
	NodeRunning   NodeState = "running"
	NodeSucceeded NodeState = "succeeded"
	NodeFailed    NodeState = "failed"
	NodeCancelled NodeState = "cancelled"
)

// Terminal reports whether a state admits no further transition.
func (s NodeState) Terminal() bool {
	return s == NodeSucceeded || s == NodeFailed || s == NodeCancelled
}

type node struct {
	spec  llm.SubtaskSpec
	state NodeState
	// output is the structured success payload, keyed for substitution.
	output any
	err    error

	unmetDeps  int
	dependents []string
}

// plan is a validated subtask DAG ready for scheduling.
type plan struct {
	nodes map[string]*node
	// order preserves declaration order for deterministic iteration.
	order []string
}

// buildPlan validates a decomposition and assembles the dependency graph.
// An empty spec list yields a valid empty plan; the coordinator integrates
// with no results in that case. Validation failures are planning errors:
// duplicate or malformed names, unknown or self dependencies, and cycles.
func buildPlan(specs []llm.SubtaskSpec) (*plan, error) {
	p := &plan{nodes: make(map[string]*node, len(specs))}

	for i, s := range specs {
		if s.Name == "" {
			return nil, hsp.NewError(hsp.ErrCodePlanningFailure, "subtask %d has no name", i)
		}
		if s.CapabilityName == "" {
			return nil, hsp.NewError(hsp.ErrCodePlanningFailure, "subtask %q has no capability name", s.Name)
		}
		if _, dup := p.nodes[s.Name]; dup {
			return nil, hsp.NewError(hsp.ErrCodePlanningFailure, "duplicate subtask name %q", s.Name)
		}
		p.nodes[s.Name] = &node{spec: s, state: NodePending}
		p.order = append(p.order, s.Name)
	}

	for _, name := range p.order {
		n := p.nodes[name]
		for _, dep := range n.spec.DependsOn {
			if dep == name {
				return nil, hsp.NewError(hsp.ErrCodePlanningFailure, "subtask %q depends on itself", name)
			}
			parent, ok := p.nodes[dep]
			if !ok {
				return nil, hsp.NewError(hsp.ErrCodePlanningFailure, "subtask %q depends on unknown subtask %q", name, dep)
			}
			parent.dependents = append(parent.dependents, name)
			n.unmetDeps++
		}
	}

	if err := p.checkAcyclic(); err != nil {
		return nil, err
	}
	return p, nil
}

// checkAcyclic runs Kahn's algorithm over a scratch copy of the in-degrees.
func (p *plan) checkAcyclic() error {
	indeg := make(map[string]int, len(p.nodes))
	queue := make([]string, 0, len(p.nodes))
	for name, n := range p.nodes {
		indeg[name] = n.unmetDeps
		if n.unmetDeps == 0 {
			queue = append(queue, name)
		}
	}

	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range p.nodes[name].dependents {
			indeg[dep]--
			if indeg[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(p.nodes) {
		return hsp.NewError(hsp.ErrCodePlanningFailure, "dependency graph contains a cycle")
	}
	return nil
}

// initialReady returns the names of nodes with no dependencies, in
// declaration order, and marks them ready.
func (p *plan) initialReady() []string {
	ready := make([]string, 0, len(p.order))
	for _, name := range p.order {
		if n := p.nodes[name]; n.unmetDeps == 0 {
			n.state = NodeReady
			ready = append(ready, name)
		}
	}
	return ready
}
