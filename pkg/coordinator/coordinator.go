// Package coordinator turns a project query into a subtask DAG, executes it
// over the agent network, and integrates the results. Execution is a single
// scheduler loop per project: ready nodes dispatch concurrently up to the
// in-flight cap, and each completion feeds successor readiness.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivemesh/hivemesh/pkg/bus"
	"github.com/hivemesh/hivemesh/pkg/hsp"
	"github.com/hivemesh/hivemesh/pkg/llm"
	"github.com/hivemesh/hivemesh/pkg/registry"
)

// Policy decides how a subtask failure affects the rest of the project.
type Policy string

// Failure policies.
const (
	PolicyStrict     Policy = "strict"
	PolicyBestEffort Policy = "best_effort"
)

// Defaults, overridable via Config.
const (
	DefaultMaxInFlight     = 8
	DefaultSubtaskDeadline = 30 * time.Second
	DefaultProjectDeadline = 300 * time.Second
)

// Config holds coordinator tuning.
type Config struct {
	MaxInFlight     int
	SubtaskDeadline time.Duration
	ProjectDeadline time.Duration
	FailurePolicy   Policy
}

func (c Config) withDefaults() Config {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.SubtaskDeadline <= 0 {
		c.SubtaskDeadline = DefaultSubtaskDeadline
	}
	if c.ProjectDeadline <= 0 {
		c.ProjectDeadline = DefaultProjectDeadline
	}
	if c.FailurePolicy == "" {
		c.FailurePolicy = PolicyBestEffort
	}
	return c
}

// Requester is the bus surface the coordinator dispatches through.
// Satisfied by *bus.Connector.
type Requester interface {
	AgentID() string
	Request(ctx context.Context, topic, messageType string, payload any, timeout time.Duration, opts *bus.RequestOptions) (*hsp.Envelope, error)
}

// Finder is the discovery surface. Satisfied by *registry.Registry.
type Finder interface {
	FindByName(name string) []*registry.Advertisement
}

// Launcher spawns a specialist when discovery comes up empty. Satisfied by
// *lifecycle.Manager. May be nil; then an unadvertised capability is a hard
// capability-not-found.
type Launcher interface {
	EnsureRunning(ctx context.Context, capabilityName string) (string, error)
}

// Coordinator executes projects. Safe for concurrent use; each project runs
// its own scheduler loop.
type Coordinator struct {
	cfg      Config
	conn     Requester
	registry Finder
	launcher Launcher
	gateway  llm.Gateway
	store    Store
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New creates a coordinator. A nil store falls back to NopStore.
func New(cfg Config, conn Requester, reg Finder, launcher Launcher, gateway llm.Gateway, store Store) *Coordinator {
	if conn == nil {
		panic("coordinator.New: connector must not be nil")
	}
	if reg == nil {
		panic("coordinator.New: registry must not be nil")
	}
	if gateway == nil {
		panic("coordinator.New: gateway must not be nil")
	}
	if store == nil {
		store = NopStore{}
	}
	return &Coordinator{
		cfg:      cfg.withDefaults(),
		conn:     conn,
		registry: reg,
		launcher: launcher,
		gateway:  gateway,
		store:    store,
		logger:   slog.With("component", "coordinator"),
		active:   make(map[string]context.CancelFunc),
	}
}

// HandleProject runs a project to completion and returns its final record.
// The returned error is non-nil when the project did not succeed.
func (c *Coordinator) HandleProject(ctx context.Context, query string) (*ProjectRecord, error) {
	rec := c.run(ctx, uuid.NewString(), query)
	if rec.Status != ProjectSucceeded {
		return rec, hsp.NewError(hsp.ErrCodeExecutionFailure, "project %s %s: %s", rec.ID, rec.Status, rec.ErrorMessage)
	}
	return rec, nil
}

// StartProject launches a project in the background and returns its id
// immediately. Progress is observable through the store.
func (c *Coordinator) StartProject(query string) string {
	projectID := uuid.NewString()
	go c.run(context.Background(), projectID, query)
	return projectID
}

// Cancel aborts a running project. Returns false when the project is not
// currently executing.
func (c *Coordinator) Cancel(projectID string) bool {
	c.mu.Lock()
	cancel, ok := c.active[projectID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (c *Coordinator) run(ctx context.Context, projectID, query string) *ProjectRecord {
	rec := &ProjectRecord{
		ID:            projectID,
		Query:         query,
		FailurePolicy: string(c.cfg.FailurePolicy),
		Status:        ProjectPlanning,
		CreatedAt:     time.Now().UTC(),
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProjectDeadline)
	defer cancel()
	c.mu.Lock()
	c.active[projectID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, projectID)
		c.mu.Unlock()
	}()

	logger := c.logger.With("project_id", projectID)
	logger.Info("Project accepted", "policy", c.cfg.FailurePolicy)

	specs, err := c.gateway.Decompose(ctx, query)
	if err != nil {
		return c.finish(rec, ProjectFailed, "", err)
	}
	p, err := c.buildValidatedPlan(specs)
	if err != nil {
		return c.finish(rec, ProjectFailed, "", err)
	}
	logger.Info("Plan validated", "subtasks", len(p.order))

	rec.Status = ProjectRunning
	if err := c.store.CreateProject(ctx, *rec, planRecords(projectID, p)); err != nil {
		logger.Warn("Failed to persist project", "error", err)
	}

	firstErr := c.execute(ctx, projectID, p)

	completed := make([]llm.CompletedSubtask, 0, len(p.order))
	succeeded := 0
	for _, name := range p.order {
		n := p.nodes[name]
		if n.state == NodeSucceeded {
			completed = append(completed, llm.CompletedSubtask{
				Name: name, Status: string(NodeSucceeded), Output: n.output,
			})
			succeeded++
		}
	}

	if cause := ctx.Err(); cause != nil && firstErr != nil {
		if errors.Is(cause, context.Canceled) {
			return c.finish(rec, ProjectCancelled, "", hsp.NewError(hsp.ErrCodeCancelled, "project cancelled"))
		}
	}
	if c.cfg.FailurePolicy == PolicyStrict && firstErr != nil {
		return c.finish(rec, ProjectFailed, "", firstErr)
	}

	// Best-effort integrates whatever succeeded, even an empty set; a project
	// with subtasks but zero successes still fails with the first error.
	answer, err := c.gateway.Integrate(ctx, query, completed)
	if err != nil {
		return c.finish(rec, ProjectFailed, "", err)
	}
	if len(p.order) > 0 && succeeded == 0 {
		return c.finish(rec, ProjectFailed, "", firstErr)
	}
	logger.Info("Project succeeded", "subtasks_succeeded", succeeded, "subtasks_total", len(p.order))
	return c.finish(rec, ProjectSucceeded, answer, nil)
}

func (c *Coordinator) finish(rec *ProjectRecord, status ProjectStatus, response string, cause error) *ProjectRecord {
	rec.Status = status
	rec.Response = response
	if cause != nil {
		rec.ErrorMessage = cause.Error()
		c.logger.Error("Project did not succeed", "project_id", rec.ID, "status", status, "error", cause)
	}
	now := time.Now().UTC()
	rec.CompletedAt = &now
	if err := c.store.UpdateProject(context.Background(), rec.ID, status, response, rec.ErrorMessage); err != nil {
		c.logger.Warn("Failed to persist project state", "project_id", rec.ID, "error", err)
	}
	return rec
}

// buildValidatedPlan runs structural validation plus the parameter-reference
// check: a template may only reference outputs of declared dependencies.
func (c *Coordinator) buildValidatedPlan(specs []llm.SubtaskSpec) (*plan, error) {
	p, err := buildPlan(specs)
	if err != nil {
		return nil, err
	}
	for _, name := range p.order {
		n := p.nodes[name]
		deps := make(map[string]bool, len(n.spec.DependsOn))
		for _, d := range n.spec.DependsOn {
			deps[d] = true
		}
		for _, ref := range referencedSubtasks(n.spec.Parameters) {
			if !deps[ref] {
				return nil, hsp.NewError(hsp.ErrCodePlanningFailure,
					"subtask %q references output of %q which is not a declared dependency", name, ref)
			}
		}
	}
	return p, nil
}

type nodeResult struct {
	name   string
	output any
	err    error
}

// execute runs the scheduler loop and returns the first failure, if any.
// On return every node is in a terminal state.
func (c *Coordinator) execute(ctx context.Context, projectID string, p *plan) error {
	execCtx, execCancel := context.WithCancel(ctx)
	defer execCancel()

	logger := c.logger.With("project_id", projectID)
	outputs := make(map[string]any, len(p.order))
	ready := p.initialReady()
	results := make(chan nodeResult)
	done := execCtx.Done()
	running := 0
	aborted := false
	var firstErr error

	// failNode marks a node failed and, under best-effort, cascades the
	// failure to its transitive dependents. Under strict it aborts the run.
	var failNode func(name string, cause error)
	failNode = func(name string, cause error) {
		n := p.nodes[name]
		if n.state.Terminal() {
			return
		}
		n.state = NodeFailed
		n.err = cause
		if firstErr == nil {
			firstErr = cause
		}
		c.persistSubtask(projectID, name, NodeFailed, nil, cause)
		logger.Warn("Subtask failed", "subtask", name, "error", cause)

		if c.cfg.FailurePolicy == PolicyStrict {
			aborted = true
			execCancel()
			return
		}
		for _, dep := range n.dependents {
			failNode(dep, hsp.NewError(hsp.ErrCodeExecutionFailure,
				"dependency %q failed: %v", name, cause))
		}
	}

	for {
		for !aborted && len(ready) > 0 && running < c.cfg.MaxInFlight {
			name := ready[0]
			ready = ready[1:]
			n := p.nodes[name]
			if n.state.Terminal() {
				continue
			}

			params, err := substituteParams(n.spec.Parameters, outputs)
			if err != nil {
				failNode(name, err)
				continue
			}

			n.state = NodeRunning
			running++
			c.persistSubtask(projectID, name, NodeRunning, nil, nil)
			logger.Debug("Dispatching subtask", "subtask", name, "capability", n.spec.CapabilityName)
			go func(name string, spec llm.SubtaskSpec, params map[string]any) {
				out, err := c.dispatch(execCtx, spec, params)
				results <- nodeResult{name: name, output: out, err: err}
			}(name, n.spec, params)
		}

		if running == 0 {
			if aborted || len(ready) == 0 {
				break
			}
		}

		select {
		case res := <-results:
			running--
			n := p.nodes[res.name]
			if res.err != nil {
				failNode(res.name, res.err)
				continue
			}
			n.state = NodeSucceeded
			n.output = res.output
			outputs[res.name] = res.output
			encoded, _ := json.Marshal(res.output)
			c.persistSubtask(projectID, res.name, NodeSucceeded, encoded, nil)
			logger.Debug("Subtask succeeded", "subtask", res.name)

			for _, dep := range n.dependents {
				d := p.nodes[dep]
				d.unmetDeps--
				if d.unmetDeps == 0 && d.state == NodePending {
					d.state = NodeReady
					ready = append(ready, dep)
				}
			}
		case <-done:
			// Fires once; afterwards only result drains are awaited.
			done = nil
			aborted = true
			if firstErr == nil {
				firstErr = hsp.WrapError(hsp.ErrCodeCancelled, execCtx.Err(), "project execution aborted")
			}
		}
	}

	// Anything not terminal was never dispatched; mark it cancelled.
	for _, name := range p.order {
		n := p.nodes[name]
		if !n.state.Terminal() {
			n.state = NodeCancelled
			c.persistSubtask(projectID, name, NodeCancelled, nil, nil)
		}
	}
	return firstErr
}

// dispatch resolves a provider for the capability and issues the correlated
// task request. Discovery first; an empty result triggers a lifecycle launch
// and a re-query.
func (c *Coordinator) dispatch(ctx context.Context, spec llm.SubtaskSpec, params map[string]any) (any, error) {
	ads := c.registry.FindByName(spec.CapabilityName)
	if len(ads) == 0 {
		if c.launcher == nil {
			return nil, hsp.NewError(hsp.ErrCodeCapabilityNotFound, "no provider for capability %q", spec.CapabilityName)
		}
		if _, err := c.launcher.EnsureRunning(ctx, spec.CapabilityName); err != nil {
			return nil, err
		}
		if ads = c.registry.FindByName(spec.CapabilityName); len(ads) == 0 {
			return nil, hsp.NewError(hsp.ErrCodeCapabilityNotFound, "capability %q not advertised after launch", spec.CapabilityName)
		}
	}
	ad := ads[0]

	deadline := c.cfg.SubtaskDeadline
	if spec.DeadlineSeconds > 0 {
		deadline = time.Duration(spec.DeadlineSeconds) * time.Second
	}
	requestID := uuid.NewString()
	callback := hsp.ResultTopic(c.conn.AgentID(), requestID)
	hardDeadline := time.Now().UTC().Add(deadline)

	resp, err := c.conn.Request(ctx, hsp.TaskTopic(ad.CapabilityID), hsp.TypeTaskRequest, hsp.TaskRequest{
		RequestID:          requestID,
		RequesterID:        c.conn.AgentID(),
		TargetAgentID:      ad.AgentID,
		CapabilityIDFilter: ad.CapabilityID,
		Parameters:         params,
		Deadline:           &hardDeadline,
		CallbackTopic:      callback,
	}, deadline, &bus.RequestOptions{ReplyTopic: callback})
	if err != nil {
		return nil, err
	}

	result, err := hsp.DecodePayload[hsp.TaskResult](resp)
	if err != nil {
		return nil, hsp.WrapError(hsp.ErrCodeExecutionFailure, err, "malformed task result from %s", ad.AgentID)
	}
	if result.Status != hsp.TaskStatusSuccess {
		if result.Error != nil {
			return nil, hsp.NewError(result.Error.Code, "agent %s: %s", result.AgentID, result.Error.Message)
		}
		return nil, hsp.NewError(hsp.ErrCodeExecutionFailure, "agent %s reported status %s", result.AgentID, result.Status)
	}

	var output any
	if len(result.Payload) > 0 {
		if err := json.Unmarshal(result.Payload, &output); err != nil {
			return nil, hsp.WrapError(hsp.ErrCodeExecutionFailure, err, "non-decodable payload from %s", ad.AgentID)
		}
	}
	return output, nil
}

func (c *Coordinator) persistSubtask(projectID, name string, state NodeState, output []byte, cause error) {
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	if err := c.store.UpdateSubtask(context.Background(), projectID, name, state, output, errMsg); err != nil {
		c.logger.Warn("Failed to persist subtask state",
			"project_id", projectID, "subtask", name, "error", err)
	}
}

func planRecords(projectID string, p *plan) []SubtaskRecord {
	recs := make([]SubtaskRecord, 0, len(p.order))
	for _, name := range p.order {
		n := p.nodes[name]
		recs = append(recs, SubtaskRecord{
			ProjectID:      projectID,
			Name:           name,
			CapabilityName: n.spec.CapabilityName,
			DependsOn:      n.spec.DependsOn,
			State:          n.state,
		})
	}
	return recs
}
