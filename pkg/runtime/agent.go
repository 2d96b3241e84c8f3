// Package runtime is the boilerplate every specialist agent runs: advertise
// capabilities, serve task requests, answer health probes, withdraw on
// shutdown. Capabilities are registered explicitly as data; there is no
// discovery by reflection.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivemesh/hivemesh/pkg/bus"
	"github.com/hivemesh/hivemesh/pkg/hsp"
)

// DefaultAdvertiseTTL matches the registry's default staleness window.
// Re-advertisement runs at half this cadence.
const DefaultAdvertiseTTL = 60 * time.Second

// Handler executes one task request. The returned value is serialized as the
// result payload. Errors and panics become failure results.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Capability pairs an advertisement with the handler that serves it.
type Capability struct {
	Advertisement hsp.CapabilityAdvertisement
	Handler       Handler
}

// Agent is a specialist runtime bound to one bus connector.
type Agent struct {
	conn         *bus.Connector
	advertiseTTL time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	caps    map[string]Capability // keyed by capability id
	order   []string
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewAgent creates a specialist runtime. A zero TTL falls back to
// DefaultAdvertiseTTL.
func NewAgent(conn *bus.Connector, advertiseTTL time.Duration) *Agent {
	if conn == nil {
		panic("runtime.NewAgent: connector must not be nil")
	}
	if advertiseTTL <= 0 {
		advertiseTTL = DefaultAdvertiseTTL
	}
	return &Agent{
		conn:         conn,
		advertiseTTL: advertiseTTL,
		logger:       slog.With("component", "runtime", "agent_id", conn.AgentID()),
		caps:         make(map[string]Capability),
	}
}

// Register adds a capability before Start. The advertisement's agent id is
// filled in from the connector when empty.
func (a *Agent) Register(cap Capability) error {
	ad := cap.Advertisement
	if ad.AgentID == "" {
		ad.AgentID = a.conn.AgentID()
	}
	if ad.Availability == "" {
		ad.Availability = hsp.AvailabilityOnline
	}
	if err := ad.Validate(); err != nil {
		return err
	}
	if cap.Handler == nil {
		return fmt.Errorf("capability %q has no handler", ad.Name)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("cannot register %q after start", ad.Name)
	}
	if _, dup := a.caps[ad.CapabilityID]; dup {
		return fmt.Errorf("capability id %q already registered", ad.CapabilityID)
	}
	cap.Advertisement = ad
	a.caps[ad.CapabilityID] = cap
	a.order = append(a.order, ad.CapabilityID)
	return nil
}

// Start connects the bus, subscribes all task topics plus the direct inbox,
// publishes the initial advertisements, and begins re-advertising at TTL/2.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	if len(a.caps) == 0 {
		a.mu.Unlock()
		return fmt.Errorf("agent has no registered capabilities")
	}
	a.started = true
	a.mu.Unlock()

	if err := a.conn.Connect(ctx); err != nil {
		return err
	}
	if err := a.conn.Subscribe(ctx, a.conn.InboxTopic(), a.onDirect); err != nil {
		return err
	}
	for _, capID := range a.order {
		cap := a.caps[capID]
		if err := a.conn.Subscribe(ctx, hsp.TaskTopic(capID), a.taskHandler(cap)); err != nil {
			return err
		}
	}
	if err := a.advertise(ctx, hsp.AvailabilityOnline); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.cancel = cancel
	a.done = make(chan struct{})
	a.mu.Unlock()
	go a.advertiseLoop(loopCtx)

	a.logger.Info("Specialist started", "capabilities", len(a.order))
	return nil
}

// Stop withdraws the agent's capabilities so the registry evicts promptly,
// then disconnects. Idempotent.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	cancel, done := a.cancel, a.done
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if err := a.advertise(ctx, hsp.AvailabilityOffline); err != nil {
		a.logger.Warn("Failed to publish withdrawal", "error", err)
	}
	a.logger.Info("Specialist stopped")
	return a.conn.Disconnect(ctx)
}

func (a *Agent) advertise(ctx context.Context, availability hsp.Availability) error {
	for _, capID := range a.order {
		ad := a.caps[capID].Advertisement
		ad.Availability = availability
		if err := a.conn.Publish(ctx, hsp.TopicAdvertisements, hsp.TypeCapabilityAdvertisement, hsp.PatternPublish, ad); err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) advertiseLoop(ctx context.Context) {
	defer close(a.done)
	ticker := time.NewTicker(a.advertiseTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.advertise(ctx, hsp.AvailabilityOnline); err != nil {
				a.logger.Warn("Re-advertise failed", "error", err)
			}
		}
	}
}

// taskHandler serves one capability's task topic.
func (a *Agent) taskHandler(cap Capability) bus.Handler {
	capID := cap.Advertisement.CapabilityID
	return func(ctx context.Context, env *hsp.Envelope) {
		if env.MessageType != hsp.TypeTaskRequest {
			a.logger.Warn("Ignoring unexpected message on task topic",
				"capability_id", capID, "message_type", env.MessageType)
			return
		}
		req, err := hsp.DecodePayload[hsp.TaskRequest](env)
		if err != nil {
			a.logger.Warn("Dropping malformed task request", "capability_id", capID, "error", err)
			return
		}
		if err := req.Validate(); err != nil {
			a.logger.Warn("Dropping invalid task request", "capability_id", capID, "error", err)
			return
		}
		if req.CapabilityIDFilter != "" && req.CapabilityIDFilter != capID {
			a.reply(ctx, env, req, failureResult(req, a.conn.AgentID(), &hsp.TaskError{
				Code:    hsp.ErrCodeCapabilityNotFound,
				Message: fmt.Sprintf("capability %q not served here", req.CapabilityIDFilter),
			}))
			return
		}

		started := time.Now()
		out, herr := a.invoke(ctx, cap, req.Parameters)
		if herr != nil {
			a.reply(ctx, env, req, failureResult(req, a.conn.AgentID(), herr))
			return
		}

		payload, err := json.Marshal(out)
		if err != nil {
			a.reply(ctx, env, req, failureResult(req, a.conn.AgentID(), &hsp.TaskError{
				Code:    hsp.ErrCodeExecutionFailure,
				Message: fmt.Sprintf("handler output not serializable: %v", err),
			}))
			return
		}
		a.reply(ctx, env, req, hsp.TaskResult{
			ResultID:    uuid.NewString(),
			RequestID:   req.RequestID,
			AgentID:     a.conn.AgentID(),
			Status:      hsp.TaskStatusSuccess,
			Payload:     payload,
			CompletedAt: time.Now().UTC(),
			Metadata:    &hsp.ExecutionMetadata{DurationMS: time.Since(started).Milliseconds()},
		})
	}
}

// invoke runs the handler, converting panics into classified task errors.
func (a *Agent) invoke(ctx context.Context, cap Capability, params map[string]any) (out any, terr *hsp.TaskError) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Handler panicked",
				"capability_id", cap.Advertisement.CapabilityID, "panic", r)
			out = nil
			terr = &hsp.TaskError{
				Code:    hsp.ErrCodeExecutionFailure,
				Message: fmt.Sprintf("handler panicked: %v", r),
			}
		}
	}()

	result, err := cap.Handler(ctx, params)
	if err != nil {
		code := hsp.CodeOf(err)
		if code == "" {
			code = hsp.ErrCodeExecutionFailure
		}
		return nil, &hsp.TaskError{Code: code, Message: err.Error()}
	}
	return result, nil
}

func (a *Agent) reply(ctx context.Context, env *hsp.Envelope, req *hsp.TaskRequest, result hsp.TaskResult) {
	replyTo := req.CallbackTopic
	if replyTo == "" {
		replyTo = hsp.AgentTopic(req.RequesterID)
	}
	if err := a.conn.Respond(ctx, env, replyTo, hsp.TypeTaskResult, result); err != nil {
		a.logger.Warn("Failed to publish task result",
			"request_id", req.RequestID, "error", err)
	}
}

func failureResult(req *hsp.TaskRequest, agentID string, terr *hsp.TaskError) hsp.TaskResult {
	return hsp.TaskResult{
		ResultID:    uuid.NewString(),
		RequestID:   req.RequestID,
		AgentID:     agentID,
		Status:      hsp.TaskStatusFailure,
		Error:       terr,
		CompletedAt: time.Now().UTC(),
	}
}

// onDirect answers health probes on the agent's inbox.
func (a *Agent) onDirect(ctx context.Context, env *hsp.Envelope) {
	if env.MessageType != hsp.TypePing {
		return
	}
	err := a.conn.Respond(ctx, env, hsp.AgentTopic(env.SenderID), hsp.TypePong, hsp.Pong{
		AgentID: a.conn.AgentID(),
		Healthy: true,
	})
	if err != nil {
		a.logger.Warn("Failed to answer ping", "error", err)
	}
}
