// Package lifecycle starts, monitors, and stops specialist agent processes
// on behalf of the coordinator. Readiness is not a fixed sleep: a spawned
// process counts as running only once its first capability advertisement is
// observed at the registry, bounded by a spawn timeout.
package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/hivemesh/hivemesh/pkg/bus"
	"github.com/hivemesh/hivemesh/pkg/hsp"
	"github.com/hivemesh/hivemesh/pkg/registry"
)

// Built-in defaults, overridable via Config.
const (
	DefaultSpawnTimeout       = 15 * time.Second
	DefaultKillGrace          = 5 * time.Second
	DefaultHealthInterval     = 30 * time.Second
	DefaultUnhealthyThreshold = 3

	healthProbeTimeout = 5 * time.Second
)

// LaunchRecipe describes how to start the specialist that provides a
// capability.
type LaunchRecipe struct {
	CapabilityName string
	AgentID        string
	Command        string
	Args           []string
	Env            map[string]string
}

// Config holds lifecycle manager tuning.
type Config struct {
	SpawnTimeout       time.Duration
	KillGrace          time.Duration
	HealthInterval     time.Duration
	UnhealthyThreshold int
}

func (c Config) withDefaults() Config {
	if c.SpawnTimeout <= 0 {
		c.SpawnTimeout = DefaultSpawnTimeout
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = DefaultUnhealthyThreshold
	}
	return c
}

// ProcessState is the observed state of a managed process.
type ProcessState string

// Process states.
const (
	StateStarting ProcessState = "starting"
	StateReady    ProcessState = "ready"
	StateExited   ProcessState = "exited"
)

// ProcessInfo is a snapshot of one managed process, for diagnostics.
type ProcessInfo struct {
	AgentID        string       `json:"agent_id"`
	CapabilityName string       `json:"capability_name"`
	PID            int          `json:"pid"`
	State          ProcessState `json:"state"`
	StartedAt      time.Time    `json:"started_at"`
	HealthFailures int          `json:"health_failures"`
	LastSeen       time.Time    `json:"last_seen,omitempty"`
}

type processRecord struct {
	agentID        string
	capabilityName string
	cmd            *exec.Cmd
	startedAt      time.Time
	state          ProcessState
	healthFailures int
	lastSeen       time.Time

	// readyCh is closed when the spawn resolves; readyErr holds the outcome.
	readyCh  chan struct{}
	readyErr error
	// exited is closed by the reaper goroutine once the process is gone.
	exited chan struct{}
}

// Pinger sends health probes to an agent. Satisfied by *bus.Connector.
type Pinger interface {
	Request(ctx context.Context, topic, messageType string, payload any, timeout time.Duration, opts *bus.RequestOptions) (*hsp.Envelope, error)
}

// Manager owns the table of specialist processes. At most one live process
// exists per agent id.
type Manager struct {
	cfg      Config
	registry *registry.Registry
	pinger   Pinger
	logger   *slog.Logger

	mu        sync.Mutex
	recipes   map[string]LaunchRecipe // keyed by capability name
	processes map[string]*processRecord

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a lifecycle manager. The pinger may be nil, which
// disables health probing.
func NewManager(cfg Config, reg *registry.Registry, pinger Pinger, recipes []LaunchRecipe) *Manager {
	if reg == nil {
		panic("lifecycle.NewManager: registry must not be nil")
	}
	table := make(map[string]LaunchRecipe, len(recipes))
	for _, r := range recipes {
		table[r.CapabilityName] = r
	}
	return &Manager{
		cfg:       cfg.withDefaults(),
		registry:  reg,
		pinger:    pinger,
		logger:    slog.With("component", "lifecycle"),
		recipes:   table,
		processes: make(map[string]*processRecord),
	}
}

// Start launches the background health poll loop.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil || m.pinger == nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.healthLoop(ctx)
}

// Stop halts the health loop. It does not terminate managed processes; use
// ShutdownAll for that.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// EnsureRunning returns the id of an agent providing the capability,
// spawning its specialist process if no advertisement is live. A capability
// already reachable through a remote agent needs no spawn. Cancelling ctx
// before readiness terminates the spawned process.
func (m *Manager) EnsureRunning(ctx context.Context, capabilityName string) (string, error) {
	// Remote-reachable counts as running.
	if ads := m.registry.FindByName(capabilityName); len(ads) > 0 {
		return ads[0].AgentID, nil
	}

	m.mu.Lock()
	recipe, ok := m.recipes[capabilityName]
	if !ok {
		m.mu.Unlock()
		return "", hsp.NewError(hsp.ErrCodeCapabilityNotFound, "no advertisement and no launch recipe for %q", capabilityName)
	}

	if proc, exists := m.processes[recipe.AgentID]; exists && proc.state != StateExited {
		// A spawn for this agent is live or in flight; join its outcome.
		m.mu.Unlock()
		select {
		case <-proc.readyCh:
			if proc.readyErr != nil {
				return "", proc.readyErr
			}
			return proc.agentID, nil
		case <-ctx.Done():
			return "", hsp.WrapError(hsp.ErrCodeCancelled, ctx.Err(), "ensure_running(%s) cancelled", capabilityName)
		}
	}

	proc := &processRecord{
		agentID:        recipe.AgentID,
		capabilityName: capabilityName,
		state:          StateStarting,
		readyCh:        make(chan struct{}),
		exited:         make(chan struct{}),
	}
	m.processes[recipe.AgentID] = proc
	m.mu.Unlock()

	err := m.spawn(ctx, recipe, proc)
	m.mu.Lock()
	proc.readyErr = err
	if err != nil {
		proc.state = StateExited
	} else {
		proc.state = StateReady
	}
	close(proc.readyCh)
	m.mu.Unlock()

	if err != nil {
		return "", err
	}
	return recipe.AgentID, nil
}

// spawn starts the process and blocks until its first advertisement reaches
// the registry, the spawn timeout elapses, or ctx is cancelled.
func (m *Manager) spawn(ctx context.Context, recipe LaunchRecipe, proc *processRecord) error {
	// Install the watch before starting the process so a fast advertise
	// cannot slip through unobserved.
	ready := m.registry.Watch(recipe.AgentID)

	cmd := exec.Command(recipe.Command, recipe.Args...)
	env := os.Environ()
	for k, v := range recipe.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	if err := cmd.Start(); err != nil {
		return hsp.WrapError(hsp.ErrCodeSpawnFailure, err, "failed to launch %s for %q", recipe.Command, recipe.CapabilityName)
	}
	proc.cmd = cmd
	proc.startedAt = time.Now().UTC()
	m.logger.Info("Spawned specialist",
		"agent_id", recipe.AgentID, "capability", recipe.CapabilityName, "pid", cmd.Process.Pid)

	go func() {
		_ = cmd.Wait()
		close(proc.exited)
	}()

	timer := time.NewTimer(m.cfg.SpawnTimeout)
	defer timer.Stop()
	select {
	case <-ready:
		return nil
	case <-proc.exited:
		return hsp.NewError(hsp.ErrCodeSpawnFailure, "specialist %s exited before advertising %q", recipe.AgentID, recipe.CapabilityName)
	case <-timer.C:
		m.terminate(proc)
		return hsp.NewError(hsp.ErrCodeSpawnFailure, "specialist %s did not advertise %q within %s", recipe.AgentID, recipe.CapabilityName, m.cfg.SpawnTimeout)
	case <-ctx.Done():
		m.terminate(proc)
		return hsp.WrapError(hsp.ErrCodeCancelled, ctx.Err(), "spawn of %s cancelled", recipe.AgentID)
	}
}

// Shutdown terminates an agent's process: SIGTERM, then SIGKILL after the
// grace window. Calling it for an unknown or already-stopped agent is a
// no-op.
func (m *Manager) Shutdown(agentID string) {
	m.mu.Lock()
	proc := m.processes[agentID]
	delete(m.processes, agentID)
	m.mu.Unlock()

	if proc == nil || proc.cmd == nil || proc.state == StateExited {
		return
	}
	m.terminate(proc)
	m.logger.Info("Specialist shut down", "agent_id", agentID)
}

// ShutdownAll terminates every managed process; used on orderly service
// shutdown.
func (m *Manager) ShutdownAll() {
	m.mu.Lock()
	procs := make([]*processRecord, 0, len(m.processes))
	for _, p := range m.processes {
		procs = append(procs, p)
	}
	m.processes = make(map[string]*processRecord)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		if p.cmd == nil || p.state == StateExited {
			continue
		}
		wg.Add(1)
		go func(p *processRecord) {
			defer wg.Done()
			m.terminate(p)
		}(p)
	}
	wg.Wait()
}

// Processes returns a snapshot of the process table.
func (m *Manager) Processes() []ProcessInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ProcessInfo, 0, len(m.processes))
	for _, p := range m.processes {
		info := ProcessInfo{
			AgentID:        p.agentID,
			CapabilityName: p.capabilityName,
			State:          p.state,
			StartedAt:      p.startedAt,
			HealthFailures: p.healthFailures,
			LastSeen:       p.lastSeen,
		}
		if p.cmd != nil && p.cmd.Process != nil {
			info.PID = p.cmd.Process.Pid
		}
		out = append(out, info)
	}
	return out
}

// terminate delivers SIGTERM and escalates to SIGKILL after the grace
// window.
func (m *Manager) terminate(proc *processRecord) {
	if proc.cmd == nil || proc.cmd.Process == nil {
		return
	}
	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone.
		return
	}
	select {
	case <-proc.exited:
		return
	case <-time.After(m.cfg.KillGrace):
	}
	_ = proc.cmd.Process.Kill()
	select {
	case <-proc.exited:
	case <-time.After(time.Second):
	}
}

func (m *Manager) healthLoop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollHealth(ctx)
		}
	}
}

func (m *Manager) pollHealth(ctx context.Context) {
	m.mu.Lock()
	ready := make([]*processRecord, 0, len(m.processes))
	for _, p := range m.processes {
		if p.state == StateReady {
			ready = append(ready, p)
		}
	}
	m.mu.Unlock()

	for _, proc := range ready {
		_, err := m.pinger.Request(ctx, hsp.AgentTopic(proc.agentID), hsp.TypePing, hsp.Ping{}, healthProbeTimeout, nil)

		m.mu.Lock()
		if err != nil {
			proc.healthFailures++
			failures := proc.healthFailures
			m.mu.Unlock()
			m.logger.Warn("Health probe failed",
				"agent_id", proc.agentID, "failures", failures, "error", err)
			if failures >= m.cfg.UnhealthyThreshold {
				m.logger.Error("Specialist unhealthy, reaping",
					"agent_id", proc.agentID, "failures", failures)
				m.Shutdown(proc.agentID)
			}
			continue
		}
		proc.healthFailures = 0
		proc.lastSeen = time.Now().UTC()
		m.mu.Unlock()
	}
}
