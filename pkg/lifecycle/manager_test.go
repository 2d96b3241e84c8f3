package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemesh/hivemesh/pkg/bus"
	"github.com/hivemesh/hivemesh/pkg/hsp"
	"github.com/hivemesh/hivemesh/pkg/registry"
)

func newTestRegistry() *registry.Registry {
	return registry.New(registry.Config{TTL: time.Minute}, nil, nil)
}

func onlineAd(agentID, name string) hsp.CapabilityAdvertisement {
	return hsp.CapabilityAdvertisement{
		CapabilityID: "cap-" + name,
		AgentID:      agentID,
		Name:         name,
		Version:      "1.0",
		Availability: hsp.AvailabilityOnline,
	}
}

func TestEnsureRunningPrefersRemote(t *testing.T) {
	reg := newTestRegistry()
	require.NoError(t, reg.Ingest(onlineAd("did:hsp:remote", "translate"), "did:hsp:remote"))

	m := NewManager(Config{}, reg, nil, []LaunchRecipe{{
		CapabilityName: "translate",
		AgentID:        "did:hsp:local",
		Command:        "/bin/false",
	}})

	agentID, err := m.EnsureRunning(context.Background(), "translate")
	require.NoError(t, err)
	assert.Equal(t, "did:hsp:remote", agentID)
	assert.Empty(t, m.Processes(), "a remotely reachable capability needs no spawn")
}

func TestEnsureRunningUnknownCapability(t *testing.T) {
	m := NewManager(Config{}, newTestRegistry(), nil, nil)

	_, err := m.EnsureRunning(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.True(t, hsp.IsCode(err, hsp.ErrCodeCapabilityNotFound))
}

func TestEnsureRunningSpawnsAndWaitsForAdvertisement(t *testing.T) {
	reg := newTestRegistry()
	m := NewManager(Config{SpawnTimeout: 5 * time.Second}, reg, nil, []LaunchRecipe{{
		CapabilityName: "arithmetic",
		AgentID:        "did:hsp:calc",
		Command:        "sleep",
		Args:           []string{"30"},
	}})
	t.Cleanup(m.ShutdownAll)

	// Simulate the spawned specialist advertising shortly after launch.
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = reg.Ingest(onlineAd("did:hsp:calc", "arithmetic"), "did:hsp:calc")
	}()

	agentID, err := m.EnsureRunning(context.Background(), "arithmetic")
	require.NoError(t, err)
	assert.Equal(t, "did:hsp:calc", agentID)

	procs := m.Processes()
	require.Len(t, procs, 1)
	assert.Equal(t, StateReady, procs[0].State)
	assert.NotZero(t, procs[0].PID)
}

func TestEnsureRunningSpawnTimeout(t *testing.T) {
	m := NewManager(Config{SpawnTimeout: 150 * time.Millisecond}, newTestRegistry(), nil, []LaunchRecipe{{
		CapabilityName: "arithmetic",
		AgentID:        "did:hsp:calc",
		Command:        "sleep",
		Args:           []string{"30"},
	}})

	_, err := m.EnsureRunning(context.Background(), "arithmetic")
	require.Error(t, err)
	assert.True(t, hsp.IsCode(err, hsp.ErrCodeSpawnFailure))
}

func TestEnsureRunningProcessExitsEarly(t *testing.T) {
	m := NewManager(Config{SpawnTimeout: 5 * time.Second}, newTestRegistry(), nil, []LaunchRecipe{{
		CapabilityName: "arithmetic",
		AgentID:        "did:hsp:calc",
		Command:        "true",
	}})

	_, err := m.EnsureRunning(context.Background(), "arithmetic")
	require.Error(t, err)
	assert.True(t, hsp.IsCode(err, hsp.ErrCodeSpawnFailure))
}

func TestEnsureRunningCancellation(t *testing.T) {
	m := NewManager(Config{SpawnTimeout: 10 * time.Second}, newTestRegistry(), nil, []LaunchRecipe{{
		CapabilityName: "arithmetic",
		AgentID:        "did:hsp:calc",
		Command:        "sleep",
		Args:           []string{"30"},
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := m.EnsureRunning(ctx, "arithmetic")
	require.Error(t, err)
	assert.True(t, hsp.IsCode(err, hsp.ErrCodeCancelled))
}

func TestEnsureRunningSingleFlight(t *testing.T) {
	reg := newTestRegistry()
	m := NewManager(Config{SpawnTimeout: 5 * time.Second}, reg, nil, []LaunchRecipe{{
		CapabilityName: "arithmetic",
		AgentID:        "did:hsp:calc",
		Command:        "sleep",
		Args:           []string{"30"},
	}})
	t.Cleanup(m.ShutdownAll)

	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = reg.Ingest(onlineAd("did:hsp:calc", "arithmetic"), "did:hsp:calc")
	}()

	type outcome struct {
		agentID string
		err     error
	}
	results := make(chan outcome, 3)
	for i := 0; i < 3; i++ {
		go func() {
			id, err := m.EnsureRunning(context.Background(), "arithmetic")
			results <- outcome{id, err}
		}()
	}

	for i := 0; i < 3; i++ {
		got := <-results
		require.NoError(t, got.err)
		assert.Equal(t, "did:hsp:calc", got.agentID)
	}
	assert.Len(t, m.Processes(), 1, "concurrent callers share one process")
}

func TestShutdownIdempotent(t *testing.T) {
	reg := newTestRegistry()
	m := NewManager(Config{SpawnTimeout: 5 * time.Second, KillGrace: time.Second}, reg, nil, []LaunchRecipe{{
		CapabilityName: "arithmetic",
		AgentID:        "did:hsp:calc",
		Command:        "sleep",
		Args:           []string{"30"},
	}})

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = reg.Ingest(onlineAd("did:hsp:calc", "arithmetic"), "did:hsp:calc")
	}()
	_, err := m.EnsureRunning(context.Background(), "arithmetic")
	require.NoError(t, err)

	m.Shutdown("did:hsp:calc")
	assert.Empty(t, m.Processes())

	// Unknown and repeated shutdowns are no-ops.
	m.Shutdown("did:hsp:calc")
	m.Shutdown("did:hsp:never-existed")
}

// failingPinger always reports probe failure.
type failingPinger struct{}

func (failingPinger) Request(context.Context, string, string, any, time.Duration, *bus.RequestOptions) (*hsp.Envelope, error) {
	return nil, hsp.NewError(hsp.ErrCodeCorrelationTimeout, "no pong")
}

func TestHealthFailuresReapProcess(t *testing.T) {
	reg := newTestRegistry()
	m := NewManager(Config{
		SpawnTimeout:       5 * time.Second,
		KillGrace:          time.Second,
		UnhealthyThreshold: 3,
	}, reg, failingPinger{}, []LaunchRecipe{{
		CapabilityName: "arithmetic",
		AgentID:        "did:hsp:calc",
		Command:        "sleep",
		Args:           []string{"30"},
	}})
	t.Cleanup(m.ShutdownAll)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = reg.Ingest(onlineAd("did:hsp:calc", "arithmetic"), "did:hsp:calc")
	}()
	_, err := m.EnsureRunning(context.Background(), "arithmetic")
	require.NoError(t, err)

	ctx := context.Background()
	m.pollHealth(ctx)
	m.pollHealth(ctx)
	require.Len(t, m.Processes(), 1, "below threshold the process survives")

	m.pollHealth(ctx)
	assert.Empty(t, m.Processes(), "third consecutive failure reaps the process")
}
