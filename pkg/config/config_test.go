package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hivemesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	origWD, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(origWD) })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Bus.Mode)
	assert.Equal(t, 8, cfg.Coordinator.MaxInFlight)
	assert.Equal(t, 30*time.Second, cfg.Coordinator.SubtaskDeadline.Std())
	assert.Equal(t, 300*time.Second, cfg.Coordinator.ProjectDeadline.Std())
	assert.Equal(t, "best_effort", cfg.Coordinator.FailurePolicy)
	assert.Equal(t, 0.2, cfg.Knowledge.TrustFloor)
	assert.Equal(t, 0.5, cfg.Registry.DefaultTrust)
	assert.Equal(t, 8080, cfg.HTTP.Port)
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadMergesUserOverDefaults(t *testing.T) {
	path := writeConfig(t, `
coordinator:
  max_in_flight: 2
  failure_policy: strict
lifecycle:
  spawn_timeout: 3s
  recipes:
    - capability: arithmetic/1.0
      agent_id: did:hsp:calc
      command: /usr/local/bin/specialist
      args: ["--caps", "arithmetic"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Coordinator.MaxInFlight)
	assert.Equal(t, "strict", cfg.Coordinator.FailurePolicy)
	assert.Equal(t, 3*time.Second, cfg.Lifecycle.SpawnTimeout.Std())
	// Untouched settings keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Coordinator.SubtaskDeadline.Std())
	assert.Equal(t, 5*time.Second, cfg.Lifecycle.KillGrace.Std())

	require.Len(t, cfg.Lifecycle.Recipes, 1)
	assert.Equal(t, "arithmetic/1.0", cfg.Lifecycle.Recipes[0].Capability)
	assert.Equal(t, []string{"--caps", "arithmetic"}, cfg.Lifecycle.Recipes[0].Args)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("HIVEMESH_TEST_DSN", "postgres://app:secret@db:5432/mesh")
	path := writeConfig(t, `
bus:
  mode: postgres
  dsn: "{{.HIVEMESH_TEST_DSN}}"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Bus.Mode)
	assert.Equal(t, "postgres://app:secret@db:5432/mesh", cfg.Bus.DSN)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad bus mode", "bus:\n  mode: carrier_pigeon\n"},
		{"postgres without dsn", "bus:\n  mode: postgres\n"},
		{"bad policy", "coordinator:\n  failure_policy: yolo\n"},
		{"trust floor out of range", "knowledge:\n  trust_floor: 1.5\n"},
		{"recipe missing command", "lifecycle:\n  recipes:\n    - capability: x/1.0\n      agent_id: did:hsp:x\n"},
		{"bad port", "http:\n  port: 123456\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestDurationUnmarshal(t *testing.T) {
	path := writeConfig(t, "llm:\n  timeout: 90s\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.LLM.Timeout.Std())

	_, err = Load(writeConfig(t, "llm:\n  timeout: soon\n"))
	require.Error(t, err)
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{
		Host: "db.internal", Port: 5433, User: "mesh", Password: "pw",
		DBName: "hivemesh", SSLMode: "require",
	}
	assert.Equal(t, "postgres://mesh:pw@db.internal:5433/hivemesh?sslmode=require", d.DSN())
}
