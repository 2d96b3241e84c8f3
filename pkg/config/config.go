// Package config loads and validates the hivemesh.yaml service
// configuration: user values merged over built-in defaults, with environment
// variables expanded before parsing.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML parses either a duration string or a bare integer of
// nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	case int:
		*d = Duration(time.Duration(v))
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full service configuration.
type Config struct {
	Bus         BusConfig         `yaml:"bus"`
	Registry    RegistryConfig    `yaml:"registry"`
	Lifecycle   LifecycleConfig   `yaml:"lifecycle"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Knowledge   KnowledgeConfig   `yaml:"knowledge"`
	LLM         LLMConfig         `yaml:"llm"`
	HTTP        HTTPConfig        `yaml:"http"`
	Database    DatabaseConfig    `yaml:"database"`
	Retention   RetentionConfig   `yaml:"retention"`
}

// BusConfig selects and tunes the message transport.
type BusConfig struct {
	// Mode is "memory" (in-process, single node) or "postgres"
	// (NOTIFY/LISTEN across nodes).
	Mode         string   `yaml:"mode"`
	DSN          string   `yaml:"dsn"`
	ReconnectMin Duration `yaml:"reconnect_min"`
	ReconnectMax Duration `yaml:"reconnect_max"`
}

// RegistryConfig tunes the capability registry.
type RegistryConfig struct {
	TTL          Duration           `yaml:"ttl"`
	TrustFloor   float64            `yaml:"trust_floor"`
	DefaultTrust float64            `yaml:"default_trust"`
	TrustScores  map[string]float64 `yaml:"trust_scores"`
}

// RecipeConfig tells the lifecycle manager how to launch the specialist
// providing a capability.
type RecipeConfig struct {
	Capability string            `yaml:"capability"`
	AgentID    string            `yaml:"agent_id"`
	Command    string            `yaml:"command"`
	Args       []string          `yaml:"args"`
	Env        map[string]string `yaml:"env"`
}

// LifecycleConfig tunes process management.
type LifecycleConfig struct {
	SpawnTimeout       Duration       `yaml:"spawn_timeout"`
	KillGrace          Duration       `yaml:"kill_grace"`
	HealthInterval     Duration       `yaml:"health_interval"`
	UnhealthyThreshold int            `yaml:"unhealthy_threshold"`
	Recipes            []RecipeConfig `yaml:"recipes"`
}

// CoordinatorConfig tunes project execution.
type CoordinatorConfig struct {
	MaxInFlight     int      `yaml:"max_in_flight"`
	SubtaskDeadline Duration `yaml:"subtask_deadline"`
	ProjectDeadline Duration `yaml:"project_deadline"`
	FailurePolicy   string   `yaml:"failure_policy"`
}

// KnowledgeConfig tunes fact ingestion.
type KnowledgeConfig struct {
	TrustFloor   float64  `yaml:"trust_floor"`
	NoveltyBonus float64  `yaml:"novelty_bonus"`
	Epsilon      float64  `yaml:"epsilon"`
	Topics       []string `yaml:"topics"`
}

// LLMConfig points at the planning model endpoint.
type LLMConfig struct {
	URL         string   `yaml:"url"`
	APIKeyEnv   string   `yaml:"api_key_env"`
	Model       string   `yaml:"model"`
	Temperature float64  `yaml:"temperature"`
	Timeout     Duration `yaml:"timeout"`
}

// RetentionConfig tunes data cleanup. A zero window disables that concern.
type RetentionConfig struct {
	ProjectRetention   Duration `yaml:"project_retention"`
	FactAuditRetention Duration `yaml:"fact_audit_retention"`
	Interval           Duration `yaml:"interval"`
}

// HTTPConfig tunes the API server.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	User            string   `yaml:"user"`
	Password        string   `yaml:"password"`
	DBName          string   `yaml:"dbname"`
	SSLMode         string   `yaml:"sslmode"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// DSN renders the connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

// defaultConfig returns the built-in defaults every load starts from.
func defaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			Mode:         "memory",
			ReconnectMin: Duration(500 * time.Millisecond),
			ReconnectMax: Duration(30 * time.Second),
		},
		Registry: RegistryConfig{
			TTL:          Duration(60 * time.Second),
			DefaultTrust: 0.5,
		},
		Lifecycle: LifecycleConfig{
			SpawnTimeout:       Duration(15 * time.Second),
			KillGrace:          Duration(5 * time.Second),
			HealthInterval:     Duration(30 * time.Second),
			UnhealthyThreshold: 3,
		},
		Coordinator: CoordinatorConfig{
			MaxInFlight:     8,
			SubtaskDeadline: Duration(30 * time.Second),
			ProjectDeadline: Duration(300 * time.Second),
			FailurePolicy:   "best_effort",
		},
		Knowledge: KnowledgeConfig{
			TrustFloor:   0.2,
			NoveltyBonus: 0.05,
			Epsilon:      0.01,
			Topics:       []string{"general"},
		},
		LLM: LLMConfig{
			APIKeyEnv: "HIVEMESH_LLM_API_KEY",
			Timeout:   Duration(60 * time.Second),
		},
		HTTP: HTTPConfig{Port: 8080},
		Retention: RetentionConfig{
			ProjectRetention:   Duration(30 * 24 * time.Hour),
			FactAuditRetention: Duration(7 * 24 * time.Hour),
			Interval:           Duration(time.Hour),
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "hivemesh",
			DBName:          "hivemesh",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: Duration(5 * time.Minute),
		},
	}
}

// validate rejects configurations the service cannot run with.
func validate(cfg *Config) error {
	switch cfg.Bus.Mode {
	case "memory", "postgres":
	default:
		return fmt.Errorf("bus.mode must be \"memory\" or \"postgres\", got %q", cfg.Bus.Mode)
	}
	if cfg.Bus.Mode == "postgres" && cfg.Bus.DSN == "" {
		return fmt.Errorf("bus.dsn is required when bus.mode is \"postgres\"")
	}
	if cfg.Bus.ReconnectMin <= 0 || cfg.Bus.ReconnectMax < cfg.Bus.ReconnectMin {
		return fmt.Errorf("bus reconnect backoff window is invalid: min=%s max=%s",
			cfg.Bus.ReconnectMin.Std(), cfg.Bus.ReconnectMax.Std())
	}

	if cfg.Registry.TTL <= 0 {
		return fmt.Errorf("registry.ttl must be positive")
	}
	if cfg.Registry.TrustFloor < 0 || cfg.Registry.TrustFloor > 1 {
		return fmt.Errorf("registry.trust_floor must be within [0,1]")
	}

	for _, d := range []struct {
		name  string
		value Duration
	}{
		{"lifecycle.spawn_timeout", cfg.Lifecycle.SpawnTimeout},
		{"lifecycle.kill_grace", cfg.Lifecycle.KillGrace},
		{"lifecycle.health_interval", cfg.Lifecycle.HealthInterval},
		{"coordinator.subtask_deadline", cfg.Coordinator.SubtaskDeadline},
		{"coordinator.project_deadline", cfg.Coordinator.ProjectDeadline},
		{"llm.timeout", cfg.LLM.Timeout},
	} {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}
	if cfg.Lifecycle.UnhealthyThreshold <= 0 {
		return fmt.Errorf("lifecycle.unhealthy_threshold must be positive")
	}
	for i, r := range cfg.Lifecycle.Recipes {
		if r.Capability == "" || r.AgentID == "" || r.Command == "" {
			return fmt.Errorf("lifecycle.recipes[%d] needs capability, agent_id, and command", i)
		}
	}

	switch cfg.Coordinator.FailurePolicy {
	case "strict", "best_effort":
	default:
		return fmt.Errorf("coordinator.failure_policy must be \"strict\" or \"best_effort\", got %q",
			cfg.Coordinator.FailurePolicy)
	}
	if cfg.Coordinator.MaxInFlight <= 0 {
		return fmt.Errorf("coordinator.max_in_flight must be positive")
	}

	for _, f := range []struct {
		name  string
		value float64
	}{
		{"knowledge.trust_floor", cfg.Knowledge.TrustFloor},
		{"knowledge.novelty_bonus", cfg.Knowledge.NoveltyBonus},
		{"knowledge.epsilon", cfg.Knowledge.Epsilon},
	} {
		if f.value < 0 || f.value > 1 {
			return fmt.Errorf("%s must be within [0,1]", f.name)
		}
	}

	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be within 1..65535")
	}
	if cfg.Retention.Interval <= 0 {
		return fmt.Errorf("retention.interval must be positive")
	}
	return nil
}
