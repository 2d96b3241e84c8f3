// Hivemesh orchestrator server — connects to the agent bus, maintains the
// capability registry, manages specialist processes, and exposes the project
// API over HTTP.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"

	"github.com/hivemesh/hivemesh/pkg/api"
	"github.com/hivemesh/hivemesh/pkg/bus"
	"github.com/hivemesh/hivemesh/pkg/cleanup"
	"github.com/hivemesh/hivemesh/pkg/config"
	"github.com/hivemesh/hivemesh/pkg/coordinator"
	"github.com/hivemesh/hivemesh/pkg/database"
	"github.com/hivemesh/hivemesh/pkg/knowledge"
	"github.com/hivemesh/hivemesh/pkg/lifecycle"
	"github.com/hivemesh/hivemesh/pkg/llm"
	"github.com/hivemesh/hivemesh/pkg/registry"
	"github.com/hivemesh/hivemesh/pkg/services"
	"github.com/hivemesh/hivemesh/pkg/version"
)

const (
	exitConfigError    = 1
	exitTransportError = 2
)

// coordinatorAgentID identifies the orchestrator on the bus.
const coordinatorAgentID = "did:hsp:coordinator"

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config", getEnv("HIVEMESH_CONFIG", ""), "Path to hivemesh.yaml")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(exitConfigError)
	}

	slog.Info("Starting hivemesh",
		"version", version.Full(),
		"bus_mode", cfg.Bus.Mode,
		"http_port", cfg.HTTP.Port,
		"recipes", len(cfg.Lifecycle.Recipes))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database (optional).
	var (
		dbClient     *database.Client
		projectStore *services.ProjectStore
		factStore    knowledge.Store
		factPurger   cleanup.FactPurger
		coordStore   coordinator.Store = coordinator.NopStore{}
	)
	if cfg.Database.Enabled {
		dbClient, err = database.NewClient(ctx, cfg.Database)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(exitConfigError)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}()

		projectStore = services.NewProjectStore(dbClient.DB())
		fs := services.NewFactStore(dbClient.DB())
		factStore = fs
		factPurger = fs
		coordStore = projectStore

		// Projects left running by a previous instance are not resumed.
		if n, err := projectStore.MarkInterrupted(ctx); err != nil {
			slog.Error("Failed to mark interrupted projects", "error", err)
		} else if n > 0 {
			slog.Warn("Marked stale projects as interrupted", "count", n)
		}
		slog.Info("Connected to PostgreSQL database")
	} else {
		factStore = knowledge.NewMemoryStore()
		slog.Info("Running without persistence")
	}

	// Bus transport and connector.
	var transport bus.Transport
	switch cfg.Bus.Mode {
	case "postgres":
		pg := bus.NewPostgresTransport(cfg.Bus.DSN)
		pg.SetReconnectBackoff(cfg.Bus.ReconnectMin.Std(), cfg.Bus.ReconnectMax.Std())
		transport = pg
	default:
		transport = bus.NewMemoryBroker().Transport()
	}

	conn := bus.NewConnector(coordinatorAgentID, transport)
	if err := conn.Connect(ctx); err != nil {
		slog.Error("Failed to connect to message bus", "error", err)
		os.Exit(exitTransportError)
	}
	defer func() {
		disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer disconnectCancel()
		if err := conn.Disconnect(disconnectCtx); err != nil {
			slog.Error("Error disconnecting from bus", "error", err)
		}
	}()
	slog.Info("Connected to message bus", "agent_id", coordinatorAgentID)

	// Trust policy and capability registry.
	trust := registry.NewStaticTrustPolicy(cfg.Registry.TrustScores, cfg.Registry.DefaultTrust)
	reg := registry.New(registry.Config{
		TTL:        cfg.Registry.TTL.Std(),
		TrustFloor: cfg.Registry.TrustFloor,
	}, trust, nil)
	if err := reg.Bind(ctx, conn); err != nil {
		slog.Error("Failed to subscribe registry to advertisements", "error", err)
		os.Exit(exitTransportError)
	}
	reg.Start(ctx)
	defer reg.Stop()

	// Specialist process lifecycle.
	var manager *lifecycle.Manager
	if len(cfg.Lifecycle.Recipes) > 0 {
		recipes := make([]lifecycle.LaunchRecipe, 0, len(cfg.Lifecycle.Recipes))
		for _, r := range cfg.Lifecycle.Recipes {
			recipes = append(recipes, lifecycle.LaunchRecipe{
				CapabilityName: r.Capability,
				AgentID:        r.AgentID,
				Command:        r.Command,
				Args:           r.Args,
				Env:            r.Env,
			})
		}
		manager = lifecycle.NewManager(lifecycle.Config{
			SpawnTimeout:       cfg.Lifecycle.SpawnTimeout.Std(),
			KillGrace:          cfg.Lifecycle.KillGrace.Std(),
			HealthInterval:     cfg.Lifecycle.HealthInterval.Std(),
			UnhealthyThreshold: cfg.Lifecycle.UnhealthyThreshold,
		}, reg, conn, recipes)
		manager.Start(ctx)
		defer manager.Stop()
		slog.Info("Lifecycle manager started", "recipes", len(recipes))
	}

	// Knowledge ingestion.
	ingestor := knowledge.New(knowledge.Config{
		TrustFloor:   cfg.Knowledge.TrustFloor,
		NoveltyBonus: cfg.Knowledge.NoveltyBonus,
		Epsilon:      cfg.Knowledge.Epsilon,
	}, nil, trust, factStore)
	for _, topic := range cfg.Knowledge.Topics {
		if err := ingestor.Bind(ctx, conn, topic); err != nil {
			slog.Error("Failed to subscribe fact ingestor", "topic", topic, "error", err)
			os.Exit(exitTransportError)
		}
	}
	slog.Info("Knowledge ingestor bound", "topics", cfg.Knowledge.Topics)

	// Data retention (requires persistence).
	if cfg.Database.Enabled {
		retention := cleanup.NewService(cleanup.Config{
			ProjectRetention:   cfg.Retention.ProjectRetention.Std(),
			FactAuditRetention: cfg.Retention.FactAuditRetention.Std(),
			Interval:           cfg.Retention.Interval.Std(),
		}, projectStore, factPurger)
		retention.Start(ctx)
		defer retention.Stop()
	}

	// Planning gateway and coordinator.
	gateway := llm.NewHTTPGateway(llm.Config{
		BaseURL:     cfg.LLM.URL,
		APIKey:      os.Getenv(cfg.LLM.APIKeyEnv),
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout.Std(),
	})

	var launcher coordinator.Launcher
	if manager != nil {
		launcher = manager
	}
	coord := coordinator.New(coordinator.Config{
		MaxInFlight:     cfg.Coordinator.MaxInFlight,
		SubtaskDeadline: cfg.Coordinator.SubtaskDeadline.Std(),
		ProjectDeadline: cfg.Coordinator.ProjectDeadline.Std(),
		FailurePolicy:   coordinator.Policy(cfg.Coordinator.FailurePolicy),
	}, conn, reg, launcher, gateway, coordStore)

	// HTTP API.
	var (
		reader api.ProjectReader
		db     *sqlx.DB
	)
	if projectStore != nil {
		reader = projectStore
	}
	if dbClient != nil {
		db = dbClient.DB()
	}
	httpServer := api.NewServer(coord, reader, reg, manager, conn, db)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + strconv.Itoa(cfg.HTTP.Port)
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("Hivemesh started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server error triggered shutdown", "error", err)
	}

	// Graceful shutdown: drain HTTP, then stop specialists, then leave the bus
	// via the deferred disconnect.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if manager != nil {
		manager.ShutdownAll()
		slog.Info("Specialist processes stopped")
	}

	cancel()
	slog.Info("Shutdown complete")
}
