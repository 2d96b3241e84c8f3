// Specialist agent runner — connects to the bus, advertises the selected
// built-in capabilities, and serves task requests until terminated.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hivemesh/hivemesh/pkg/bus"
	"github.com/hivemesh/hivemesh/pkg/runtime"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	agentID := flag.String("agent-id",
		getEnv("HIVEMESH_AGENT_ID", "did:hsp:specialist"),
		"Agent identifier on the bus")
	capList := flag.String("caps",
		getEnv("HIVEMESH_CAPS", "arithmetic,echo,summarize"),
		"Comma-separated capabilities to serve (arithmetic, echo, summarize)")
	busDSN := flag.String("bus-dsn",
		getEnv("HIVEMESH_BUS_DSN", ""),
		"PostgreSQL DSN for the bus; empty runs an in-process bus (single node, testing only)")
	advertiseTTL := flag.Duration("advertise-ttl", 60*time.Second,
		"Advertisement TTL; re-advertises at half this interval")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	var transport bus.Transport
	if *busDSN != "" {
		transport = bus.NewPostgresTransport(*busDSN)
	} else {
		slog.Warn("No bus DSN configured, using an isolated in-process bus")
		transport = bus.NewMemoryBroker().Transport()
	}

	conn := bus.NewConnector(*agentID, transport)
	agent := runtime.NewAgent(conn, *advertiseTTL)

	for _, name := range strings.Split(*capList, ",") {
		var (
			cap runtime.Capability
			err error
		)
		switch strings.TrimSpace(name) {
		case "arithmetic":
			cap = runtime.Arithmetic()
		case "echo":
			cap = runtime.Echo()
		case "summarize":
			cap = runtime.Summarize()
		case "":
			continue
		default:
			slog.Error("Unknown capability", "name", name)
			os.Exit(1)
		}
		if err = agent.Register(cap); err != nil {
			slog.Error("Failed to register capability", "name", name, "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := agent.Start(ctx); err != nil {
		slog.Error("Failed to start agent", "error", err)
		os.Exit(2)
	}
	slog.Info("Specialist running", "agent_id", *agentID, "caps", *capList)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := agent.Stop(stopCtx); err != nil {
		slog.Error("Error stopping agent", "error", err)
	}
	slog.Info("Specialist stopped")
}
