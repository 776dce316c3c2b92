// collab-server is the real-time collaborative workflow editing service. It
// terminates editor websockets, serializes graph mutations per workflow, and
// persists them to Postgres.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowmesh/flowmesh/internal/api"
	ws "github.com/flowmesh/flowmesh/internal/api/websocket"
	"github.com/flowmesh/flowmesh/internal/config"
	"github.com/flowmesh/flowmesh/internal/engine"
	"github.com/flowmesh/flowmesh/internal/services"
	"github.com/flowmesh/flowmesh/internal/validation"
	"github.com/flowmesh/flowmesh/pkg/auth"
	"github.com/flowmesh/flowmesh/pkg/database"
	"github.com/flowmesh/flowmesh/pkg/observability"
	"github.com/flowmesh/flowmesh/pkg/repository/postgres"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	bootLogger := observability.NewStandardLogger("collab-server")

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger.Fatal("Failed to load configuration", map[string]interface{}{
			"error": err.Error(),
		})
	}

	logger := observability.NewStandardLoggerWithLevel("collab-server", observability.ParseLogLevel(cfg.LogLevel))

	var metrics observability.MetricsClient
	if cfg.MetricsEnabled {
		metrics = observability.NewPrometheusMetricsClient("collab")
	} else {
		metrics = observability.NewNoopMetricsClient()
	}
	defer func() { _ = metrics.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.Database, logger.WithPrefix("database"))
	if err != nil {
		logger.Fatal("Failed to connect to database", map[string]interface{}{
			"error": err.Error(),
		})
	}
	defer func() { _ = db.Close() }()

	store := postgres.NewWorkflowStore(db, logger.WithPrefix("store"), observability.NoopStartSpan, metrics)
	eng := engine.New(store, logger.WithPrefix("engine"), metrics)
	authz := services.NewAuthorizationService(store, logger.WithPrefix("authz"))
	validator := validation.NewValidator(logger.WithPrefix("validation"))
	verifier := auth.NewVerifier(cfg.Auth, logger.WithPrefix("auth"))

	socket := ws.NewServer(
		cfg.WebSocket,
		verifier,
		authz,
		validator,
		eng,
		logger.WithPrefix("websocket"),
		metrics,
		observability.NoopStartSpan,
	)

	server := api.NewServer(cfg.API, socket, eng, metrics, logger.WithPrefix("api"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received", nil)
	case err := <-errCh:
		if err != nil {
			logger.Error("Server exited with error", map[string]interface{}{
				"error": err.Error(),
			})
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
	logger.Info("Server stopped", nil)
}
