// Package main is the entry point for the DevOS orchestrator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/devos-ai/devos/internal/agents"
	"github.com/devos-ai/devos/internal/api"
	"github.com/devos-ai/devos/internal/common/config"
	"github.com/devos-ai/devos/internal/common/logger"
	"github.com/devos-ai/devos/internal/db"
	"github.com/devos-ai/devos/internal/deploy"
	"github.com/devos-ai/devos/internal/events/bus"
	gateway "github.com/devos-ai/devos/internal/gateway/websocket"
	"github.com/devos-ai/devos/internal/github"
	"github.com/devos-ai/devos/internal/gitops"
	"github.com/devos-ai/devos/internal/handoff"
	"github.com/devos-ai/devos/internal/pipeline"
	"github.com/devos-ai/devos/internal/queue"
	"github.com/devos-ai/devos/internal/supervisor"
	"github.com/devos-ai/devos/internal/supervisor/output"
	"github.com/devos-ai/devos/internal/ttlstore"
	ws "github.com/devos-ai/devos/pkg/websocket"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting DevOS orchestrator...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the durable stores. The queue and pipeline state default to
	// one database but can be split by configuration.
	jobPool, err := db.Open(cfg.Queue.BackendURL)
	if err != nil {
		log.Fatal("Failed to open job queue store", zap.Error(err))
	}
	defer jobPool.Close()

	pipePool := jobPool
	if cfg.Pipeline.BackendURL != "" && cfg.Pipeline.BackendURL != cfg.Queue.BackendURL {
		pipePool, err = db.Open(cfg.Pipeline.BackendURL)
		if err != nil {
			log.Fatal("Failed to open pipeline state store", zap.Error(err))
		}
		defer pipePool.Close()
	}

	// 5. Connect the event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 6. Short-TTL store for output snapshots and session records
	shortTTL, err := ttlstore.Open(cfg.Workspace.OutputBufferURL, log)
	if err != nil {
		log.Fatal("Failed to open short-TTL store", zap.Error(err))
	}

	// 7. Process supervisor with output buffering
	outputMgr := output.NewManager(shortTTL, log, 0)
	git := gitops.New(cfg.Git, log)
	sessions := supervisor.New(cfg, eventBus, outputMgr, shortTTL, git, log)

	// 8. External services: GitHub API and deployment platforms
	gh := github.NewTokenClient(cfg.Git.Token)

	var platforms []deploy.Platform
	if cfg.Deploy.RailwayToken != "" {
		platforms = append(platforms, deploy.NewRailway(cfg.Deploy.RailwayToken, cfg.Deploy.RailwayService, cfg.Deploy.RailwayEnv))
	}
	if cfg.Deploy.VercelToken != "" {
		platforms = append(platforms, deploy.NewVercel(cfg.Deploy.VercelToken, cfg.Deploy.VercelProject))
	}
	monitor := deploy.NewMonitor(cfg.Deploy, log)

	// 9. Agent executors and the job dispatcher
	planner := agents.NewPlannerExecutor(sessions, outputMgr, git, eventBus, cfg, log)
	dev := agents.NewDevExecutor(sessions, outputMgr, git, gh, eventBus, cfg, log)
	qa := agents.NewQAExecutor(sessions, outputMgr, git, gh, eventBus, cfg, log)
	devops := agents.NewDevOpsExecutor(sessions, outputMgr, git, gh, platforms, monitor, eventBus, cfg, log)
	registry := agents.NewRegistry(planner, dev, qa, devops, sessions, outputMgr, cfg, log)

	// 10. Job queue
	jobStore, err := queue.NewStore(jobPool)
	if err != nil {
		log.Fatal("Failed to initialize job store", zap.Error(err))
	}
	jobs := queue.New(jobStore, registry, cfg.Queue, log)

	// 11. Pipeline state machine and handoff coordinator
	pipeStore, err := pipeline.NewStore(pipePool)
	if err != nil {
		log.Fatal("Failed to initialize pipeline store", zap.Error(err))
	}
	machine := pipeline.NewMachine(pipeStore, eventBus, cfg.Pipeline, log)

	handoffStore, err := handoff.NewStore(pipePool)
	if err != nil {
		log.Fatal("Failed to initialize handoff store", zap.Error(err))
	}
	coordinator := handoff.NewCoordinator(machine, handoffStore, jobs, cfg, log)
	registry.SetResultHandler(coordinator)

	// 12. Start the workers, then resume pipelines interrupted by the last
	// shutdown
	if err := jobs.Start(ctx); err != nil {
		log.Fatal("Failed to start job queue", zap.Error(err))
	}
	if err := machine.Recover(ctx, coordinator); err != nil {
		log.Error("Pipeline recovery failed", zap.Error(err))
	}

	// 13. Control-plane HTTP server
	auth := api.NewStaticAuthenticator(cfg.Server)
	server := api.NewServer(cfg.Server, auth, jobs, machine, handoffStore, log)

	// 14. WebSocket gateway on the same listener
	dispatcher := ws.NewDispatcher()
	gateway.RegisterHealthHandler(dispatcher)
	hub := gateway.NewHub(dispatcher, log)
	hub.SetOutputBacklogProvider(outputMgr.GetBufferedOutput)
	go hub.Run(ctx)
	gateway.RegisterEventBridge(ctx, eventBus, hub, log)

	wsHandler := gateway.NewHandler(hub, func(ctx context.Context, token string) error {
		_, err := auth.Authenticate(ctx, token)
		return err
	}, log)
	server.Engine().GET("/ws", wsHandler.HandleConnection)

	// 15. Serve until signalled
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down DevOS orchestrator...")

	// 16. Graceful shutdown: stop intake, drain workers, terminate CLI
	// sessions, snapshot output buffers
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	jobs.Stop()
	sessions.Shutdown(shutdownCtx)
	outputMgr.Shutdown(shutdownCtx)
	cancel()

	log.Info("DevOS orchestrator stopped")
}
