// Package main is the entry point for the agent orchestrator daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentorch/agentorch/internal/api"
	"github.com/agentorch/agentorch/internal/common/config"
	"github.com/agentorch/agentorch/internal/common/httpmw"
	"github.com/agentorch/agentorch/internal/common/logger"
	"github.com/agentorch/agentorch/internal/events"
	"github.com/agentorch/agentorch/internal/lifecycle"
	"github.com/agentorch/agentorch/internal/metrics"
	"github.com/agentorch/agentorch/internal/plugin"
	"github.com/agentorch/agentorch/internal/plugin/builtin"
	"github.com/agentorch/agentorch/internal/scheduler"
	"github.com/agentorch/agentorch/internal/session"
	"github.com/agentorch/agentorch/internal/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	logCfg := logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	}
	log, err := logger.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting agent orchestrator...",
		zap.String("config", cfg.FilePath),
		zap.Int("projects", len(cfg.Projects)))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize tracing (no-op without OTEL_EXPORTER_OTLP_ENDPOINT)
	tracing.Init(ctx)

	// 5. Create event bus (memory or NATS, per config)
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	eventBus := provided.Bus
	defer busCleanup()

	// 6. Build the plugin registry: built-ins first, then declared plugins
	registry := plugin.NewRegistry(log)
	if err := builtin.Register(registry); err != nil {
		log.Fatal("Failed to register built-in plugins", zap.Error(err))
	}
	if err := registry.LoadBuiltins(); err != nil {
		log.Fatal("Failed to load built-in plugin manifest", zap.Error(err))
	}
	if err := registry.LoadDeclared(cfg.Plugins); err != nil {
		log.Fatal("Failed to load declared plugins", zap.Error(err))
	}

	// 7. Create the session manager
	sessions, err := session.NewManager(cfg, registry, log)
	if err != nil {
		log.Fatal("Failed to create session manager", zap.Error(err))
	}

	// 8. Create the outcome recorder, one log per project
	recorder := metrics.NewRecorder(log)
	for projectID := range cfg.Projects {
		baseDir, err := sessions.ProjectBaseDir(projectID)
		if err != nil {
			log.Fatal("Failed to resolve project base dir",
				zap.String("project_id", projectID), zap.Error(err))
		}
		recorder.RegisterProject(projectID, baseDir)
	}

	// 9. Start the lifecycle manager
	lifecycleMgr := lifecycle.NewManager(cfg, sessions, registry, eventBus, recorder, log)
	if err := lifecycleMgr.Start(ctx); err != nil {
		log.Fatal("Failed to start lifecycle manager", zap.Error(err))
	}
	log.Info("Lifecycle manager started")

	// 10. Start the spawn scheduler when enabled
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(cfg.Scheduler, sessions, log)
		if err := sched.Start(ctx); err != nil {
			log.Fatal("Failed to start scheduler", zap.Error(err))
		}
		log.Info("Spawn scheduler started")
	}

	// 11. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.RequestLogger(log, "orchestrator"))
	router.Use(httpmw.OtelTracing("orchestrator"))
	router.Use(httpmw.CORS(cfg.Server.CORSOrigins))
	router.Use(gin.Recovery())

	// 12. Register API routes
	handler := api.NewHandler(sessions, lifecycleMgr, sched, recorder, log)
	api.SetupRoutes(router.Group("/api/v1"), handler)
	api.SetupHealth(router)

	// 13. Create HTTP server
	port := cfg.Server.Port
	if port == 0 {
		port = 8314
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 14. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 15. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agent orchestrator...")

	// 16. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if sched != nil {
		if err := sched.Stop(); err != nil {
			log.Error("Scheduler stop error", zap.Error(err))
		}
	}
	if err := lifecycleMgr.Stop(); err != nil {
		log.Error("Lifecycle manager stop error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Agent orchestrator stopped")
}
