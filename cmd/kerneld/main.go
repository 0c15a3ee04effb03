// Package main is the entry point for the kernel server.
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

	"github.com/kandev/kandev/internal/common/config"
	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/eventbus"
	"github.com/kandev/kandev/internal/execution"
	"github.com/kandev/kandev/internal/expertise"
	"github.com/kandev/kandev/internal/kernel"
	"github.com/kandev/kandev/internal/memory"
	"github.com/kandev/kandev/internal/session"
	sessionsqlite "github.com/kandev/kandev/internal/session/sqlite"
	"github.com/kandev/kandev/internal/supervisor"
	"github.com/kandev/kandev/internal/supervisor/providers"
	"github.com/kandev/kandev/internal/transport/ws"
	"github.com/kandev/kandev/pkg/api"
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

	log.Info("Starting kernel service...")

	// 4. Open the Session Store
	store, err := session.New(cfg.Session.Dir, log)
	if err != nil {
		log.Fatal("Failed to open session store", zap.Error(err))
	}
	log.Info("Session store ready", zap.String("dir", cfg.Session.Dir))

	// 5. Open the secondary SQLite query index
	index, err := sessionsqlite.Open(cfg.Session.Dir + "/index.db")
	if err != nil {
		log.Fatal("Failed to open session index", zap.Error(err))
	}
	defer index.Close()

	// 6. Open the memory collaborator
	memStore, err := memory.NewFileStore(cfg.Memory.Path)
	if err != nil {
		log.Fatal("Failed to open memory store", zap.Error(err))
	}

	// 7. Create the Execution Registry and the session-scoped event broadcast
	registry := execution.NewRegistry(execution.DefaultConfig(), log)
	defer registry.Stop()
	sessionBus := eventbus.NewSessionBus(log)

	// 8. Wire the kernel
	k := kernel.New(kernel.Deps{
		Store:            store,
		Registry:         registry,
		SessionBus:       sessionBus,
		Runner:           supervisor.NewProcessRunner(log),
		DriverFor:        driverFor,
		Memory:           memStore,
		Expertise:        expertise.NewStore(cfg.Expertise.Dir),
		Index:            index,
		Logger:           log,
		MaxContextTokens: cfg.Context.MaxTokens,
	})
	log.Info("Kernel wired")

	// 9. Create the WebSocket hub and handler
	wsHub := ws.NewHub(k, sessionBus, log)
	wsHandler := ws.NewHandler(wsHub, log)

	// 10. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	// 11. Register WebSocket routes
	v1 := router.Group("/api/v1/kernel")
	ws.Register(v1, wsHandler)

	// 12. Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// 13. Create HTTP server
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
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
	log.Info("Shutting down kernel service...")

	// 16. Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	wsHub.CloseAll()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server forced to shut down", zap.Error(err))
	}

	log.Info("Kernel service stopped")
}

func driverFor(p api.Provider) supervisor.Driver {
	switch p {
	case api.ProviderCodex:
		return providers.Codex{}
	case api.ProviderGemini:
		return providers.Gemini{}
	default:
		return providers.Claude{}
	}
}
