// ToolBridge - conversation orchestrator bridging an LLM to a local tool server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/avelis/toolbridge/internal/api"
	"github.com/avelis/toolbridge/internal/chat"
	"github.com/avelis/toolbridge/internal/config"
	"github.com/avelis/toolbridge/internal/gateway"
	"github.com/avelis/toolbridge/internal/identity"
	"github.com/avelis/toolbridge/internal/llm"
	"github.com/avelis/toolbridge/internal/mcp"
	"github.com/avelis/toolbridge/internal/middleware"
	"github.com/avelis/toolbridge/internal/store"
	"github.com/avelis/toolbridge/web"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Tool subprocess. The manager pumps frames into the protocol client
	// and the client writes requests back through the manager.
	var mcpEnv []string
	if cfg.MCP.ToolAPIKey != "" {
		mcpEnv = append(mcpEnv, "TOOL_API_KEY="+cfg.MCP.ToolAPIKey)
	}

	var toolClient *mcp.Client
	procManager := mcp.NewProcessManager(mcp.ProcessConfig{
		Command:        cfg.MCP.Command,
		Args:           cfg.MCP.Args,
		WorkingDir:     cfg.MCP.WorkingDir,
		Env:            mcpEnv,
		StartupTimeout: cfg.MCP.StartupTimeout,
		MaxRestarts:    cfg.MCP.MaxRestarts,
		RestartWindow:  cfg.MCP.RestartWindow,
		RestartDelay:   cfg.MCP.RestartDelay,
	}, mcp.ProcessCallbacks{
		OnFrame: func(line []byte) { toolClient.HandleFrame(line) },
		OnReady: func(ctx context.Context) error { return toolClient.Initialize(ctx) },
		OnDown:  func(err error) { toolClient.FailAllPending(err) },
	})
	toolClient = mcp.NewClient(procManager, cfg.MCP.CallTimeout)
	defer procManager.Stop()

	startCtx, startCancel := context.WithTimeout(context.Background(), cfg.MCP.StartupTimeout+10*time.Second)
	if err := procManager.Start(startCtx); err != nil {
		startCancel()
		slog.Error("Failed to start tool subprocess", "error", err)
		os.Exit(1)
	}
	startCancel()
	slog.Info("Tool subprocess ready", "tools", len(toolClient.Tools()))

	// Upstream model and turn orchestration.
	model := llm.NewAnthropic(cfg.Anthropic)
	orchestrator := chat.NewOrchestrator(model, toolClient, cfg.Chat.MaxToolDepth)

	transcripts, err := gateway.NewTranscriptLogger(gateway.TranscriptLogConfig{
		Enabled:   cfg.TranscriptLog.Enabled,
		Dir:       cfg.TranscriptLog.Dir,
		QueueSize: cfg.TranscriptLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize transcript logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := transcripts.Close(); closeErr != nil {
			slog.Warn("Failed to close transcript logger", "error", closeErr)
		}
	}()

	limiter := gateway.NewRateLimiter(cfg.Chat.RateLimitMessages, cfg.Chat.RateLimitWindow)
	chatHandler := gateway.NewChatHandler(repo, orchestrator, limiter, transcripts, cfg.FrontendURL, cfg.IsDevelopment())
	apiHandler := api.NewHandler(repo, toolClient, procManager, cfg.MCP.ToolAPIKey)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	apiHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/chat", chatHandler.ServeHTTP)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Create server.
	// Note: WebSocket connections require long write timeouts.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // 0 = no timeout, WebSocket streams stay open
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
