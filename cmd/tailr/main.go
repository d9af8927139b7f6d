// Tailr server: the HTTP API, the single-worker run queue, and the
// orchestration of resume tailoring sessions.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tailr-ai/tailr/pkg/agent"
	"github.com/tailr-ai/tailr/pkg/api"
	"github.com/tailr-ai/tailr/pkg/cleanup"
	"github.com/tailr-ai/tailr/pkg/config"
	"github.com/tailr-ai/tailr/pkg/events"
	"github.com/tailr-ai/tailr/pkg/queue"
	"github.com/tailr-ai/tailr/pkg/services"
	"github.com/tailr-ai/tailr/pkg/store"
	"github.com/tailr-ai/tailr/pkg/store/postgres"
	"github.com/tailr-ai/tailr/pkg/workspace"
)

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "."),
		"Path to the directory holding the .env file")
	flag.Parse()

	// Load .env from the config directory; a missing file is fine.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting tailr",
		"http_port", cfg.HTTPPort,
		"store_backend", cfg.StoreBackend,
		"executor_mode", cfg.ExecutorMode)

	st, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()

	workspaces, err := workspace.NewLocalProvider(cfg.WorkspaceRoot)
	if err != nil {
		slog.Error("Failed to initialize workspace provider", "error", err)
		os.Exit(1)
	}
	artifacts, err := workspace.NewLocalArtifactStore(cfg.ArtifactRoot)
	if err != nil {
		slog.Error("Failed to initialize artifact store", "error", err)
		os.Exit(1)
	}

	notifier := events.NewNotifier()
	journal := events.NewJournal(st, notifier)

	executor, err := buildExecutor(cfg)
	if err != nil {
		slog.Error("Failed to initialize executor", "error", err)
		os.Exit(1)
	}

	// Recovery runs before the scheduler accepts work: every run left active
	// by a previous process becomes interrupted with a terminal event.
	if err := queue.NormalizeAtStartup(ctx, st); err != nil {
		slog.Error("Startup recovery failed", "error", err)
		os.Exit(1)
	}

	scheduler := queue.NewScheduler(st, journal, executor, workspaces, cfg.CostPerMillionTokens)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	cleanupSvc := cleanup.NewService(st, workspaces, artifacts,
		cfg.SessionTTL, cfg.ArtifactTTL, cfg.CleanupInterval)
	cleanupSvc.Start(ctx)
	defer cleanupSvc.Stop()

	sessionService := services.NewSessionService(st, workspaces, artifacts, cfg)
	runService := services.NewRunService(st, scheduler, notifier, cfg)
	approvalService := services.NewApprovalService(st, scheduler, notifier)
	metricsService := services.NewMetricsService(st, scheduler, cfg.Alerts)
	slog.Info("Services initialized")

	server := api.NewServer(cfg, st, notifier,
		sessionService, runService, approvalService, metricsService, cleanupSvc)

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.GracefulShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown incomplete", "error", err)
	}
	slog.Info("Shutdown complete")
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.StoreBackend == "memory" {
		slog.Info("Using in-memory store")
		return store.NewMemoryStore(), nil
	}
	dbConfig, err := postgres.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	st, err := postgres.New(ctx, dbConfig)
	if err != nil {
		return nil, err
	}
	slog.Info("Connected to PostgreSQL database",
		"host", dbConfig.Host, "database", dbConfig.Database)
	return st, nil
}

func buildExecutor(cfg *config.Config) (queue.Executor, error) {
	if cfg.ExecutorMode == config.ExecutorStub {
		slog.Info("Using stub executor")
		return queue.NewStubExecutor(), nil
	}

	clients := make(map[string]agent.LLMClient)
	for _, pm := range cfg.FallbackChain {
		if pm.Provider != "anthropic" {
			continue
		}
		if _, ok := clients[pm.Provider]; ok {
			continue
		}
		client, err := agent.NewAnthropicClient(cfg.AnthropicAPIKey)
		if err != nil {
			return nil, err
		}
		clients[pm.Provider] = client
	}
	router := agent.NewRouter(clients, cfg.FallbackChain, cfg.ProviderRetry)
	return agent.NewExecutor(router, cfg.CostPerMillionTokens), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
