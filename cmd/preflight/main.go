// Preflight API server — owns the browser session pool, runs agents against
// live sessions, ingests prior-authorization batches and serves the log
// stream.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/preflight-health/preflight/pkg/agent"
	"github.com/preflight-health/preflight/pkg/api"
	"github.com/preflight-health/preflight/pkg/bus"
	"github.com/preflight-health/preflight/pkg/cache"
	"github.com/preflight-health/preflight/pkg/cleanup"
	"github.com/preflight-health/preflight/pkg/config"
	"github.com/preflight-health/preflight/pkg/database"
	"github.com/preflight-health/preflight/pkg/masking"
	"github.com/preflight-health/preflight/pkg/notify"
	"github.com/preflight-health/preflight/pkg/relay"
	"github.com/preflight-health/preflight/pkg/services"
	"github.com/preflight-health/preflight/pkg/session"
	"github.com/preflight-health/preflight/pkg/supervisor"
	"github.com/preflight-health/preflight/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	envFile := flag.String("env-file", getEnv("ENV_FILE", ".env"), "Path to optional .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envFile)
	}

	ctx := context.Background()

	// 1. Load configuration
	serverCfg, err := config.LoadServerConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load server config", "error", err)
		os.Exit(1)
	}
	sessionCfg, err := config.LoadSessionConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load session config", "error", err)
		os.Exit(1)
	}
	agentCfg, err := config.LoadAgentConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load agent config", "error", err)
		os.Exit(1)
	}
	redisCfg, err := config.LoadRedisConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load redis config", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting preflight",
		"version", version.GitCommit,
		"addr", serverCfg.Addr(),
		"session_policy", sessionCfg.Policy,
		"pool_size", sessionCfg.PoolSize)

	// 2. Sweep leftovers of crashed session stacks. Must finish before the
	// first session starts.
	cleanup.NewService(sessionCfg, supervisor.ExecCommander{}).Sweep(ctx)

	// 3. Connect PostgreSQL (applies pending migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	dbHealth, err := dbClient.Health(ctx)
	if err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database", "schema_version", dbHealth.SchemaVersion)

	// 4. Connect Redis (work topic + log relay)
	redisClient, err := cache.NewClient(ctx, redisCfg.URL)
	if err != nil {
		slog.Error("Failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			slog.Error("Error closing redis client", "error", err)
		}
	}()
	slog.Info("Connected to Redis", "work_topic", redisCfg.WorkTopic, "stream_prefix", redisCfg.StreamPrefix)

	// 5. Domain services
	logRelay := relay.New(redisClient, redisCfg)
	masker := masking.NewService()
	publisher := bus.NewPublisher(redisClient, redisCfg.WorkTopic)
	batchService := services.NewBatchService(dbClient, publisher)
	progressService := services.NewProgressService(dbClient)
	slog.Info("Services initialized")

	// 6. Session pool and process supervisor
	registry := session.NewRegistry(sessionCfg, session.NewPool(sessionCfg), supervisor.New(sessionCfg))

	// 7. Agent runner
	notifier := notify.NewService(agentCfg.HITLWebhookURL)
	if notifier != nil {
		slog.Info("HITL notifier configured")
	}
	runner := agent.NewRunner(agent.RunnerDeps{
		Sessions: registry,
		Relay:    logRelay,
		Agent:    agentCfg,
		Session:  sessionCfg,
		Progress: progressService,
		Notifier: notifier,
		Masker:   masker,
	})

	// 8. HTTP server (non-blocking)
	server := api.NewServer(api.ServerDeps{
		Config:   serverCfg,
		Registry: registry,
		Runner:   runner,
		Batches:  batchService,
		Progress: progressService,
		Logs:     logRelay,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("Preflight started successfully", "version", version.Full())

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: drain HTTP first so no new runs start, then
	// tear down live sessions. Delete stops bound agents cooperatively.
	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	teardownCtx, teardownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer teardownCancel()
	for _, info := range registry.List() {
		if err := registry.Delete(teardownCtx, info.SessionID); err != nil {
			slog.Error("Session teardown failed during shutdown",
				"session_id", info.SessionID, "error", err)
		}
	}

	slog.Info("Shutdown complete")
}
