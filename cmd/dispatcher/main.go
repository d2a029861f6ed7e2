// Preflight dispatcher — consumes the prior-authorization work topic and
// forwards each request to the planner exactly once per dedup window.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/preflight-health/preflight/pkg/cache"
	"github.com/preflight-health/preflight/pkg/config"
	"github.com/preflight-health/preflight/pkg/dispatch"
	"github.com/preflight-health/preflight/pkg/planner"
	"github.com/preflight-health/preflight/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the consumer identity for this replica.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
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

	podID := resolvePodID()
	ctx := context.Background()

	// 1. Load configuration
	dispatchCfg, err := config.LoadDispatchConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load dispatch config", "error", err)
		os.Exit(1)
	}
	redisCfg, err := config.LoadRedisConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load redis config", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting dispatcher",
		"version", version.GitCommit,
		"pod_id", podID,
		"work_topic", redisCfg.WorkTopic,
		"consumer_group", redisCfg.ConsumerGroup,
		"workers", dispatchCfg.WorkerCount,
		"processor_url", dispatchCfg.ProcessorURL)

	// 2. Connect Redis (work topic + dedup cache)
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
	slog.Info("Connected to Redis")

	// 3. Start the worker pool
	pool := dispatch.NewWorkerPool(podID, redisClient, cache.NewStore(redisClient),
		planner.NewClient(dispatchCfg), dispatchCfg, redisCfg)
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 4. Health endpoint for liveness probes
	healthSrv := healthServer(dispatchCfg.HealthAddr, pool)
	errCh := make(chan error, 1)
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	slog.Info("Health endpoint listening", "addr", dispatchCfg.HealthAddr)

	slog.Info("Dispatcher started successfully", "version", version.Full())

	// 5. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Health endpoint failed", "error", err)
	}

	// 6. Graceful shutdown: let in-flight messages finish
	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	shutdownCtx, cancel := context.WithTimeout(ctx, dispatchCfg.GracefulShutdownTimeout)
	defer cancel()
	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded — unacked messages will be reclaimed")
	}

	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Health endpoint shutdown failed", "error", err)
	}

	slog.Info("Shutdown complete")
}

// healthServer serves the worker pool health snapshot. Kubernetes probes it;
// a 503 means the pool lost Redis or has no workers.
func healthServer(addr string, pool *dispatch.WorkerPool) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		health := pool.Health()
		status := http.StatusOK
		if !health.IsHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, health)
	})
	return &http.Server{Addr: addr, Handler: router}
}
