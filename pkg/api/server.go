// Package api is the HTTP surface of the prior-authorization backend:
// session lifecycle, agent control, batch ingest, progress dashboards and
// the SSE log stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/preflight-health/preflight/pkg/agent"
	"github.com/preflight-health/preflight/pkg/config"
	"github.com/preflight-health/preflight/pkg/models"
	"github.com/preflight-health/preflight/pkg/relay"
	"github.com/preflight-health/preflight/pkg/session"
)

// AgentRunner executes one agent task against a live session, blocking
// until the run ends. Implemented by *agent.Runner.
type AgentRunner interface {
	Run(ctx context.Context, spec agent.RunSpec) (string, error)
}

// BatchIngestor is the slice of the batch service the handlers consume.
// Implemented by *services.BatchService.
type BatchIngestor interface {
	Ingest(ctx context.Context, input models.IngestRequest) (*models.IngestResponse, error)
	GetBatchStatus(ctx context.Context, batchID string) (*models.BatchStatusResponse, error)
}

// ProgressStore is the slice of the progress service the handlers consume.
// Implemented by *services.ProgressService.
type ProgressStore interface {
	UpsertProgress(ctx context.Context, requestID string, update models.StatusUpdate) (*models.RequestProgress, error)
	ListRecent(ctx context.Context, filters models.ProgressFilters) ([]models.RequestSummary, error)
	GetRequestDetail(ctx context.Context, requestID string) (*models.RequestDetail, error)
	MarkActionCompleted(ctx context.Context, actionID string, metadata json.RawMessage) (*models.ManualAction, error)
	AggregateStats(ctx context.Context, windowDays int) (*models.DashboardStats, error)
}

// LogStreamer feeds the SSE endpoint. Implemented by *relay.Relay.
type LogStreamer interface {
	Ping(ctx context.Context) error
	Follow(requestID string) *relay.Follower
}

// ServerDeps wires the collaborators the HTTP layer serves.
type ServerDeps struct {
	Config   *config.ServerConfig
	Registry *session.Registry
	Runner   AgentRunner
	Batches  BatchIngestor
	Progress ProgressStore
	Logs     LogStreamer
}

// Server is the API server: one gin engine behind one http.Server.
type Server struct {
	cfg      *config.ServerConfig
	registry *session.Registry
	runner   AgentRunner
	batches  BatchIngestor
	progress ProgressStore
	logs     LogStreamer
	logger   *slog.Logger

	http *http.Server
}

// NewServer builds the server and registers every route.
func NewServer(deps ServerDeps) *Server {
	if deps.Config == nil {
		panic("NewServer: config must not be nil")
	}
	if deps.Registry == nil {
		panic("NewServer: registry must not be nil")
	}
	if deps.Runner == nil {
		panic("NewServer: runner must not be nil")
	}
	if deps.Batches == nil {
		panic("NewServer: batch service must not be nil")
	}
	if deps.Progress == nil {
		panic("NewServer: progress service must not be nil")
	}
	if deps.Logs == nil {
		panic("NewServer: log streamer must not be nil")
	}

	s := &Server{
		cfg:      deps.Config,
		registry: deps.Registry,
		runner:   deps.Runner,
		batches:  deps.Batches,
		progress: deps.Progress,
		logs:     deps.Logs,
		logger:   slog.Default().With("component", "api"),
	}
	s.http = &http.Server{
		Addr:         deps.Config.Addr(),
		Handler:      s.routes(),
		ReadTimeout:  deps.Config.ReadTimeout,
		WriteTimeout: deps.Config.WriteTimeout,
	}
	return s
}

func (s *Server) routes() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(s.logger), securityHeaders())

	engine.GET("/health", s.health)

	engine.POST("/sessions", s.createSession)
	engine.GET("/sessions", s.listSessions)
	engine.DELETE("/sessions/:id", s.deleteSession)

	engine.POST("/agents", s.runAgent)
	agents := engine.Group("/agents/:id")
	agents.GET("/stop", s.stopAgent)
	agents.GET("/pause", s.pauseAgent)
	agents.GET("/resume", s.resumeAgent)
	agents.GET("/status", s.agentStatus)

	pa := engine.Group("/prior-auths")
	pa.POST("", s.ingestBatch)
	pa.GET("/requests", s.listRequests)
	pa.GET("/requests/:id/progress", s.requestProgress)
	pa.PUT("/requests/:id/status", s.updateRequestStatus)
	pa.POST("/actions/:action_id/complete", s.completeAction)
	pa.GET("/stats", s.dashboardStats)
	pa.GET("/:batch_id", s.batchStatus)

	engine.GET("/stream-logs/request/:request_id", s.streamLogs)

	return engine
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// requestLogger logs one line per request, skipping the health probe.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.FullPath() == "/health" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		logger.Info("Request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).Round(time.Millisecond).String())
	}
}

// securityHeaders sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
