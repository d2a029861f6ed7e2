package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/preflight-health/preflight/pkg/agent"
	"github.com/preflight-health/preflight/pkg/llm"
	"github.com/preflight-health/preflight/pkg/models"
	"github.com/preflight-health/preflight/pkg/session"
)

// runAgent blocks until the run finishes; the caller follows live output on
// the stream-logs endpoint keyed by request_id.
func (s *Server) runAgent(c *gin.Context) {
	var req models.RunAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = req.SessionID
	}

	_, err := s.runner.Run(c.Request.Context(), agent.RunSpec{
		SessionID:          req.SessionID,
		Task:               req.Task,
		RequestID:          requestID,
		ExtendSystemPrompt: req.ExtendSystemPrompt,
		FileWhitelist:      req.AvailableFilePaths,
	})
	if err != nil {
		s.respondAgentError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.RunAgentResponse{
		Message:   "Agent task completed successfully",
		SessionID: req.SessionID,
		RequestID: requestID,
	})
}

func (s *Server) respondAgentError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, llm.ErrNoAPIKey):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "GOOGLE_API_KEY environment variable not set"})
	case errors.Is(err, agent.ErrInvalidRun),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, session.ErrNotReady):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid or inactive session ID"})
	case errors.Is(err, session.ErrAgentActive):
		c.JSON(http.StatusConflict, gin.H{"error": "An agent is already running on this session"})
	case errors.Is(err, agent.ErrBrowserUnavailable):
		c.JSON(http.StatusNotFound, gin.H{"error": "No browser session found for the given session ID"})
	default:
		s.logger.Error("Agent run failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Agent execution failed: %v", err)})
	}
}

// agentHandle resolves the agent bound to a session, writing the error
// response itself when there is none. Unknown or torn-down sessions are an
// invalid target; a live session without a run is a missing agent.
func (s *Server) agentHandle(c *gin.Context) (session.AgentHandle, bool) {
	handle, err := s.registry.Agent(c.Param("id"))
	switch {
	case err == nil:
		return handle, true
	case errors.Is(err, session.ErrNoAgent):
		c.JSON(http.StatusNotFound, gin.H{"error": "Agent not found"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid or inactive session ID"})
	}
	return nil, false
}

func (s *Server) stopAgent(c *gin.Context) {
	handle, ok := s.agentHandle(c)
	if !ok {
		return
	}
	handle.Stop()
	c.JSON(http.StatusOK, gin.H{
		"message": fmt.Sprintf("Agent for session %s stopped successfully", c.Param("id")),
		"status":  handle.State(),
	})
}

func (s *Server) pauseAgent(c *gin.Context) {
	handle, ok := s.agentHandle(c)
	if !ok {
		return
	}
	if handle.Pause() {
		s.registry.MarkAgentPaused(c.Param("id"), true)
	}
	c.JSON(http.StatusOK, gin.H{
		"message": fmt.Sprintf("Agent for session %s paused successfully", c.Param("id")),
		"status":  handle.State(),
	})
}

func (s *Server) resumeAgent(c *gin.Context) {
	handle, ok := s.agentHandle(c)
	if !ok {
		return
	}
	if handle.Resume() {
		s.registry.MarkAgentPaused(c.Param("id"), false)
	}
	c.JSON(http.StatusOK, gin.H{
		"message": fmt.Sprintf("Agent for session %s resumed successfully", c.Param("id")),
		"status":  handle.State(),
	})
}

func (s *Server) agentStatus(c *gin.Context) {
	handle, ok := s.agentHandle(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": c.Param("id"),
		"status":     handle.State(),
	})
}
