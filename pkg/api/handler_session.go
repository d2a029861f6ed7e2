package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/preflight-health/preflight/pkg/models"
	"github.com/preflight-health/preflight/pkg/session"
)

func (s *Server) createSession(c *gin.Context) {
	info, err := s.registry.Create(c.Request.Context())
	if err != nil {
		switch {
		case errors.Is(err, session.ErrPoolExhausted):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No free sessions available"})
		case errors.Is(err, session.ErrAlreadyInUse):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "A session is already in use"})
		default:
			s.logger.Error("Session creation failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session"})
		}
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, models.SessionListResponse{Sessions: s.registry.List()})
}

func (s *Server) deleteSession(c *gin.Context) {
	sessionID := c.Param("id")
	if err := s.registry.Delete(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		s.logger.Error("Session teardown failed", "session_id", sessionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":    "Session deleted successfully",
		"session_id": sessionID,
	})
}
