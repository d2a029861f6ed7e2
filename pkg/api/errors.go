package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/preflight-health/preflight/pkg/services"
)

// respondServiceError maps service-layer errors to HTTP error responses.
func (s *Server) respondServiceError(c *gin.Context, err error) {
	var validErr *services.ValidationError
	switch {
	case errors.As(err, &validErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": validErr.Error()})
	case errors.Is(err, services.ErrEmptyBatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": "patient_records must not be empty"})
	case errors.Is(err, services.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
	case errors.Is(err, services.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": "resource already exists"})
	case errors.Is(err, services.ErrPublishFailed):
		s.logger.Error("Work topic publish failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to publish batch to work topic"})
	default:
		s.logger.Error("Unexpected service error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
