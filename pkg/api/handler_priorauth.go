package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/preflight-health/preflight/pkg/models"
)

func (s *Server) ingestBatch(c *gin.Context) {
	var req models.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	resp, err := s.batches.Ingest(c.Request.Context(), req)
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) batchStatus(c *gin.Context) {
	resp, err := s.batches.GetBatchStatus(c.Request.Context(), c.Param("batch_id"))
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listRequests(c *gin.Context) {
	filters := models.ProgressFilters{
		BatchID: c.Query("batch_id"),
		Vendor:  c.Query("vendor"),
		Limit:   50,
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		filters.Limit = limit
	}
	if raw := c.Query("status"); raw != "" {
		status := models.RequestStatus(raw)
		if !models.ValidRequestStatus(status) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown status %q", raw)})
			return
		}
		filters.Status = status
	}

	rows, err := s.progress.ListRecent(c.Request.Context(), filters)
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": rows, "count": len(rows)})
}

func (s *Server) requestProgress(c *gin.Context) {
	detail, err := s.progress.GetRequestDetail(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (s *Server) updateRequestStatus(c *gin.Context) {
	var update models.StatusUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !models.ValidRequestStatus(update.Status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown status %q", update.Status)})
		return
	}
	progress, err := s.progress.UpsertProgress(c.Request.Context(), c.Param("id"), update)
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

func (s *Server) completeAction(c *gin.Context) {
	var body struct {
		Metadata json.RawMessage `json:"metadata"`
	}
	// Body is optional; an empty request completes the action as-is.
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	action, err := s.progress.MarkActionCompleted(c.Request.Context(), c.Param("action_id"), body.Metadata)
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, action)
}

func (s *Server) dashboardStats(c *gin.Context) {
	windowDays := 30
	if raw := c.Query("window_days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days < 1 || days > 365 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "window_days must be between 1 and 365"})
			return
		}
		windowDays = days
	}
	stats, err := s.progress.AggregateStats(c.Request.Context(), windowDays)
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
