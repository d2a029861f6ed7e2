package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/preflight-health/preflight/pkg/version"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": version.AppName,
		"version": version.GitCommit,
	})
}
