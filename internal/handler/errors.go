package handler

import (
	"net/http"

	apperrors "elearning/pkg/errors"
	"elearning/pkg/logger"

	"github.com/gin-gonic/gin"
)

// respondError пишет ошибку сервиса; детали 5xx остаются в логе
func respondError(c *gin.Context, log logger.Logger, err error) {
	status := apperrors.HTTPStatusFromError(err)
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", "error", err, "path", c.FullPath())
		c.JSON(status, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
