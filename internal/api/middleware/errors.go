package middleware

import (
	"log/slog"

	"taskboard/internal/pkg/apperr"

	"github.com/gin-gonic/gin"
)

// WriteError 按错误分类写出 {"error": "..."} 并终止后续处理。
func WriteError(c *gin.Context, logger *slog.Logger, err error) {
	status := apperr.HTTPStatus(err)
	if status >= 500 && logger != nil {
		logger.Error("request failed",
			slog.String("path", c.Request.URL.Path),
			slog.String("request_id", c.GetString(RequestIDKey)),
			slog.String("error", err.Error()),
		)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": apperr.Message(err)})
}
