package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"taskboard/internal/pkg/apperr"
	"taskboard/internal/pkg/metrics"

	"github.com/gin-gonic/gin"
)

// UserIDKey 是认证通过后写入 gin.Context 的用户 ID 键。
const UserIDKey = "userID"

// Authenticator 将 bearer token 解析为用户 ID。
type Authenticator interface {
	Authenticate(ctx context.Context, presented string) (uint, error)
}

// AuthMiddleware 校验 Authorization: Bearer <token> 并将 userID 写入上下文。
func AuthMiddleware(authn Authenticator, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
		if authHeader == "" {
			metrics.AuthEventsTotal.WithLabelValues("authenticate", "unauthenticated").Inc()
			WriteError(c, logger, fmt.Errorf("%w: missing authorization", apperr.ErrUnauthenticated))
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			metrics.AuthEventsTotal.WithLabelValues("authenticate", "unauthenticated").Inc()
			WriteError(c, logger, fmt.Errorf("%w: invalid authorization header", apperr.ErrUnauthenticated))
			return
		}

		uid, err := authn.Authenticate(c.Request.Context(), parts[1])
		metrics.AuthEventsTotal.WithLabelValues("authenticate", metrics.Outcome(err)).Inc()
		if err != nil {
			WriteError(c, logger, err)
			return
		}

		c.Set(UserIDKey, uid)
		c.Next()
	}
}

// UserID 返回 AuthMiddleware 写入的用户 ID。
func UserID(c *gin.Context) uint {
	return c.GetUint(UserIDKey)
}
