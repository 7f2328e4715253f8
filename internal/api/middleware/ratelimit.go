package middleware

import (
	"context"
	"log/slog"
	"math"
	"strconv"

	"taskboard/internal/pkg/apperr"
	"taskboard/internal/pkg/metrics"
	"taskboard/internal/pkg/ratelimit"

	"github.com/gin-gonic/gin"
)

// Limiter 是按 key 的非阻塞限流器。
type Limiter interface {
	Enabled() bool
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// RateLimit 按客户端 IP 对 route 限流。Redis 故障时放行。
func RateLimit(limiter Limiter, route string, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil || !limiter.Enabled() {
			c.Next()
			return
		}
		decision, err := limiter.Allow(c.Request.Context(), route+":"+c.ClientIP())
		if err != nil {
			if logger != nil {
				logger.Warn("rate limiter unavailable", slog.String("route", route), slog.String("error", err.Error()))
			}
			c.Next()
			return
		}
		if !decision.Allowed {
			metrics.RateLimitRejectedTotal.WithLabelValues(route).Inc()
			secs := int(math.Ceil(decision.RetryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			WriteError(c, logger, apperr.ErrRateLimited)
			return
		}
		c.Next()
	}
}
