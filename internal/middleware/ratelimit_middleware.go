package middleware

import (
	"context"
	"net/http"
	"strconv"

	"qatrack/internal/redis"
	"qatrack/internal/services"
	"qatrack/internal/transport/httpdto"
	qatrack_errors "qatrack/pkg/errors"
	"qatrack/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type UploadInitLimiter interface {
	AllowUploadInit(ctx context.Context, userID string) (*redis.RateLimitResult, error)
}

// UploadInitRateLimitMiddleware caps how many upload sessions one caller opens per window.
// Should be applied after auth middleware; anonymous callers are keyed by IP.
func UploadInitRateLimitMiddleware(limiter UploadInitLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if userID, ok := services.UserIDFromContext(c.Request.Context()); ok {
			key = userID.String()
		}

		result, err := limiter.AllowUploadInit(c.Request.Context(), key)
		if err != nil {
			// Limiter outages do not block uploads.
			logger.WithContext(c.Request.Context()).Warn("rate limit check failed", zap.Error(err))
			c.Next()
			return
		}

		setRateLimitHeaders(c, result)

		if !result.Allowed {
			c.JSON(http.StatusTooManyRequests, httpdto.NewErrorResponse("upload rate limit exceeded", qatrack_errors.CodeRateLimited))
			c.Abort()
			return
		}

		c.Next()
	}
}

func setRateLimitHeaders(c *gin.Context, result *redis.RateLimitResult) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(int64(result.ResetIn.Seconds()), 10))
}
