package middleware

import (
	"net/http"

	"qatrack/internal/transport/httpdto"
	qatrack_errors "qatrack/pkg/errors"
	"qatrack/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandler turns errors attached with c.Error into the response envelope
// when the handler did not write a response itself.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		logger.WithContext(c.Request.Context()).Error("request error", zap.Error(err))
		if c.Writer.Written() {
			return
		}
		status := c.Writer.Status()
		if status < http.StatusBadRequest {
			status = http.StatusInternalServerError
		}
		requestID, _ := c.Request.Context().Value(logger.RequestIdKey).(string)
		c.JSON(status, httpdto.NewErrorResponse("upload service unavailable", qatrack_errors.CodeInternal).WithRequestID(requestID))
	}
}
