package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"qatrack/internal/transport/httpdto"
	qatrack_errors "qatrack/pkg/errors"
	"qatrack/pkg/logger"
)

const unavailableMessage = "upload service unavailable"

// HTTPStatus maps an error kind (and validation code) to a status code.
func HTTPStatus(err error) int {
	switch qatrack_errors.KindOf(err) {
	case qatrack_errors.KindValidation:
		switch qatrack_errors.CodeOf(err) {
		case qatrack_errors.CodePayloadTooLarge:
			return http.StatusRequestEntityTooLarge
		case qatrack_errors.CodeUnsupportedMediaType:
			return http.StatusUnsupportedMediaType
		case qatrack_errors.CodeUnauthorized:
			return http.StatusUnauthorized
		case qatrack_errors.CodeRateLimited:
			return http.StatusTooManyRequests
		}
		return http.StatusBadRequest
	case qatrack_errors.KindSessionState:
		return http.StatusBadRequest
	case qatrack_errors.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the error envelope. Backend details stay in the log.
func respondError(c *gin.Context, err error) {
	status := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.WithContext(c.Request.Context()).Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(status, httpdto.NewErrorResponse(unavailableMessage, qatrack_errors.CodeInternal).WithRequestID(requestID(c)))
		return
	}

	message := err.Error()
	var tagged *qatrack_errors.Error
	if errors.As(err, &tagged) {
		message = tagged.Message
	}
	c.JSON(status, httpdto.NewErrorResponse(message, qatrack_errors.CodeOf(err)))
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse(message, qatrack_errors.CodeBadRequest))
}

func requestID(c *gin.Context) string {
	id, _ := c.Request.Context().Value(logger.RequestIdKey).(string)
	return id
}
