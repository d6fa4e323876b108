package middleware

import (
	"net/http"
	"strings"

	"qatrack/internal/services"
	"qatrack/internal/transport/httpdto"
	qatrack_errors "qatrack/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type TokenParser interface {
	ParseAccessToken(token string) (services.AccessClaims, error)
}

func AuthMiddleware(parser TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := parser.ParseAccessToken(extractBearer(c))
		if err != nil {
			c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", qatrack_errors.CodeUnauthorized))
			c.Abort()
			return
		}

		userID, err := uuid.Parse(claims.UserID)
		if err != nil {
			c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", qatrack_errors.CodeUnauthorized))
			c.Abort()
			return
		}

		c.Request = c.Request.WithContext(services.WithUserContext(c.Request.Context(), userID))
		c.Next()
	}
}

func extractBearer(c *gin.Context) string {
	value := c.GetHeader("Authorization")
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
