package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qatrack/config"
	"qatrack/internal/redis"
	"qatrack/internal/services"
	"qatrack/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRequestIDMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	var seen string
	r.GET("/x", func(c *gin.Context) {
		seen, _ = c.Request.Context().Value(logger.RequestIdKey).(string)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Len(t, w.Header().Get("X-Request-Id"), 32)
	assert.Equal(t, w.Header().Get("X-Request-Id"), seen)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-Id", "abc")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc", w.Header().Get("X-Request-Id"))
}

func TestAuthMiddleware(t *testing.T) {
	auth := services.NewAuthService(&config.Config{JWTSecret: "secret"})
	userID := uuid.New()
	token, err := auth.IssueAccessToken(userID)
	require.NoError(t, err)

	r := gin.New()
	r.Use(AuthMiddleware(auth))
	r.GET("/x", func(c *gin.Context) {
		got, ok := services.UserIDFromContext(c.Request.Context())
		require.True(t, ok)
		c.String(http.StatusOK, got.String())
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"UNAUTHORIZED"`)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, userID.String(), w.Body.String())
}

type stubLimiter struct {
	result *redis.RateLimitResult
	err    error
	keys   []string
}

func (s *stubLimiter) AllowUploadInit(ctx context.Context, userID string) (*redis.RateLimitResult, error) {
	s.keys = append(s.keys, userID)
	return s.result, s.err
}

func TestUploadInitRateLimitMiddleware(t *testing.T) {
	limiter := &stubLimiter{result: &redis.RateLimitResult{Allowed: false, Limit: 5, ResetIn: 30 * time.Second}}
	r := gin.New()
	r.Use(UploadInitRateLimitMiddleware(limiter))
	r.POST("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "30", w.Header().Get("X-RateLimit-Reset"))
	assert.Contains(t, w.Body.String(), "RATE_LIMITED")

	limiter.result, limiter.err = nil, errors.New("redis down")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", nil))
	assert.Equal(t, http.StatusOK, w.Code, "limiter failure lets the request through")
}

func TestErrorHandler(t *testing.T) {
	r := gin.New()
	r.Use(ErrorHandler())
	r.GET("/x", func(c *gin.Context) {
		_ = c.Error(errors.New("db exploded"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "db exploded")
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}

func TestErrorHandlerEchoesRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestIDMiddleware(), ErrorHandler())
	r.GET("/x", func(c *gin.Context) {
		_ = c.Error(errors.New("db exploded"))
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-Id", "trace-42")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"request_id":"trace-42"`)
}
