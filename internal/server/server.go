package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qatrack/config"
	"qatrack/internal/handler"
	"qatrack/internal/middleware"
	"qatrack/internal/transport/httpdto"
	"qatrack/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	config     *config.Config
	logger     *logger.Logger
}

var (
	ReleaseMode = "release"
	DebugMode   = "debug"
	TestMode    = "test"
)

type Handlers struct {
	Upload     *handler.UploadHandler
	Attachment *handler.AttachmentHandler
}

// Dependencies are the cross-cutting pieces the routes need besides handlers.
type Dependencies struct {
	Auth        middleware.TokenParser
	InitLimiter middleware.UploadInitLimiter
	Gatherer    prometheus.Gatherer
	// HealthChecks run on /health; any error reports the service unhealthy.
	HealthChecks map[string]func(ctx context.Context) error
}

func New(cfg *config.Config, l *logger.Logger) *Server {
	if cfg.AppMode == ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	} else if cfg.AppMode == TestMode {
		gin.SetMode(gin.TestMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%s", cfg.AppPort),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		engine: engine,
		config: cfg,
		logger: l,
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) SetupRoutes(handlers *Handlers, deps Dependencies) {
	s.engine.Use(middleware.RequestIDMiddleware())
	s.engine.Use(middleware.LoggingMiddleware())
	s.engine.Use(middleware.ErrorHandler())

	s.engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"message": "pong"}))
	})

	s.engine.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		for name, check := range deps.HealthChecks {
			if err := check(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, httpdto.NewErrorResponse(name+" unavailable", "UNHEALTHY"))
				return
			}
		}
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"status": "healthy"}))
	})

	if deps.Gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.engine.Group("/v1")
	if deps.Auth != nil {
		v1.Use(middleware.AuthMiddleware(deps.Auth))
	}

	uploads := v1.Group("/uploads")
	{
		initialize := []gin.HandlerFunc{handlers.Upload.Initialize}
		if deps.InitLimiter != nil {
			initialize = append([]gin.HandlerFunc{middleware.UploadInitRateLimitMiddleware(deps.InitLimiter)}, initialize...)
		}
		uploads.POST("/initialize", initialize...)
		uploads.POST("/complete", handlers.Upload.Complete)
		uploads.DELETE("/abort", handlers.Upload.Abort)
	}

	attachments := v1.Group("/attachments")
	{
		attachments.GET("", handlers.Attachment.List)
		attachments.GET("/:id/download", handlers.Attachment.DownloadURL)
		attachments.GET("/:id/delete", handlers.Attachment.PrepareDelete)
		attachments.DELETE("/:id", handlers.Attachment.ConfirmDelete)
	}
}

// Start serves until ctx is cancelled or SIGINT/SIGTERM arrives, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting the server on port %s...", s.config.AppPort)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		s.logger.Errorf("Error in starting the server: %s", err)
		return err
	case <-quit:
		s.logger.Infof("Quitting signal received, shutting down")
	case <-ctx.Done():
		s.logger.Infof("Context cancelled, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Errorf("Error in the graceful shutdown of the server: %s", err)
		return err
	}

	s.logger.Infof("Server stopped gracefully")
	return nil
}
