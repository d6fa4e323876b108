package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"qatrack/config"
	"qatrack/internal/events"
	"qatrack/internal/handler"
	"qatrack/internal/metrics"
	qatrackredis "qatrack/internal/redis"
	"qatrack/internal/repository"
	"qatrack/internal/server"
	"qatrack/internal/services"
	"qatrack/internal/storage"
	"qatrack/pkg/database"
	"qatrack/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	cfg := config.LoadConfig()

	mode := logger.DevelopmentMode
	if cfg.AppMode == server.ReleaseMode {
		mode = logger.ProductionMode
	}
	l := logger.New(mode)
	defer l.Sync()
	logger.SetGlobalLogger(l)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database.Connect(cfg)
	defer database.Close()
	if err := database.RunMigrations(); err != nil {
		log.Fatalf("Failed to apply migrations: %v", err)
	}

	redisClient := qatrackredis.NewClient(qatrackredis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	if err := qatrackredis.Ping(ctx, redisClient); err != nil {
		// Sessions and rate limits are advisory; uploads still work without them.
		l.Logger.Warn("redis unreachable at startup", zap.Error(err))
	}

	// A missing or broken storage configuration leaves the gateway nil; upload
	// operations then fail with a backend unavailable error instead of crashing.
	gateway, err := storage.New(ctx, storage.S3Config{
		Driver:      cfg.Storage.Driver,
		Region:      cfg.Storage.Region,
		Bucket:      cfg.Storage.Bucket,
		AccessKey:   cfg.Storage.AccessKey,
		SecretKey:   cfg.Storage.SecretKey,
		Endpoint:    cfg.Storage.Endpoint,
		UseSSL:      cfg.Storage.UseSSL,
		PresignTTL:  cfg.Storage.PresignTTL,
		DownloadTTL: cfg.Storage.DownloadTTL,
	})
	if err != nil {
		l.Logger.Error("storage gateway not configured", zap.String("driver", cfg.Storage.Driver), zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := metrics.NewPrometheusRecorder("", registry)
	if err != nil {
		log.Fatalf("Failed to register metrics: %v", err)
	}

	repo := repository.NewAttachmentRepository(database.DB)
	sessions := qatrackredis.NewSessionStore(redisClient)
	publisher := events.NewRedisPublisher(qatrackredis.NewPublisher(redisClient))

	limits := qatrackredis.DefaultRateLimitConfig()
	if cfg.Upload.InitLimitPerMinute > 0 {
		limits.UploadInitLimit = cfg.Upload.InitLimitPerMinute
	}
	limiter := qatrackredis.NewRateLimiter(redisClient, limits)

	authService := services.NewAuthService(cfg)
	uploadService := services.NewUploadService(gateway, repo, sessions, publisher, recorder, services.NewUploadPolicy(cfg.Upload))
	attachmentService := services.NewAttachmentService(gateway, repo, publisher, recorder, cfg.Storage.DownloadTTL)

	if cfg.Sweeper.Enabled && gateway != nil {
		sweeper := services.NewSessionSweeper(gateway, sessions, recorder, cfg.Sweeper.Interval, cfg.Sweeper.MaxAge)
		go sweeper.Run(ctx)
	}

	srv := server.New(cfg, l)
	srv.SetupRoutes(&server.Handlers{
		Upload:     handler.NewUploadHandler(uploadService),
		Attachment: handler.NewAttachmentHandler(attachmentService),
	}, server.Dependencies{
		Auth:        authService,
		InitLimiter: limiter,
		Gatherer:    registry,
		HealthChecks: map[string]func(ctx context.Context) error{
			"database": func(ctx context.Context) error { return database.HealthCheck() },
			"redis":    func(ctx context.Context) error { return qatrackredis.Ping(ctx, redisClient) },
		},
	})

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
