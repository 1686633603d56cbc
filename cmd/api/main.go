package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/nsai-detect/backend/internal/api/handlers"
	"github.com/nsai-detect/backend/internal/app"
	"github.com/nsai-detect/backend/internal/ingestion"
	"github.com/nsai-detect/backend/internal/metrics"
	"github.com/nsai-detect/backend/internal/middleware/ratelimit"
	"github.com/nsai-detect/backend/internal/middleware/security"
	"github.com/nsai-detect/backend/internal/middleware/validation"
	"github.com/nsai-detect/backend/internal/pipeline"
	"github.com/nsai-detect/backend/pkg/config"
	appLogger "github.com/nsai-detect/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting detection refinement API server")

	metrics.Init()

	ctx := context.Background()
	svc, err := app.New(ctx, cfg)
	if err != nil {
		appLogger.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer svc.Close(ctx)

	if err := svc.Detector.CheckHealth(ctx); err != nil {
		appLogger.Warn("Detector health check failed", zap.Error(err))
	}

	pool := pipeline.NewPool(svc.Coordinator, cfg.Worker.Count, cfg.Worker.QueueSize)
	pool.Start(ctx)

	processor := ingestion.NewProcessor(cfg.Storage.AllowedTypes, cfg.Storage.MaxImages)

	var progress handlers.ProgressReader
	if svc.Redis != nil {
		progress = svc.Redis
	}

	jobHandler := handlers.NewJobHandler(svc.Store, pool, processor, handlers.JobHandlerConfig{
		Defaults:  pipeline.DefaultJobConfig(cfg.Pipeline),
		UploadDir: cfg.Storage.UploadDir,
		Progress:  progress,
	})
	wsHandler := handlers.NewWebSocketHandler(svc.Store, progress, 500*time.Millisecond)

	server := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.Server.RateLimit,
		Methods:              []string{fiber.MethodPost},
		Logger:               appLogger.GetLogger(),
	})

	server.Use(recover.New())
	server.Use(logger.New())
	server.Use(cors.New(cors.Config{
		AllowOrigins: originList(cfg.Server.AllowedOrigins),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Client-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	server.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.Development,
	}))
	server.Use(limiter.Middleware())
	server.Use(validation.Middleware(validation.Config{
		MaxImages:         cfg.Storage.MaxImages,
		AllowedImageTypes: cfg.Storage.AllowedTypes,
		Logger:            appLogger.GetLogger(),
	}))

	handlers.RegisterRoutes(server, jobHandler)
	handlers.RegisterWebSocket(server, wsHandler)
	server.Get("/metrics", metrics.MetricsHandler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := server.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := server.Shutdown(); err != nil {
		appLogger.Warn("HTTP shutdown failed", zap.Error(err))
	}

	// Queued jobs keep running until the drain deadline.
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pool.Shutdown(drainCtx); err != nil {
		appLogger.Warn("Worker pool did not drain", zap.Error(err))
	}

	appLogger.Info("Server stopped")
}

func originList(origins []string) string {
	if len(origins) == 0 {
		return "*"
	}
	return strings.Join(origins, ", ")
}
