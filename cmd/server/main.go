package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sales-ingest/config"
	"sales-ingest/internal/api"
	"sales-ingest/internal/broker"
	"sales-ingest/internal/marketplace"
	"sales-ingest/internal/memstore"
	"sales-ingest/internal/redisclient"
	"sales-ingest/internal/service"
	"sales-ingest/internal/store"
	"sales-ingest/internal/upstream"
	"sales-ingest/internal/util"
	"sales-ingest/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// warehouse is what the service layer needs from a storage backend.
type warehouse interface {
	service.RawSink
	service.AggregateSink
	service.ValidationSource
	service.ViewReader
	Ping(ctx context.Context) error
}

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting sales ingest service",
		zap.String("storage", cfg.Database.Driver),
		zap.String("upstream", cfg.Upstream.Mode))

	tp, err := util.InitTracer("sales-ingest", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	var wh warehouse
	switch cfg.Database.Driver {
	case "memory":
		wh = memstore.New()
		logger.Warn("Using in-memory storage; data is lost on restart")
	default:
		if cfg.Database.AutoMigrate {
			if err := store.MigrateUp(cfg.Database.URL, logger); err != nil {
				logger.Fatal("Failed to migrate database", zap.Error(err))
			}
		}
		db, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		wh = db
		logger.Info("Database connected")
	}

	var ordersClient upstream.OrdersClient
	switch cfg.Upstream.Mode {
	case "mock":
		eu, _ := marketplace.Lookup("EU")
		ordersClient = upstream.NewSyntheticClient(eu, 1, 120, cfg.Ingest.PageSize)
		logger.Warn("Using synthetic upstream orders")
	default:
		ordersClient = upstream.NewHTTPClient(upstream.HTTPClientOptions{
			Endpoints:   cfg.Upstream.Endpoints,
			AccessToken: cfg.Upstream.AccessToken,
			UserAgent:   cfg.Upstream.UserAgent,
			Timeout:     time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		})
	}

	// Redis and Kafka are optional: without them runs are unlocked and
	// nothing is cached or published.
	var (
		locker  service.RunLocker
		cache   service.ResultCache
		results api.RunResultReader
	)
	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Warn("Redis unavailable, run lock and result cache disabled", zap.Error(err))
	} else {
		defer redisClient.Close()
		locker, cache, results = redisClient, redisClient, redisClient
		logger.Info("Redis connected")
	}

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicRunEvents)
	defer producer.Close()
	eventPublisher := broker.NewEventPublisher(producer)
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicRunEvents))

	fetcher := service.NewFetcher(ordersClient, cfg.Upstream.RequestsPerSecond, cfg.Upstream.Burst)
	orchestrator := service.NewOrchestrator(
		fetcher,
		service.NewRawWriter(wh),
		service.NewAggregator(wh),
		locker,
		cache,
		eventPublisher,
		service.RunDefaults{
			MaxPages:                 cfg.Ingest.MaxPages,
			PageSize:                 cfg.Ingest.PageSize,
			MaxOrders:                cfg.Ingest.MaxOrders,
			MaxOrdersMode:            cfg.Ingest.MaxOrdersMode,
			FilterMode:               cfg.Ingest.FilterMode,
			ExcludeMerchantFulfilled: cfg.Ingest.ExcludeMerchantFulfilled,
			LockTTL:                  time.Duration(cfg.Redis.RunLockTTLSecs) * time.Second,
			ResultTTL:                time.Duration(cfg.Redis.RunResultTTLSecs) * time.Second,
		},
	)
	validator := service.NewValidator(wh, wh)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicRunEvents, cfg.Kafka.ConsumerGroup)
	validationWorker := worker.NewValidationWorker(consumer, validator, eventPublisher)
	go func() {
		if err := validationWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("Validation worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orchestrator, validator, wh, results, cfg.ReadinessChecks())
	handler.AddReadinessCheck("storage", wh)
	if redisClient != nil {
		handler.AddReadinessCheck("redis", redisClient)
	}
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := validationWorker.Stop(); err != nil {
		logger.Error("Failed to stop validation worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
