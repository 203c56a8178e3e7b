package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"shortsDownloader/api/config"
	"shortsDownloader/api/handlers"
	"shortsDownloader/api/middleware"
	"shortsDownloader/api/service"
	"shortsDownloader/cache"
	"shortsDownloader/database"
	"shortsDownloader/queue"
	"shortsDownloader/repository"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()

	logger := newLogger(cfg.Env)
	defer logger.Sync()

	logger.Info("API Service starting",
		zap.String("port", cfg.Port),
		zap.String("store", cfg.StoreBackend),
		zap.String("queue", cfg.QueueBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, closeStore, err := repository.Open(ctx, repository.StoreOptions{
		Backend:       cfg.StoreBackend,
		DatabaseURL:   cfg.DatabaseURL,
		MongoURI:      cfg.MongoURI,
		MongoDatabase: cfg.MongoDatabase,
	})
	if err != nil {
		logger.Fatal("Failed to open job store", zap.Error(err))
	}
	defer closeStore()

	redisClient, err := database.ConnectRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil && cfg.QueueBackend == "redis" {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	var jobCache cache.JobCache = cache.NopCache{}
	if redisClient != nil {
		defer redisClient.Close()
		jobCache = cache.NewStatusCache(redisClient)
	} else {
		logger.Warn("Redis unavailable, status cache disabled", zap.Error(err))
	}

	producer, err := openProducer(cfg, redisClient, logger)
	if err != nil {
		logger.Fatal("Failed to create queue producer", zap.Error(err))
	}
	defer producer.Close()

	jobService := service.NewJobService(repo, jobCache, producer, logger)

	r := mux.NewRouter()
	handlers.NewJobHandler(jobService, logger).Register(r)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           middleware.Wrap(r, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Server started", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func newLogger(env string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if env == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func openProducer(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) (queue.Producer, error) {
	if cfg.QueueBackend == "kafka" {
		return queue.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.EnqueueTimeout)
	}
	return queue.NewRedisQueue(redisClient, queue.RedisOptions{
		Name:           cfg.QueueName,
		EnqueueTimeout: cfg.EnqueueTimeout,
	}, logger), nil
}
