package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"shortsDownloader/cache"
	"shortsDownloader/database"
	"shortsDownloader/queue"
	"shortsDownloader/repository"
	"shortsDownloader/worker/config"
	"shortsDownloader/worker/converter"
	"shortsDownloader/worker/fetcher"
	"shortsDownloader/worker/pipeline"
	"shortsDownloader/worker/retention"
	"shortsDownloader/worker/service"
	"shortsDownloader/worker/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("Invalid configuration", zap.Error(err))
	}

	logger := newLogger(cfg.Env)
	defer logger.Sync()

	logger.Info("Worker Service starting...",
		zap.String("store", cfg.Store.Backend),
		zap.String("queue", cfg.Queue.Backend),
		zap.Int("workers", cfg.WorkerCount),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, closeStore, err := repository.Open(ctx, repository.StoreOptions{
		Backend:       cfg.Store.Backend,
		DatabaseURL:   cfg.Store.DatabaseURL,
		MongoURI:      cfg.Store.MongoURI,
		MongoDatabase: cfg.Store.MongoDatabase,
	})
	if err != nil {
		logger.Fatal("Failed to open job store", zap.Error(err))
	}
	defer closeStore()

	redisClient, err := database.ConnectRedis(cfg.Queue.RedisAddr, cfg.Queue.RedisPassword, cfg.Queue.RedisDB)
	if err != nil && cfg.Queue.Backend == "redis" {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	var jobCache cache.JobCache = cache.NopCache{}
	if redisClient != nil {
		defer redisClient.Close()
		jobCache = cache.NewStatusCache(redisClient)
	} else {
		logger.Warn("Redis unavailable, status cache disabled", zap.Error(err))
	}

	publisher, err := storage.NewS3(ctx, storage.Options{
		Bucket:       cfg.Storage.Bucket,
		Region:       cfg.Storage.Region,
		Endpoint:     cfg.Storage.Endpoint,
		UsePathStyle: cfg.Storage.UsePathStyle,
		URLTTL:       cfg.Storage.URLTTL,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create S3 client", zap.Error(err))
	}

	seqCfg := pipeline.Config{
		Repo:      repo,
		Cache:     jobCache,
		Fetcher:   fetcher.NewYtDlp(cfg.Fetcher.YtDlpPath, cfg.Fetcher.WorkDir, logger),
		Publisher: publisher,
		Timeouts:  cfg.Timeouts(),
	}
	if cfg.Fetcher.Posters {
		seqCfg.Poster = converter.NewConverter(0, 0, logger)
	}

	policy := cfg.RetryPolicy()
	processor := service.NewProcessor(repo, jobCache, pipeline.NewSequencer(seqCfg, logger), policy, logger)

	consumer, err := openConsumer(cfg, policy, redisClient, logger)
	if err != nil {
		logger.Fatal("Failed to create queue consumer", zap.Error(err))
	}
	defer consumer.Close()

	sweeper := retention.NewSweeper(publisher, cfg.RetentionAge(), cfg.Retention.SweepInterval, logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := consumer.Consume(ctx, processor.Process); err != nil {
			logger.Error("Consumer stopped with error", zap.Error(err))
			stop()
		}
	}()

	logger.Info("Worker is running")
	<-ctx.Done()
	logger.Info("Shutting down worker...")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("Timed out waiting for in-flight jobs")
	}

	logger.Info("Worker stopped")
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

func openConsumer(cfg *config.Config, policy queue.RetryPolicy, redisClient *redis.Client, logger *zap.Logger) (queue.Consumer, error) {
	if cfg.Queue.Backend == "kafka" {
		return queue.NewKafkaConsumer(queue.KafkaConsumerOptions{
			Brokers: cfg.Queue.KafkaBrokers,
			GroupID: cfg.Queue.KafkaGroupID,
			Topic:   cfg.Queue.KafkaTopic,
			Policy:  policy,
		}, logger)
	}

	return queue.NewRedisQueue(redisClient, queue.RedisOptions{
		Name:              cfg.Queue.Name,
		Policy:            policy,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		Concurrency:       cfg.WorkerCount,
	}, logger), nil
}
