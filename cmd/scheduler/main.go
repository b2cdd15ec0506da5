package main

import (
	"context"
	"flag"
	"launchpad/internal/adapters/database"
	"launchpad/internal/adapters/queue"
	"launchpad/internal/app"
	"launchpad/internal/config"
	"launchpad/internal/logging"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", os.Getenv("LAUNCHPAD_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Launchpad scheduler starting...")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	redisClient, err := queue.NewRedisClient(cfg.RedisURL)
	if err != nil {
		logger.Fatal("Failed to configure redis", zap.Error(err))
	}
	broker := queue.NewRedisQueueBroker(redisClient, cfg.KeyPrefix)
	events := queue.NewRedisEventStream(broker, logger.Named("events"))

	opts, err := cfg.ServiceOptions(logger)
	if err != nil {
		logger.Fatal("Invalid queue policies", zap.Error(err))
	}
	service, err := app.NewSchedulingService(broker, events, opts)
	if err != nil {
		logger.Fatal("Failed to create scheduling service", zap.Error(err))
	}
	if err := service.Open(ctx); err != nil {
		logger.Fatal("Failed to connect to redis", zap.Error(err))
	}

	var wg sync.WaitGroup
	if cfg.DatabaseURL != "" {
		db, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		if err := database.Migrate(ctx, db); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}

		archiver := app.NewRunArchiver(events, service, database.NewPostgresJobRunRepository(db), logger.Named("archiver"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := archiver.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("Run archiver stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Info("DATABASE_URL not set, job runs are not archived")
	}

	service.StartScheduler(ctx)
	logger.Info("Scheduler started successfully")

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	wg.Wait()
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Error("Scheduler shutdown error", zap.Error(err))
	}

	logger.Info("Scheduler stopped")
}
