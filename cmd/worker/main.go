package main

import (
	"context"
	"flag"
	"launchpad/internal/adapters/cache"
	"launchpad/internal/adapters/queue"
	"launchpad/internal/app"
	"launchpad/internal/config"
	"launchpad/internal/logging"
	"log"
	"os"
	"os/signal"
	"syscall"

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

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	redisClient, err := queue.NewRedisClient(cfg.RedisURL)
	if err != nil {
		logger.Fatal("Failed to configure redis", zap.Error(err))
	}
	broker := queue.NewRedisQueueBroker(redisClient, cfg.KeyPrefix)

	opts, err := cfg.ServiceOptions(logger)
	if err != nil {
		logger.Fatal("Invalid queue policies", zap.Error(err))
	}
	service, err := app.NewSchedulingService(broker, queue.NewRedisEventStream(broker, logger), opts)
	if err != nil {
		logger.Fatal("Failed to create scheduling service", zap.Error(err))
	}
	if err := service.Open(ctx); err != nil {
		logger.Fatal("Failed to connect to redis", zap.Error(err))
	}

	names, err := cfg.WorkerQueues()
	if err != nil {
		logger.Fatal("Invalid worker queues", zap.Error(err))
	}
	queues, err := service.BlockingQueues(names...)
	if err != nil {
		logger.Fatal("Failed to resolve queues", zap.Error(err))
	}

	// The worker is detached from the signal context. On shutdown it stops
	// claiming, and in-flight jobs get up to the job timeout to finish.
	worker := app.NewWorkerService(context.Background(), queues, cfg.WorkerOptions(logger.Named("worker")))
	handlers := app.DefaultHandlers(cache.NewRedisNotifier(redisClient), nil, logger.Named("handlers"))
	for _, name := range names {
		if err := worker.RegisterHandler(name, handlers[name]); err != nil {
			logger.Fatal("Failed to register handler", zap.String("queue", string(name)), zap.Error(err))
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- worker.ProcessJobs(names)
	}()

	select {
	case <-ctx.Done():
	case err := <-done:
		logger.Error("Worker stopped unexpectedly", zap.Error(err))
	}

	logger.Info("Shutting down worker...")
	timeout := cfg.Worker.JobTimeout
	if timeout <= 0 {
		timeout = app.DefaultJobTimeout
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), timeout)
	defer stopCancel()
	if err := worker.Stop(stopCtx); err != nil {
		logger.Error("Worker did not finish in-flight jobs", zap.Error(err))
	}
	if err := service.Shutdown(stopCtx); err != nil {
		logger.Error("Failed to shut down scheduling service", zap.Error(err))
	}
	logger.Info("Worker exited")
}
