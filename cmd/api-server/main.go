package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpAdapter "launchpad/internal/adapters/http"
	"launchpad/internal/adapters/queue"
	"launchpad/internal/app"
	"launchpad/internal/config"
	"launchpad/internal/logging"

	"github.com/gin-gonic/gin"
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

	ctx, cancel := context.WithCancel(context.Background())
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
	service, err := app.NewSchedulingService(broker, queue.NewRedisEventStream(broker, logger.Named("events")), opts)
	if err != nil {
		logger.Fatal("Failed to create scheduling service", zap.Error(err))
	}
	if err := service.Open(ctx); err != nil {
		logger.Fatal("Failed to connect to redis", zap.Error(err))
	}

	gin.SetMode(gin.ReleaseMode)
	router := httpAdapter.NewRouter(service, broker, logger.Named("http"))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		logger.Info("Starting launchpad API server", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	// Cancelling ctx first ends open event streams.
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down scheduling service", zap.Error(err))
	}

	logger.Info("Server exited")
}
