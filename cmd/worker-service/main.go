package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/dubbing-pipeline/internal/bootstrap"
	"github.com/cuongbtq/dubbing-pipeline/internal/config"
	"github.com/cuongbtq/dubbing-pipeline/internal/dispatch"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Dispatch.Driver != config.DispatchRabbitMQ {
		return fmt.Errorf("worker service requires the rabbitmq dispatch driver, got %q", cfg.Dispatch.Driver)
	}

	appLogger, err := bootstrap.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	workerID := bootstrap.WorkerID(&cfg.Worker)
	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("worker_id", workerID),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := bootstrap.OpenStore(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize job store: %w", err)
	}
	defer closeStore()
	appLogger.Info("Job store ready", slog.String("driver", cfg.Database.Driver))

	rabbitClient, err := bootstrap.NewRabbitClient(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()
	appLogger.Info("RabbitMQ connection established")

	orchestrator, err := bootstrap.NewOrchestrator(&cfg.Pipeline, store, appLogger.Logger)
	if err != nil {
		return err
	}
	locker, err := bootstrap.NewLocker(&cfg.Worker, store, workerID, appLogger.Logger)
	if err != nil {
		return err
	}

	source := dispatch.NewRabbitSource(rabbitClient, cfg.RabbitMQ.Consumer.PrefetchCount, appLogger.Logger)
	pool := bootstrap.NewPool(&cfg.Worker, source, orchestrator, locker, workerID, appLogger.Logger)
	if err := pool.Start(ctx); err != nil {
		return err
	}

	appLogger.Info("Worker service started successfully",
		slog.Int("concurrency", cfg.Worker.Concurrency),
		slog.String("lock", cfg.Worker.Lock),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	appLogger.Info("Received signal, shutting down gracefully",
		slog.String("signal", sig.String()),
	)

	// Stop cancels in-flight stages and waits for them to record the
	// interruption, bounded by worker.shutdown_timeout.
	pool.Stop()

	appLogger.Info("Worker service shutdown complete")
	return nil
}
