package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/dubbing-pipeline/internal/api/handler"
	"github.com/cuongbtq/dubbing-pipeline/internal/api/router"
	"github.com/cuongbtq/dubbing-pipeline/internal/bootstrap"
	"github.com/cuongbtq/dubbing-pipeline/internal/config"
	"github.com/cuongbtq/dubbing-pipeline/internal/dispatch"
	"github.com/cuongbtq/dubbing-pipeline/internal/events"
	"github.com/cuongbtq/dubbing-pipeline/internal/pipeline"
	"github.com/cuongbtq/dubbing-pipeline/internal/retry"
	"github.com/gin-gonic/gin"
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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("dispatch", cfg.Dispatch.Driver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := bootstrap.OpenStore(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize job store: %w", err)
	}
	defer closeStore()
	appLogger.Info("Job store ready", slog.String("driver", cfg.Database.Driver))

	policy, err := pipeline.ParsePolicy(cfg.Pipeline.InterruptedStagePolicy)
	if err != nil {
		return err
	}
	orchestrator, err := bootstrap.NewOrchestrator(&cfg.Pipeline, store, appLogger.Logger)
	if err != nil {
		return err
	}

	var (
		publisher dispatch.Publisher
		pool      *dispatch.Pool
	)
	switch cfg.Dispatch.Driver {
	case config.DispatchRabbitMQ:
		rabbitClient, err := bootstrap.NewRabbitClient(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()
		appLogger.Info("RabbitMQ connection established")
		publisher = dispatch.NewRabbitPublisher(rabbitClient)
	case config.DispatchMemory:
		queue := dispatch.NewMemoryQueue(0)
		defer queue.Close()
		workerID := bootstrap.WorkerID(&cfg.Worker)
		locker, err := bootstrap.NewLocker(&cfg.Worker, store, workerID, appLogger.Logger)
		if err != nil {
			return err
		}
		pool = bootstrap.NewPool(&cfg.Worker, queue, orchestrator, locker, workerID, appLogger.Logger)
		if err := pool.Start(ctx); err != nil {
			return err
		}
		publisher = queue
	}

	r := initRouter(cfg, &handler.Dependencies{
		Logger:         appLogger.Logger,
		Store:          store,
		Orchestrator:   orchestrator,
		Publisher:      publisher,
		Events:         events.NewPublisher(store, cfg.Events.PollInterval, cfg.Events.StaleAfter, appLogger.Logger),
		Retry:          retry.NewController(store, publisher, policy, cfg.Events.StaleAfter, appLogger.Logger),
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running", slog.String("address", addr))

	select {
	case <-ctx.Done():
		appLogger.Info("Shutting down server...")
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		if pool != nil {
			pool.Stop()
		}
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
	}
	if pool != nil {
		pool.Stop()
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initRouter sets the Gin mode and builds the router
func initRouter(cfg *config.Config, deps *handler.Dependencies) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	return router.SetupRouter(deps)
}
