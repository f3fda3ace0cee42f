// Package bootstrap builds the components shared by the service binaries
// from a loaded configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cuongbtq/dubbing-pipeline/internal/config"
	"github.com/cuongbtq/dubbing-pipeline/internal/dispatch"
	"github.com/cuongbtq/dubbing-pipeline/internal/executor"
	"github.com/cuongbtq/dubbing-pipeline/internal/pipeline"
	"github.com/cuongbtq/dubbing-pipeline/internal/storage"
	"github.com/cuongbtq/dubbing-pipeline/shared/logger"
	"github.com/cuongbtq/dubbing-pipeline/shared/postgresql"
	"github.com/cuongbtq/dubbing-pipeline/shared/rabbitmq"
	"github.com/cuongbtq/dubbing-pipeline/shared/sqlite"
	"github.com/google/uuid"
)

// NewLogger initializes the application logger
func NewLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		File:         cfg.File,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// OpenStore connects to the configured database, applies the schema and
// returns the job store with a function that closes the connection.
func OpenStore(ctx context.Context, cfg *config.DatabaseConfig, log *slog.Logger) (*storage.SQLStore, func() error, error) {
	var (
		store *storage.SQLStore
		close func() error
	)

	switch cfg.Driver {
	case config.DriverPostgres:
		client, err := postgresql.NewClient(&postgresql.Config{
			Host:            cfg.Host,
			Port:            cfg.Port,
			User:            cfg.User,
			Password:        cfg.Password,
			Database:        cfg.Database,
			SSLMode:         cfg.SSLMode,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		store = storage.NewSQLStore(client.GetDB(), log)
		close = client.Close
	case config.DriverSQLite:
		client, err := sqlite.NewClient(&sqlite.Config{Path: cfg.Path}, log)
		if err != nil {
			return nil, nil, err
		}
		store = storage.NewSQLStore(client.GetDB(), log)
		close = client.Close
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}

	if err := store.Migrate(ctx); err != nil {
		_ = close()
		return nil, nil, fmt.Errorf("failed to migrate job store: %w", err)
	}
	return store, close, nil
}

// NewRabbitClient connects to the broker and declares the task queue
func NewRabbitClient(cfg *config.RabbitMQConfig, log *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, log)
}

// NewOrchestrator builds the stage executors and the orchestrator driving them
func NewOrchestrator(cfg *config.PipelineConfig, store storage.Store, log *slog.Logger) (*pipeline.Orchestrator, error) {
	registry, err := executor.NewRegistryFromConfig(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to build stage executors: %w", err)
	}
	if err := registry.Validate(); err != nil {
		return nil, err
	}
	return pipeline.NewOrchestrator(store, registry, log), nil
}

// WorkerID returns the configured worker identity or derives one from the
// hostname.
func WorkerID(cfg *config.WorkerConfig) string {
	if cfg.ID != "" {
		return cfg.ID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// NewLocker returns the lock guarding against concurrent executions of a job
func NewLocker(cfg *config.WorkerConfig, store storage.Store, workerID string, log *slog.Logger) (dispatch.Locker, error) {
	switch cfg.Lock {
	case config.LockStore, "":
		return dispatch.NewStoreLocker(store, workerID, cfg.LeaseTTL, log), nil
	case config.LockFile:
		return dispatch.NewFileLocker(cfg.LockDir)
	default:
		return nil, fmt.Errorf("unsupported worker lock: %q", cfg.Lock)
	}
}

// NewPool wires a worker pool consuming source and driving orch
func NewPool(cfg *config.WorkerConfig, source dispatch.Source, orch *pipeline.Orchestrator, locker dispatch.Locker, workerID string, log *slog.Logger) *dispatch.Pool {
	return dispatch.NewPool(&dispatch.Config{
		Logger:          log,
		Source:          source,
		Handler:         orch,
		Locker:          locker,
		WorkerID:        workerID,
		Concurrency:     cfg.Concurrency,
		ShutdownTimeout: cfg.ShutdownTimeout,
	})
}
