package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuongbtq/dubbing-pipeline/internal/domain"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Dispatch drivers
const (
	DispatchRabbitMQ = "rabbitmq"
	DispatchMemory   = "memory"
)

// Worker lock modes
const (
	LockStore = "store"
	LockFile  = "file"
)

// Executor modes
const (
	ExecutorSimulate = "simulate"
	ExecutorRemote   = "remote"
)

// Interrupted-stage policies
const (
	PolicyRerun          = "rerun"
	PolicyAssumeComplete = "assume_complete"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Events   EventsConfig   `yaml:"events"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// DatabaseConfig holds job store connection configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Path            string        `yaml:"path"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// DispatchConfig selects the task queue implementation. The memory driver
// runs the worker pool inside the API process.
type DispatchConfig struct {
	Driver string `yaml:"driver"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	File         string `yaml:"file"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID              string        `yaml:"id"`
	Concurrency     int           `yaml:"concurrency"`
	Lock            string        `yaml:"lock"`
	LockDir         string        `yaml:"lock_dir"`
	LeaseTTL        time.Duration `yaml:"lease_ttl"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PipelineConfig holds stage executor configuration
type PipelineConfig struct {
	Executor               string                 `yaml:"executor"`
	SimulatedDelay         time.Duration          `yaml:"simulated_delay"`
	BaseURL                string                 `yaml:"base_url"`
	Stages                 map[string]StageConfig `yaml:"stages"`
	InterruptedStagePolicy string                 `yaml:"interrupted_stage_policy"`
}

// StageConfig holds per-stage executor settings keyed by stage key
type StageConfig struct {
	Endpoint string            `yaml:"endpoint"`
	Timeout  time.Duration     `yaml:"timeout"`
	Params   map[string]string `yaml:"params"`
}

// EventsConfig holds status stream and staleness settings
type EventsConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	StaleAfter   time.Duration `yaml:"stale_after"`
}

// Load reads and parses the configuration file. Files ending in .toml are
// decoded as TOML, everything else as YAML. Defaults fill unset fields and
// environment overrides are applied last.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(configPath), ".toml") {
		data, err = tomlToYAML(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	config.applyEnv()
	return &config, nil
}

// tomlToYAML re-encodes a TOML document as YAML so both formats share the
// yaml struct tags and duration strings like "2s".
func tomlToYAML(data []byte) ([]byte, error) {
	var doc map[string]interface{}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return yaml.Marshal(doc)
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	setString(&c.Database.Driver, DriverPostgres)
	setString(&c.Database.SSLMode, "disable")
	setString(&c.Dispatch.Driver, DispatchRabbitMQ)
	setString(&c.RabbitMQ.Exchange.Type, "direct")
	setInt(&c.RabbitMQ.Connection.RetryAttempts, 5)
	setDuration(&c.RabbitMQ.Connection.RetryInterval, 2*time.Second)
	setDuration(&c.RabbitMQ.Connection.Heartbeat, 10*time.Second)
	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "console")
	setString(&c.Logging.Output, "stdout")
	setString(&c.App.Name, "dubbing-pipeline")
	setDuration(&c.Server.ShutdownTimeout, 10*time.Second)
	setInt(&c.Worker.Concurrency, 4)
	setString(&c.Worker.Lock, LockStore)
	setDuration(&c.Worker.LeaseTTL, 30*time.Minute)
	setDuration(&c.Worker.ShutdownTimeout, 30*time.Second)
	setString(&c.Pipeline.Executor, ExecutorSimulate)
	setDuration(&c.Pipeline.SimulatedDelay, 2*time.Second)
	setString(&c.Pipeline.InterruptedStagePolicy, PolicyRerun)
	setDuration(&c.Events.PollInterval, 2*time.Second)
	setDuration(&c.Events.StaleAfter, 15*time.Minute)
	if c.RabbitMQ.Consumer.PrefetchCount <= 0 {
		c.RabbitMQ.Consumer.PrefetchCount = c.Worker.Concurrency
	}
}

// applyEnv lets deployments keep secrets out of the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("RABBITMQ_PASSWORD"); v != "" {
		c.RabbitMQ.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("WORKER_ID"); v != "" {
		c.Worker.ID = v
	}
}

// Validate checks settings shared by every process
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	switch c.Dispatch.Driver {
	case DispatchRabbitMQ:
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}
		if c.RabbitMQ.Queue.Name == "" {
			return fmt.Errorf("rabbitmq queue name is required")
		}
	case DispatchMemory:
	default:
		return fmt.Errorf("unsupported dispatch driver: %q", c.Dispatch.Driver)
	}

	if c.Events.PollInterval <= 0 {
		return fmt.Errorf("events poll_interval must be greater than 0")
	}
	if c.Events.StaleAfter <= 0 {
		return fmt.Errorf("events stale_after must be greater than 0")
	}
	return nil
}

// ValidateAPIConfig checks the API service configuration
func (c *Config) ValidateAPIConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}
	if c.Dispatch.Driver == DispatchMemory {
		return c.ValidateWorkerConfig()
	}
	return nil
}

// ValidateWorkerConfig checks the worker service configuration
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	switch c.Worker.Lock {
	case LockStore:
		if c.Worker.LeaseTTL <= 0 {
			return fmt.Errorf("worker lease_ttl must be greater than 0")
		}
	case LockFile:
		if c.Worker.LockDir == "" {
			return fmt.Errorf("worker lock_dir is required for file locks")
		}
	default:
		return fmt.Errorf("unsupported worker lock: %q", c.Worker.Lock)
	}

	switch c.Pipeline.Executor {
	case ExecutorSimulate:
	case ExecutorRemote:
		if c.Pipeline.BaseURL != "" {
			break
		}
		for _, stage := range domain.AllStages() {
			if c.Pipeline.Stages[stage.Key()].Endpoint == "" {
				return fmt.Errorf("pipeline stage %s needs an endpoint when base_url is empty", stage.Key())
			}
		}
	default:
		return fmt.Errorf("unsupported pipeline executor: %q", c.Pipeline.Executor)
	}

	switch c.Pipeline.InterruptedStagePolicy {
	case PolicyRerun, PolicyAssumeComplete:
	default:
		return fmt.Errorf("unsupported interrupted_stage_policy: %q", c.Pipeline.InterruptedStagePolicy)
	}

	return nil
}

func setString(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

func setInt(field *int, value int) {
	if *field == 0 {
		*field = value
	}
}

func setDuration(field *time.Duration, value time.Duration) {
	if *field == 0 {
		*field = value
	}
}
