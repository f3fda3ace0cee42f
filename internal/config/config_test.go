package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid yaml config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
		{
			name:      "malformed toml",
			filePath:  "testdata/malformed.toml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				// Verify some key fields are populated
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "dubbing_db", cfg.Database.Database)
				assert.Equal(t, "dubbing_exchange", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "dubbing_tasks", cfg.RabbitMQ.Queue.Name)
				assert.Equal(t, "dubbing-api-service", cfg.App.Name)
				assert.Equal(t, 45*time.Minute, cfg.Worker.LeaseTTL)
				assert.Equal(t, 2*time.Second, cfg.Events.PollInterval)
				assert.Equal(t, 15*time.Minute, cfg.Events.StaleAfter)
			}
		})
	}
}

func TestLoad_TOML(t *testing.T) {
	cfg, err := Load("testdata/valid_config.toml")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "/var/lib/dubbing/jobs.db", cfg.Database.Path)
	assert.Equal(t, DispatchMemory, cfg.Dispatch.Driver)
	assert.Equal(t, 3, cfg.Worker.Concurrency)
	assert.Equal(t, LockFile, cfg.Worker.Lock)
	assert.Equal(t, PolicyAssumeComplete, cfg.Pipeline.InterruptedStagePolicy)
	assert.Equal(t, 500*time.Millisecond, cfg.Events.PollInterval)

	stage := cfg.Pipeline.Stages["translation"]
	assert.Equal(t, "http://translate.internal:7100/run", stage.Endpoint)
	assert.Equal(t, 20*time.Minute, stage.Timeout)
	assert.Equal(t, "true", stage.Params["polish"])

	require.NoError(t, cfg.ValidateAPIConfig())
}

func TestConfig_ApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, DispatchRabbitMQ, cfg.Dispatch.Driver)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 4, cfg.RabbitMQ.Consumer.PrefetchCount)
	assert.Equal(t, LockStore, cfg.Worker.Lock)
	assert.Equal(t, ExecutorSimulate, cfg.Pipeline.Executor)
	assert.Equal(t, PolicyRerun, cfg.Pipeline.InterruptedStagePolicy)
	assert.Equal(t, 2*time.Second, cfg.Events.PollInterval)
	assert.Equal(t, 15*time.Minute, cfg.Events.StaleAfter)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_PASSWORD", "from-env")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Database.Password)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func validConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "dubbing_db",
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			Exchange: ExchangeConfig{Name: "dubbing_exchange"},
			Queue:    QueueConfig{Name: "dubbing_tasks"},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantErr   bool
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			wantErr:   true,
			errString: "database name is required",
		},
		{
			name:      "sqlite without path",
			mutate:    func(c *Config) { c.Database.Driver = DriverSQLite },
			wantErr:   true,
			errString: "database path is required",
		},
		{
			name:      "unknown database driver",
			mutate:    func(c *Config) { c.Database.Driver = "mysql" },
			wantErr:   true,
			errString: "unsupported database driver",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name:      "empty exchange name",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			wantErr:   true,
			errString: "rabbitmq exchange name is required",
		},
		{
			name:      "empty queue name",
			mutate:    func(c *Config) { c.RabbitMQ.Queue.Name = "" },
			wantErr:   true,
			errString: "rabbitmq queue name is required",
		},
		{
			name: "memory dispatch skips rabbitmq",
			mutate: func(c *Config) {
				c.Dispatch.Driver = DispatchMemory
				c.RabbitMQ = RabbitMQConfig{}
			},
		},
		{
			name: "memory dispatch validates embedded worker",
			mutate: func(c *Config) {
				c.Dispatch.Driver = DispatchMemory
				c.Worker.Lock = "zookeeper"
			},
			wantErr:   true,
			errString: "unsupported worker lock",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.ValidateAPIConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantErr   bool
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:      "negative concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = -1 },
			wantErr:   true,
			errString: "worker concurrency must be greater than 0",
		},
		{
			name:      "file lock without directory",
			mutate:    func(c *Config) { c.Worker.Lock = LockFile },
			wantErr:   true,
			errString: "worker lock_dir is required",
		},
		{
			name:      "remote executor without endpoints",
			mutate:    func(c *Config) { c.Pipeline.Executor = ExecutorRemote },
			wantErr:   true,
			errString: "pipeline stage cleanup needs an endpoint",
		},
		{
			name: "remote executor with base url",
			mutate: func(c *Config) {
				c.Pipeline.Executor = ExecutorRemote
				c.Pipeline.BaseURL = "http://stages:7000"
			},
		},
		{
			name:      "unknown interrupted stage policy",
			mutate:    func(c *Config) { c.Pipeline.InterruptedStagePolicy = "guess" },
			wantErr:   true,
			errString: "unsupported interrupted_stage_policy",
		},
		{
			name:      "non-positive stale threshold",
			mutate:    func(c *Config) { c.Events.StaleAfter = -time.Second },
			wantErr:   true,
			errString: "events stale_after must be greater than 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.ValidateWorkerConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NoError(t, cfg.ValidateAPIConfig())
		require.NoError(t, cfg.ValidateWorkerConfig())
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}
