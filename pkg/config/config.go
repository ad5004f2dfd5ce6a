package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/flowmesh-go/pkg/logger"
)

// Config is the process-level configuration for the execution core.
type Config struct {
	Engine EngineConfig  `mapstructure:"engine"`
	Queue  QueueConfig   `mapstructure:"queue"`
	State  StateConfig   `mapstructure:"state"`
	Redis  RedisConfig   `mapstructure:"redis"`
	Kafka  KafkaConfig   `mapstructure:"kafka"`
	Logger logger.Config `mapstructure:"logger"`
}

type EngineConfig struct {
	DefaultTimeout     time.Duration `mapstructure:"default_timeout"`
	MaxNodeConcurrency int           `mapstructure:"max_node_concurrency"`
	DefaultMaxAttempts int           `mapstructure:"default_max_attempts"`
	InitialInterval    time.Duration `mapstructure:"initial_interval"`
	BackoffMultiplier  float64       `mapstructure:"backoff_multiplier"`
}

type QueueConfig struct {
	Workers           int           `mapstructure:"workers"`
	WorkerConcurrency int           `mapstructure:"worker_concurrency"`
	MaxQueueSize      int           `mapstructure:"max_queue_size"`
	DefaultRetries    int           `mapstructure:"default_retries"`
	DefaultRetryDelay time.Duration `mapstructure:"default_retry_delay"`
	DispatchRate      float64       `mapstructure:"dispatch_rate"`
	PersistJobs       bool          `mapstructure:"persist_jobs"`
	EnableDeadLetter  bool          `mapstructure:"enable_dead_letter"`
}

type StateConfig struct {
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	MaxSnapshots     int           `mapstructure:"max_snapshots"`
	Compress         bool          `mapstructure:"compress"`
	Backend          string        `mapstructure:"backend"` // memory, redis, sqlite
	SQLitePath       string        `mapstructure:"sqlite_path"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type KafkaConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Brokers       []string `mapstructure:"brokers"`
	Topic         string   `mapstructure:"topic"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
}

// Load reads configuration from file and FLOWMESH_* environment
// variables, falling back to defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("FLOWMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine; env and defaults still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.default_timeout", "5m")
	v.SetDefault("engine.max_node_concurrency", 8)
	v.SetDefault("engine.default_max_attempts", 1)
	v.SetDefault("engine.initial_interval", "1s")
	v.SetDefault("engine.backoff_multiplier", 2.0)

	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.worker_concurrency", 1)
	v.SetDefault("queue.max_queue_size", 10000)
	v.SetDefault("queue.default_retries", 0)
	v.SetDefault("queue.default_retry_delay", "1s")
	v.SetDefault("queue.dispatch_rate", 100.0)
	v.SetDefault("queue.persist_jobs", false)
	v.SetDefault("queue.enable_dead_letter", true)

	v.SetDefault("state.snapshot_interval", "30s")
	v.SetDefault("state.max_snapshots", 20)
	v.SetDefault("state.compress", true)
	v.SetDefault("state.backend", "memory")
	v.SetDefault("state.sqlite_path", "flowmesh.db")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "flowmesh.events")
	v.SetDefault("kafka.consumer_group", "flowmesh")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.add_caller", true)
}
