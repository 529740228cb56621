package config

import (
	"time"

	"github.com/wb-go/wbf/config"
	"github.com/wb-go/wbf/zlog"
)

// Config holds the main configuration for the application.
type Config struct {
	Server   Server   `mapstructure:"server"`
	Storage  Storage  `mapstructure:"storage"`
	Pipeline Pipeline `mapstructure:"pipeline"`
	Kafka    Kafka    `mapstructure:"kafka"`
	Retry    Retry    `mapstructure:"retry"`
}

// Server holds HTTP server-related configuration.
type Server struct {
	HTTPPort string `mapstructure:"http_port"` // HTTP port to listen on
}

// Storage holds configuration for the artifact store backend.
type Storage struct {
	Endpoint   string `mapstructure:"endpoint"`    // MinIO endpoint
	AccessKey  string `mapstructure:"access_key"`  // Access key
	SecretKey  string `mapstructure:"secret_key"`  // Secret key
	BucketName string `mapstructure:"bucket_name"` // Bucket for inputs and outputs
	UseSSL     bool   `mapstructure:"use_ssl"`     // Whether to use TLS
}

// Pipeline holds the worker pool and retention settings. MaxConcurrency and
// PerJobTimeout have no defaults: they must be set explicitly.
type Pipeline struct {
	MaxConcurrency int           `mapstructure:"max_concurrency"` // global cap on running jobs
	PerJobTimeout  time.Duration `mapstructure:"per_job_timeout"` // deadline for one transform
	QueueCapacity  int           `mapstructure:"queue_capacity"`  // admission queue size
	Retention      time.Duration `mapstructure:"retention"`       // how long finished jobs are kept
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`  // how often expired jobs are collected
}

// Kafka holds configuration for the job event topic. Publishing is disabled
// when no brokers are configured.
type Kafka struct {
	Topic   string   `mapstructure:"topic"`   // Kafka topic name
	Brokers []string `mapstructure:"brokers"` // List of Kafka broker addresses
}

// Enabled reports whether event publishing is configured.
func (k Kafka) Enabled() bool {
	return len(k.Brokers) > 0
}

// Retry defines retry policy configuration.
type Retry struct {
	Attempts int           `mapstructure:"attempts"` // Number of retry attempts
	Delay    time.Duration `mapstructure:"delay"`    // Initial delay between retries
	Backoff  float64       `mapstructure:"backoff"`  // Backoff multiplier for delays
}

// MustLoad loads the configuration from the specified file path.
// It panics if the configuration file cannot be loaded, unmarshaled,
// or is missing the required pipeline settings.
func MustLoad(path string) *Config {
	c := config.New()

	if err := c.Load(path); err != nil {
		zlog.Logger.Panic().Err(err).Msg("failed to load config")
	}

	var cfg Config
	if err := c.Unmarshal(&cfg); err != nil {
		zlog.Logger.Panic().Err(err).Msg("failed to unmarshal config")
	}

	if cfg.Pipeline.MaxConcurrency <= 0 {
		zlog.Logger.Panic().Msg("pipeline.max_concurrency must be set to a positive value")
	}
	if cfg.Pipeline.PerJobTimeout <= 0 {
		zlog.Logger.Panic().Msg("pipeline.per_job_timeout must be set to a positive duration")
	}

	return &cfg
}
