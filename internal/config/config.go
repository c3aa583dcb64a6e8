// Package config loads service configuration from a YAML file with
// environment variable overrides. Secrets live in env vars (or a local
// .env); the YAML carries tunables that rarely change per environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for both deployments.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Broker    BrokerConfig    `yaml:"broker"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Redis     RedisConfig     `yaml:"redis"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Worker    WorkerConfig    `yaml:"worker"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// BrokerConfig holds the RabbitMQ connection settings.
type BrokerConfig struct {
	URL string `yaml:"url"`
}

// DeliveryConfig holds the delivery API client and envelope settings.
type DeliveryConfig struct {
	EmailServiceURL string  `yaml:"email_service_url"`
	TimeoutSeconds  int     `yaml:"timeout_seconds"`
	MaxRetries      int     `yaml:"max_retries"`
	RetryDelayMS    int     `yaml:"retry_delay_ms"`
	MaxDelayMS      int     `yaml:"max_delay_ms"`
	RetryBackoff    string  `yaml:"retry_backoff"` // "exponential" or "linear"
	RatePerSecond   int     `yaml:"rate_per_second"`
	BreakerErrRate  float64 `yaml:"breaker_error_rate"`
	BreakerVolume   int     `yaml:"breaker_volume"`
	BreakerResetSec int     `yaml:"breaker_reset_seconds"`
}

// RedisConfig holds the optional send-rate limiter backend. An empty URL
// disables the limiter.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// SchedulerConfig holds the cron specs and partition maintenance settings.
type SchedulerConfig struct {
	PreCalcCron      string `yaml:"precalc_cron"`
	EnqueueCron      string `yaml:"enqueue_cron"`
	RecoveryCron     string `yaml:"recovery_cron"`
	PartitionCron    string `yaml:"partition_cron"`
	PartitionsAhead  int    `yaml:"partitions_ahead"`
	RetentionMonths  int    `yaml:"retention_months"`
	EnqueueWindowSec int    `yaml:"enqueue_window_seconds"`
}

// WorkerConfig holds the consumer pool settings.
type WorkerConfig struct {
	Concurrency   int `yaml:"concurrency"`
	PrefetchCount int `yaml:"prefetch_count"`
	MaxRetries    int `yaml:"max_retries"`
}

// HTTPConfig holds the health/metrics listener settings.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// TimeoutDuration returns the per-attempt delivery timeout.
func (d DeliveryConfig) TimeoutDuration() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// Load reads and parses the configuration file. An empty path yields a
// config of pure defaults, for deployments driven entirely by env vars.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	// Set defaults
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 30
	}
	if cfg.Delivery.TimeoutSeconds == 0 {
		cfg.Delivery.TimeoutSeconds = 30
	}
	if cfg.Delivery.MaxRetries == 0 {
		cfg.Delivery.MaxRetries = 3
	}
	if cfg.Delivery.RetryDelayMS == 0 {
		cfg.Delivery.RetryDelayMS = 1000
	}
	if cfg.Delivery.MaxDelayMS == 0 {
		cfg.Delivery.MaxDelayMS = 30000
	}
	if cfg.Delivery.RetryBackoff == "" {
		cfg.Delivery.RetryBackoff = "exponential"
	}
	if cfg.Delivery.RatePerSecond == 0 {
		cfg.Delivery.RatePerSecond = 50
	}
	if cfg.Delivery.BreakerErrRate == 0 {
		cfg.Delivery.BreakerErrRate = 0.5
	}
	if cfg.Delivery.BreakerVolume == 0 {
		cfg.Delivery.BreakerVolume = 10
	}
	if cfg.Delivery.BreakerResetSec == 0 {
		cfg.Delivery.BreakerResetSec = 30
	}
	if cfg.Scheduler.PartitionsAhead == 0 {
		cfg.Scheduler.PartitionsAhead = 3
	}
	if cfg.Scheduler.RetentionMonths == 0 {
		cfg.Scheduler.RetentionMonths = 12
	}
	if cfg.Scheduler.EnqueueWindowSec == 0 {
		cfg.Scheduler.EnqueueWindowSec = 3600
	}
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 5
	}
	if cfg.Worker.PrefetchCount == 0 {
		cfg.Worker.PrefetchCount = 5
	}
	if cfg.Worker.MaxRetries == 0 {
		cfg.Worker.MaxRetries = 3
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file is loaded first if present, so local runs and container
// deployments use the same variable names.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("RABBITMQ_URL"); v != "" {
		cfg.Broker.URL = v
	}
	if v := os.Getenv("EMAIL_SERVICE_URL"); v != "" {
		cfg.Delivery.EmailServiceURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	// The cron schedules answer to two names each: the short ones and the
	// CRON_*_SCHEDULE set older deployments export.
	for _, name := range []string{"CRON_PRECALC", "CRON_DAILY_SCHEDULE"} {
		if v := os.Getenv(name); v != "" {
			cfg.Scheduler.PreCalcCron = v
		}
	}
	for _, name := range []string{"CRON_ENQUEUE", "CRON_MINUTE_SCHEDULE"} {
		if v := os.Getenv(name); v != "" {
			cfg.Scheduler.EnqueueCron = v
		}
	}
	for _, name := range []string{"CRON_RECOVERY", "CRON_RECOVERY_SCHEDULE"} {
		if v := os.Getenv(name); v != "" {
			cfg.Scheduler.RecoveryCron = v
		}
	}
	if v := os.Getenv("CRON_PARTITIONS"); v != "" {
		cfg.Scheduler.PartitionCron = v
	}

	var envErr error
	intVar := func(name string, dst *int) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			envErr = fmt.Errorf("invalid %s %q: %w", name, v, err)
			return
		}
		*dst = n
	}
	intVar("WORKER_CONCURRENCY", &cfg.Worker.Concurrency)
	intVar("QUEUE_CONCURRENCY", &cfg.Worker.Concurrency)
	intVar("PREFETCH_COUNT", &cfg.Worker.PrefetchCount)
	intVar("MAX_RETRIES", &cfg.Worker.MaxRetries)
	intVar("QUEUE_MAX_RETRIES", &cfg.Worker.MaxRetries)
	intVar("QUEUE_RETRY_DELAY", &cfg.Delivery.RetryDelayMS)
	intVar("SEND_RATE_PER_SECOND", &cfg.Delivery.RatePerSecond)
	intVar("DELIVERY_TIMEOUT_SECONDS", &cfg.Delivery.TimeoutSeconds)
	intVar("EMAIL_SERVICE_TIMEOUT", &cfg.Delivery.TimeoutSeconds)
	intVar("CIRCUIT_BREAKER_TIMEOUT", &cfg.Delivery.TimeoutSeconds)
	intVar("CIRCUIT_BREAKER_RESET_TIMEOUT", &cfg.Delivery.BreakerResetSec)
	intVar("CIRCUIT_BREAKER_VOLUME_THRESHOLD", &cfg.Delivery.BreakerVolume)
	intVar("PARTITIONS_AHEAD", &cfg.Scheduler.PartitionsAhead)
	intVar("RETENTION_MONTHS", &cfg.Scheduler.RetentionMonths)

	if v := os.Getenv("QUEUE_RETRY_BACKOFF"); v != "" {
		if v != "exponential" && v != "linear" {
			return nil, fmt.Errorf("invalid QUEUE_RETRY_BACKOFF %q: want exponential or linear", v)
		}
		cfg.Delivery.RetryBackoff = v
	}
	if v := os.Getenv("CIRCUIT_BREAKER_ERROR_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid CIRCUIT_BREAKER_ERROR_THRESHOLD %q: %w", v, err)
		}
		// Accept both a ratio (0.5) and a percentage (50).
		if f > 1 {
			f /= 100
		}
		cfg.Delivery.BreakerErrRate = f
	}

	if envErr != nil {
		return nil, envErr
	}

	return cfg, nil
}

// Validate checks the settings no deployment can run without.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("config: database url is required (DATABASE_URL)")
	}
	if c.Broker.URL == "" {
		return fmt.Errorf("config: broker url is required (RABBITMQ_URL)")
	}
	return nil
}
