package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Worker.Concurrency)
	assert.Equal(t, 5, cfg.Worker.PrefetchCount)
	assert.Equal(t, 3, cfg.Worker.MaxRetries)
	assert.Equal(t, 50, cfg.Delivery.RatePerSecond)
	assert.Equal(t, 0.5, cfg.Delivery.BreakerErrRate)
	assert.Equal(t, 3, cfg.Scheduler.PartitionsAhead)
	assert.Equal(t, 12, cfg.Scheduler.RetentionMonths)
	assert.Equal(t, 3600, cfg.Scheduler.EnqueueWindowSec)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  url: postgres://localhost/greetings
worker:
  concurrency: 12
delivery:
  email_service_url: https://email.example.com/send
  rate_per_second: 25
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/greetings", cfg.Database.URL)
	assert.Equal(t, 12, cfg.Worker.Concurrency)
	assert.Equal(t, 25, cfg.Delivery.RatePerSecond)
	assert.Equal(t, "https://email.example.com/send", cfg.Delivery.EmailServiceURL)
	assert.Equal(t, 3, cfg.Worker.MaxRetries, "unset fields still take defaults")
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env-host/greetings")
	t.Setenv("RABBITMQ_URL", "amqp://env-host:5672/")
	t.Setenv("WORKER_CONCURRENCY", "20")
	t.Setenv("SEND_RATE_PER_SECOND", "10")
	t.Setenv("CRON_PRECALC", "15 0 * * *")

	cfg, err := LoadFromEnv("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://env-host/greetings", cfg.Database.URL)
	assert.Equal(t, "amqp://env-host:5672/", cfg.Broker.URL)
	assert.Equal(t, 20, cfg.Worker.Concurrency)
	assert.Equal(t, 10, cfg.Delivery.RatePerSecond)
	assert.Equal(t, "15 0 * * *", cfg.Scheduler.PreCalcCron)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnvLegacyNames(t *testing.T) {
	t.Setenv("QUEUE_CONCURRENCY", "8")
	t.Setenv("QUEUE_MAX_RETRIES", "5")
	t.Setenv("QUEUE_RETRY_DELAY", "250")
	t.Setenv("QUEUE_RETRY_BACKOFF", "linear")
	t.Setenv("EMAIL_SERVICE_TIMEOUT", "15")
	t.Setenv("CRON_DAILY_SCHEDULE", "45 0 * * *")
	t.Setenv("CIRCUIT_BREAKER_ERROR_THRESHOLD", "50")

	cfg, err := LoadFromEnv("")
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 5, cfg.Worker.MaxRetries)
	assert.Equal(t, 250, cfg.Delivery.RetryDelayMS)
	assert.Equal(t, "linear", cfg.Delivery.RetryBackoff)
	assert.Equal(t, 15, cfg.Delivery.TimeoutSeconds)
	assert.Equal(t, "45 0 * * *", cfg.Scheduler.PreCalcCron)
	assert.Equal(t, 0.5, cfg.Delivery.BreakerErrRate, "percentages normalize to a ratio")
}

func TestLoadFromEnvRejectsBadBackoff(t *testing.T) {
	t.Setenv("QUEUE_RETRY_BACKOFF", "fibonacci")

	_, err := LoadFromEnv("")
	assert.Error(t, err)
}

func TestLoadFromEnvRejectsBadInt(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "lots")

	_, err := LoadFromEnv("")
	assert.Error(t, err)
}

func TestValidateRequiresURLs(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Error(t, cfg.Validate())

	cfg.Database.URL = "postgres://localhost/greetings"
	assert.Error(t, cfg.Validate())

	cfg.Broker.URL = "amqp://localhost:5672/"
	assert.NoError(t, cfg.Validate())
}
