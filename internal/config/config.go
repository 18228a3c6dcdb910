package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/muaviaUsmani/chatqueue/internal/logger"
)

// Config holds all configuration for the engine, per spec §6's
// Configuration surface extended with the ambient concerns SPEC_FULL §10.3
// names.
type Config struct {
	// RedisURL is the connection URL for Redis
	RedisURL string
	// Environment is "production" or any other value; gates
	// ENABLE_QUEUE_TESTS's synthetic probe job to non-production.
	Environment string
	// QueueName namespaces every Redis key this engine instance touches,
	// so multiple engines may share one Redis (spec §6).
	QueueName string
	// APIPort is the port the health/admin HTTP surface listens on
	APIPort string
	// JobTimeout is the maximum time a job can run
	JobTimeout time.Duration
	// MaxRetries is the default maximum number of retry attempts for failed jobs
	MaxRetries int
	// DefaultBackoffBaseMs is the base delay for exponential retry backoff
	// applied to jobs whose enqueue options don't name one.
	DefaultBackoffBaseMs int64
	// CronSchedulerEnabled enables the periodic cron scheduler
	CronSchedulerEnabled bool
	// CronSchedulerInterval is the interval at which the cron scheduler checks for due schedules
	CronSchedulerInterval time.Duration
	// ResultBackendEnabled enables storing job results
	ResultBackendEnabled bool
	// ResultBackendTTLSuccess is the TTL for successful job results
	ResultBackendTTLSuccess time.Duration
	// ResultBackendTTLFailure is the TTL for failed job results
	ResultBackendTTLFailure time.Duration

	// PollIntervalMs is the Polling Fallback Loop's base tick interval.
	PollIntervalMs int64
	// QueueHealthIntervalMs is the Queue Health timer's period.
	QueueHealthIntervalMs int64
	// WorkerHealthIntervalMs is the Worker Health timer's period.
	WorkerHealthIntervalMs int64
	// ShutdownDeadlineMs bounds how long the Lifecycle Supervisor waits
	// for active jobs to drain during shutdown.
	ShutdownDeadlineMs int64
	// CircuitBreakerFailureThreshold is the default consecutive-failure
	// count before a breaker opens.
	CircuitBreakerFailureThreshold int
	// CircuitBreakerResetMs is the default reset timeout before an open
	// breaker probes again.
	CircuitBreakerResetMs int64
	// EnableQueueTests injects a synthetic probe job one second after
	// initialization, per spec §6, when true and Environment is not
	// "production".
	EnableQueueTests bool
	// RetentionMs is how long a completed or failed job is kept before the
	// initial startup sweep and the periodic retention-sweep cron job are
	// allowed to purge it (SPEC_FULL §12). Must stay well above both sweep
	// intervals, or a job can be purged before anyone gets to inspect it.
	RetentionMs int64

	// Logging configuration
	Logging *logger.Config
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:                       getEnv("REDIS_URL", "redis://localhost:6379"),
		Environment:                    getEnv("ENVIRONMENT", "development"),
		QueueName:                      getEnv("QUEUE_NAME", "chatqueue"),
		APIPort:                        getEnv("API_PORT", "8080"),
		JobTimeout:                     getEnvAsDuration("JOB_TIMEOUT", 5*time.Minute),
		MaxRetries:                     getEnvAsInt("MAX_RETRIES", 3),
		DefaultBackoffBaseMs:           getEnvAsInt64("DEFAULT_BACKOFF_BASE_MS", 2000),
		CronSchedulerEnabled:           getEnvAsBool("CRON_SCHEDULER_ENABLED", true),
		CronSchedulerInterval:          getEnvAsDuration("CRON_SCHEDULER_INTERVAL", 1*time.Second),
		ResultBackendEnabled:           getEnvAsBool("RESULT_BACKEND_ENABLED", true),
		ResultBackendTTLSuccess:        getEnvAsDuration("RESULT_BACKEND_TTL_SUCCESS", 1*time.Hour),
		ResultBackendTTLFailure:        getEnvAsDuration("RESULT_BACKEND_TTL_FAILURE", 24*time.Hour),
		PollIntervalMs:                 getEnvAsInt64("POLL_INTERVAL_MS", 5000),
		QueueHealthIntervalMs:          getEnvAsInt64("QUEUE_HEALTH_INTERVAL_MS", 30000),
		WorkerHealthIntervalMs:         getEnvAsInt64("WORKER_HEALTH_INTERVAL_MS", 60000),
		ShutdownDeadlineMs:             getEnvAsInt64("SHUTDOWN_DEADLINE_MS", 30000),
		CircuitBreakerFailureThreshold: getEnvAsInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD", 5),
		CircuitBreakerResetMs:          getEnvAsInt64("CIRCUIT_BREAKER_RESET_MS", 60000),
		EnableQueueTests:               getEnvAsBool("ENABLE_QUEUE_TESTS", false),
		RetentionMs:                    getEnvAsInt64("RETENTION_MS", 24*int64(time.Hour/time.Millisecond)),
		Logging:                        loadLoggingConfig(),
	}

	// Validate required fields
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL cannot be empty")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QUEUE_NAME cannot be empty")
	}
	if cfg.APIPort == "" {
		return nil, fmt.Errorf("API_PORT cannot be empty")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("MAX_RETRIES cannot be negative")
	}
	if cfg.DefaultBackoffBaseMs <= 0 {
		return nil, fmt.Errorf("DEFAULT_BACKOFF_BASE_MS must be positive")
	}
	if cfg.PollIntervalMs <= 0 {
		return nil, fmt.Errorf("POLL_INTERVAL_MS must be positive")
	}
	if cfg.ShutdownDeadlineMs <= 0 {
		return nil, fmt.Errorf("SHUTDOWN_DEADLINE_MS must be positive")
	}
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		return nil, fmt.Errorf("CIRCUIT_BREAKER_FAILURE_THRESHOLD must be positive")
	}
	if cfg.RetentionMs <= 0 {
		return nil, fmt.Errorf("RETENTION_MS must be positive")
	}

	// Validate logging config
	if err := cfg.Logging.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}

	return cfg, nil
}

// IsProduction reports whether this config targets production, gating
// ENABLE_QUEUE_TESTS's synthetic probe job per spec §6.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 retrieves an environment variable as an int64 or returns a default value
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration retrieves an environment variable as a duration or returns a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsStringSlice retrieves an environment variable as a comma-separated list
func getEnvAsStringSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

// loadLoggingConfig loads logging configuration from environment variables
func loadLoggingConfig() *logger.Config {
	cfg := logger.DefaultConfig()

	// Global settings
	if level := getEnv("LOG_LEVEL", ""); level != "" {
		cfg.Level = logger.LogLevel(level)
	}
	if format := getEnv("LOG_FORMAT", ""); format != "" {
		cfg.Format = logger.LogFormat(format)
	}

	// Tier 1: Console
	cfg.Console.Enabled = getEnvAsBool("LOG_CONSOLE_ENABLED", true)
	cfg.Console.Color = getEnvAsBool("LOG_COLOR", true)
	cfg.Console.BufferSize = getEnvAsInt("LOG_CONSOLE_BUFFER_SIZE", 65536)
	cfg.Console.FlushInterval = getEnvAsDuration("LOG_CONSOLE_FLUSH_INTERVAL", 100*time.Millisecond)

	// Tier 2: File
	cfg.File.Enabled = getEnvAsBool("LOG_FILE_ENABLED", false)
	cfg.File.Path = getEnv("LOG_FILE_PATH", "/var/log/chatqueue/chatqueue.log")
	cfg.File.MaxSizeMB = getEnvAsInt("LOG_FILE_MAX_SIZE_MB", 100)
	cfg.File.MaxBackups = getEnvAsInt("LOG_FILE_MAX_BACKUPS", 5)
	cfg.File.MaxAgeDays = getEnvAsInt("LOG_FILE_MAX_AGE_DAYS", 30)
	cfg.File.Compress = getEnvAsBool("LOG_FILE_COMPRESS", true)
	cfg.File.BufferSize = getEnvAsInt("LOG_FILE_BUFFER_SIZE", 10000)
	cfg.File.BatchSize = getEnvAsInt("LOG_FILE_BATCH_SIZE", 100)
	cfg.File.BatchInterval = getEnvAsDuration("LOG_FILE_BATCH_INTERVAL", 100*time.Millisecond)

	// Tier 3: Elasticsearch
	cfg.Elasticsearch.Enabled = getEnvAsBool("LOG_ES_ENABLED", false)
	cfg.Elasticsearch.Mode = getEnv("LOG_ES_MODE", "self-managed")

	// Self-managed mode
	cfg.Elasticsearch.Addresses = getEnvAsStringSlice("LOG_ES_ADDRESSES", []string{"http://localhost:9200"})
	cfg.Elasticsearch.Username = getEnv("LOG_ES_USERNAME", "")
	cfg.Elasticsearch.Password = getEnv("LOG_ES_PASSWORD", "")

	// Cloud mode
	cfg.Elasticsearch.CloudID = getEnv("LOG_ES_CLOUD_ID", "")
	cfg.Elasticsearch.APIKey = getEnv("LOG_ES_API_KEY", "")

	// Common ES settings
	cfg.Elasticsearch.IndexPrefix = getEnv("LOG_ES_INDEX_PREFIX", "chatqueue-logs")
	cfg.Elasticsearch.BulkSize = getEnvAsInt("LOG_ES_BULK_SIZE", 100)
	cfg.Elasticsearch.FlushInterval = getEnvAsDuration("LOG_ES_FLUSH_INTERVAL", 5*time.Second)
	cfg.Elasticsearch.Workers = getEnvAsInt("LOG_ES_WORKERS", 2)
	cfg.Elasticsearch.MaxRetries = getEnvAsInt("LOG_ES_MAX_RETRIES", 3)
	cfg.Elasticsearch.RetryBackoff = getEnvAsDuration("LOG_ES_RETRY_BACKOFF", 1*time.Second)
	cfg.Elasticsearch.CircuitBreaker = getEnvAsBool("LOG_ES_CIRCUIT_BREAKER", true)
	cfg.Elasticsearch.FailureThreshold = getEnvAsInt("LOG_ES_FAILURE_THRESHOLD", 5)
	cfg.Elasticsearch.ResetTimeout = getEnvAsDuration("LOG_ES_RESET_TIMEOUT", 30*time.Second)

	return cfg
}

