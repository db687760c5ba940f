// Package config provides configuration management for the sync service.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Stripe   StripeConfig
	Notion   NotionConfig
	Backfill BackfillConfig
	Steps    StepConfig
	Logging  LoggingConfig
	Metrics  MetricsConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port         string
	Host         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// AdminToken guards the account management API. Empty disables the check.
	AdminToken string
	// EmbeddedWorkers is the number of tick workers started inside the server process
	EmbeddedWorkers int
	// RequestsPerSecond limits management API calls per client
	RequestsPerSecond int
	ShutdownTimeout   time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig
	Redis    RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
	SSLMode        string
}

// DSN returns a postgres connection URL
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// StripeConfig holds payments platform configuration
type StripeConfig struct {
	APIKey               string
	TestAPIKey           string
	BaseURL              string
	WebhookSecret        string
	BillingWebhookSecret string
	SignatureTolerance   time.Duration
	RequestTimeout       time.Duration
}

// NotionConfig holds workspace platform configuration
type NotionConfig struct {
	BaseURL        string
	APIVersion     string
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RequestTimeout time.Duration
	// RequestsPerSecond is the per-token budget shared by all processes
	RequestsPerSecond int
	// ReservedPerSecond is the part of the budget kept for webhook traffic
	ReservedPerSecond int
}

// BackfillConfig holds backfill configuration
type BackfillConfig struct {
	PageSize          int
	RecordConcurrency int
	TickWorkers       int
	StatusTTL         time.Duration
	Queue             string // "redis" or "local"
}

// StepConfig holds durable step execution configuration
type StepConfig struct {
	CacheTTL     time.Duration
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env file is optional - environment variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:              getEnv("SERVER_PORT", "8080"),
			Host:              getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:       getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:      getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			AdminToken:        getEnv("ADMIN_TOKEN", ""),
			EmbeddedWorkers:   getEnvAsInt("SERVER_EMBEDDED_WORKERS", 2),
			RequestsPerSecond: getEnvAsInt("SERVER_REQUESTS_PER_SECOND", 10),
			ShutdownTimeout:   getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "stripe_notion_sync"),
				User:           getEnv("POSTGRES_USER", "sync"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
				SSLMode:        getEnv("POSTGRES_SSLMODE", "disable"),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
		},
		Stripe: StripeConfig{
			APIKey:               getEnv("STRIPE_API_KEY", ""),
			TestAPIKey:           getEnv("STRIPE_TEST_API_KEY", ""),
			BaseURL:              getEnv("STRIPE_BASE_URL", "https://api.stripe.com"),
			WebhookSecret:        getEnv("STRIPE_WEBHOOK_SECRET", ""),
			BillingWebhookSecret: getEnv("STRIPE_BILLING_WEBHOOK_SECRET", ""),
			SignatureTolerance:   getEnvAsDuration("STRIPE_SIGNATURE_TOLERANCE", 5*time.Minute),
			RequestTimeout:       getEnvAsDuration("STRIPE_REQUEST_TIMEOUT", 30*time.Second),
		},
		Notion: NotionConfig{
			BaseURL:           getEnv("NOTION_BASE_URL", "https://api.notion.com"),
			APIVersion:        getEnv("NOTION_API_VERSION", "2022-06-28"),
			MaxRetries:        getEnvAsInt("NOTION_MAX_RETRIES", 5),
			BaseDelay:         getEnvAsDuration("NOTION_BASE_DELAY", 500*time.Millisecond),
			MaxDelay:          getEnvAsDuration("NOTION_MAX_DELAY", 30*time.Second),
			RequestTimeout:    getEnvAsDuration("NOTION_REQUEST_TIMEOUT", 30*time.Second),
			RequestsPerSecond: getEnvAsInt("NOTION_REQUESTS_PER_SECOND", 3),
			ReservedPerSecond: getEnvAsInt("NOTION_RESERVED_PER_SECOND", 1),
		},
		Backfill: BackfillConfig{
			PageSize:          getEnvAsInt("BACKFILL_PAGE_SIZE", 10),
			RecordConcurrency: getEnvAsInt("BACKFILL_RECORD_CONCURRENCY", 3),
			TickWorkers:       getEnvAsInt("BACKFILL_TICK_WORKERS", 4),
			StatusTTL:         getEnvAsDuration("BACKFILL_STATUS_TTL", 30*24*time.Hour),
			Queue:             strings.ToLower(getEnv("BACKFILL_QUEUE", "redis")),
		},
		Steps: StepConfig{
			CacheTTL:     getEnvAsDuration("STEP_CACHE_TTL", 7*24*time.Hour),
			MaxAttempts:  getEnvAsInt("STEP_MAX_ATTEMPTS", 4),
			InitialDelay: getEnvAsDuration("STEP_INITIAL_DELAY", 2*time.Second),
			MaxDelay:     getEnvAsDuration("STEP_MAX_DELAY", time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects values the service cannot run with
func (c *Config) Validate() error {
	if c.Backfill.PageSize < 1 || c.Backfill.PageSize > 100 {
		return fmt.Errorf("BACKFILL_PAGE_SIZE must be between 1 and 100, got %d", c.Backfill.PageSize)
	}
	if c.Backfill.RecordConcurrency < 1 {
		return fmt.Errorf("BACKFILL_RECORD_CONCURRENCY must be positive, got %d", c.Backfill.RecordConcurrency)
	}
	if c.Backfill.Queue != "redis" && c.Backfill.Queue != "local" {
		return fmt.Errorf("BACKFILL_QUEUE must be 'redis' or 'local', got %q", c.Backfill.Queue)
	}
	if c.Notion.MaxRetries < 0 {
		return fmt.Errorf("NOTION_MAX_RETRIES must not be negative, got %d", c.Notion.MaxRetries)
	}
	if c.Notion.RequestsPerSecond < 1 {
		return fmt.Errorf("NOTION_REQUESTS_PER_SECOND must be positive, got %d", c.Notion.RequestsPerSecond)
	}
	if c.Notion.ReservedPerSecond >= c.Notion.RequestsPerSecond {
		return fmt.Errorf("NOTION_RESERVED_PER_SECOND (%d) must be below NOTION_REQUESTS_PER_SECOND (%d)",
			c.Notion.ReservedPerSecond, c.Notion.RequestsPerSecond)
	}
	if c.Steps.MaxAttempts < 1 {
		return fmt.Errorf("STEP_MAX_ATTEMPTS must be positive, got %d", c.Steps.MaxAttempts)
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
