// Package config provides configuration management for the listing tracker.
// It loads configuration from environment variables and an optional .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Event sinks
const (
	SinkRedis      = "redis"
	SinkKafka      = "kafka"
	SinkClickHouse = "clickhouse"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Store     StoreConfig
	Cache     CacheConfig
	Dedup     DedupConfig
	Pricing   PricingConfig
	Events    EventsConfig
	Ingest    IngestConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string
	Host         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
	MigrationsPath string
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MigrationsPath string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// StoreConfig selects the listing repository backend
type StoreConfig struct {
	Backend     string
	LockStripes int
}

// CacheConfig holds the Redis read cache configuration for listing records.
// A zero TTL disables the cache.
type CacheConfig struct {
	TTL       time.Duration
	KeyPrefix string
}

// DedupConfig tunes cross-ad duplicate search
type DedupConfig struct {
	// YearBand is the maximum year difference for two snapshots to be compatible
	YearBand int
}

// PricingConfig holds pricing advisor configuration.
// An empty AdvisorURL selects the in-process baseline advisor.
type PricingConfig struct {
	AdvisorURL    string
	Timeout       time.Duration
	FloorPrice    float64
	DefaultPrice  float64
	RetryAttempts int

	// RequestsPerSecond bounds outbound advisor calls; zero means unlimited
	RequestsPerSecond float64

	// Budget shares an advisor call budget between processes through Redis
	Budget AdvisorBudgetConfig
}

// AdvisorBudgetConfig holds the cross-process advisor call budget. A zero
// Total disables it.
type AdvisorBudgetConfig struct {
	Total    int
	Reserved int
	Window   time.Duration
	MaxWait  time.Duration
}

// EventsConfig holds outbound listing event configuration
type EventsConfig struct {
	Sinks             []string
	RedisStream       string
	RedisStreamMaxLen int64
	Kafka             KafkaConfig
}

// KafkaConfig holds Kafka broker and topic configuration
type KafkaConfig struct {
	Brokers          []string
	ListingTopic     string
	ObservationTopic string
	GroupID          string
}

// IngestConfig holds batch ingestion configuration
type IngestConfig struct {
	Workers   int
	BatchSize int
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "listings"),
				User:           getEnv("POSTGRES_USER", "listings"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
				MigrationsPath: getEnv("POSTGRES_MIGRATIONS_PATH", "migrations/postgres"),
			},
			ClickHouse: ClickHouseConfig{
				Host:           getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:           getEnv("CLICKHOUSE_PORT", "9000"),
				Database:       getEnv("CLICKHOUSE_DB", "listings"),
				User:           getEnv("CLICKHOUSE_USER", "default"),
				Password:       getEnv("CLICKHOUSE_PASSWORD", ""),
				MigrationsPath: getEnv("CLICKHOUSE_MIGRATIONS_PATH", "migrations/clickhouse"),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Store: StoreConfig{
			Backend:     strings.ToLower(getEnv("STORE_BACKEND", BackendMemory)),
			LockStripes: getEnvAsInt("STORE_LOCK_STRIPES", 64),
		},
		Cache: CacheConfig{
			TTL:       getEnvAsDuration("CACHE_TTL", 30*time.Second),
			KeyPrefix: getEnv("CACHE_KEY_PREFIX", "listing:"),
		},
		Dedup: DedupConfig{
			YearBand: getEnvAsInt("DEDUP_YEAR_BAND", 1),
		},
		Pricing: PricingConfig{
			AdvisorURL:    getEnv("PRICING_ADVISOR_URL", ""),
			Timeout:       getEnvAsDuration("PRICING_TIMEOUT", 5*time.Second),
			FloorPrice:    getEnvAsFloat("PRICING_FLOOR_PRICE", 500),
			DefaultPrice:  getEnvAsFloat("PRICING_DEFAULT_PRICE", 10000),
			RetryAttempts: getEnvAsInt("PRICING_RETRY_ATTEMPTS", 3),

			RequestsPerSecond: getEnvAsFloat("PRICING_RPS", 20),
			Budget: AdvisorBudgetConfig{
				Total:    getEnvAsInt("PRICING_BUDGET_TOTAL", 0),
				Reserved: getEnvAsInt("PRICING_BUDGET_RESERVED", 0),
				Window:   getEnvAsDuration("PRICING_BUDGET_WINDOW", time.Second),
				MaxWait:  getEnvAsDuration("PRICING_BUDGET_MAX_WAIT", 5*time.Second),
			},
		},
		Events: EventsConfig{
			Sinks:             getEnvAsList("EVENTS_SINKS", nil),
			RedisStream:       getEnv("EVENTS_REDIS_STREAM", "listing-events"),
			RedisStreamMaxLen: int64(getEnvAsInt("EVENTS_REDIS_STREAM_MAXLEN", 100000)),
			Kafka: KafkaConfig{
				Brokers:          getEnvAsList("KAFKA_BROKERS", []string{"localhost:9092"}),
				ListingTopic:     getEnv("KAFKA_LISTING_TOPIC", "listing-events"),
				ObservationTopic: getEnv("KAFKA_OBSERVATION_TOPIC", "listing-observations"),
				GroupID:          getEnv("KAFKA_GROUP_ID", "listing-ingest"),
			},
		},
		Ingest: IngestConfig{
			Workers:   getEnvAsInt("INGEST_WORKERS", 8),
			BatchSize: getEnvAsInt("INGEST_BATCH_SIZE", 100),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("RATE_LIMIT_RPS", 50),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 100),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects unknown backends, unknown sinks and impossible sizes
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend)
	}

	for _, sink := range c.Events.Sinks {
		switch sink {
		case SinkRedis, SinkKafka, SinkClickHouse:
		default:
			return fmt.Errorf("unknown event sink %q", sink)
		}
	}

	if c.Store.LockStripes <= 0 {
		return fmt.Errorf("STORE_LOCK_STRIPES must be positive, got %d", c.Store.LockStripes)
	}
	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("INGEST_WORKERS must be positive, got %d", c.Ingest.Workers)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("CACHE_TTL must not be negative, got %v", c.Cache.TTL)
	}
	if c.Dedup.YearBand < 0 {
		return fmt.Errorf("DEDUP_YEAR_BAND must not be negative, got %d", c.Dedup.YearBand)
	}
	if b := c.Pricing.Budget; b.Total < 0 || b.Reserved < 0 || b.Reserved > b.Total {
		return fmt.Errorf("PRICING_BUDGET_RESERVED must be within [0, PRICING_BUDGET_TOTAL], got %d of %d", b.Reserved, b.Total)
	}
	if c.Pricing.FloorPrice <= 0 {
		return fmt.Errorf("PRICING_FLOOR_PRICE must be positive, got %v", c.Pricing.FloorPrice)
	}
	return nil
}

// HasSink reports whether the named event sink is enabled
func (c *Config) HasSink(name string) bool {
	for _, s := range c.Events.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

// PostgresURL returns the connection URL used by pgx and golang-migrate
func (c PostgresConfig) PostgresURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
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

// getEnvAsList splits a comma separated variable, dropping empty items
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var items []string
	for _, item := range strings.Split(valueStr, ",") {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}
