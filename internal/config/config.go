// Package config provides configuration management for the wallet cluster engine.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	NATS       NATSConfig
	Cache      CacheConfig
	Source     SourceConfig
	Clustering ClusteringConfig
	Risk       RiskConfig
	Job        JobConfig
	Profile    ProfileConfig
	RateLimit  RateLimitConfig
	Logging    LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           string
	Host           string
	AllowedOrigins []string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration for the job archive
type PostgresConfig struct {
	Enabled        bool
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the connection URL used by golang-migrate
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration for the transaction source
type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Database string
	User     string
	Password string
	Table    string
}

// RedisConfig holds Redis configuration for the result cache
type RedisConfig struct {
	Enabled        bool
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// NATSConfig holds the optional job-event sink configuration.
// An empty URL disables the sink.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	TTL       time.Duration
	KeyPrefix string
}

// SourceConfig guards calls into the transaction source
type SourceConfig struct {
	RetryAttempts    int
	RetryInitial     time.Duration
	BreakerFailures  int
	BreakerThreshold float64
	BreakerTimeout   time.Duration

	// query budget shared by every instance when Redis is enabled
	BudgetEnabled  bool
	BudgetTotal    int
	BudgetReserved int
	BudgetWindow   time.Duration
	BudgetMaxWait  time.Duration
}

// ClusteringConfig holds clustering engine parameters
type ClusteringConfig struct {
	SimhashThreshold  int
	RelaxedThreshold  int
	MinClusterSize    int
	HybridThreshold   float64
	FingerprintWeight float64
	ShallowHops       int
	MediumHops        int
	DeepHops          int
}

// RiskConfig holds risk scorer parameters
type RiskConfig struct {
	SizeWeight           float64
	SimilarityWeight     float64
	TemporalWeight       float64
	AddressPatternWeight float64
	LargeClusterSize     int
	FactorThreshold      float64
	TemporalBucket       time.Duration
	SeverityFloor        int
}

// JobConfig holds batch job orchestration parameters
type JobConfig struct {
	Workers         int
	MaxConcurrent   int
	Timeout         time.Duration
	ResultTTL       time.Duration
	JanitorInterval time.Duration
	EventBuffer     int
	MaxAddresses    int
}

// ProfileConfig holds wallet profile parameters
type ProfileConfig struct {
	MaxSamples      int
	MinTransactions int
	StoreCapacity   int
	MaxAge          time.Duration // reference profiles older than this are refetched; 0 follows CACHE_TTL
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
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:           getEnv("SERVER_PORT", "8080"),
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			AllowedOrigins: getEnvAsList("SERVER_ALLOWED_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Enabled:        getEnvAsBool("POSTGRES_ENABLED", false),
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "wallet_clusters"),
				User:           getEnv("POSTGRES_USER", "clusters"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 4),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "wallet_clusters"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
				Table:    getEnv("CLICKHOUSE_TX_TABLE", "wallet_transactions"),
			},
			Redis: RedisConfig{
				Enabled:        getEnvAsBool("REDIS_ENABLED", false),
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 50),
			},
		},
		NATS: NATSConfig{
			URL:           getEnv("NATS_URL", ""),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "clusters.jobs"),
		},
		Cache: CacheConfig{
			TTL:       getEnvAsDuration("CACHE_TTL", time.Hour),
			KeyPrefix: getEnv("CACHE_KEY_PREFIX", "wallet_cluster"),
		},
		Source: SourceConfig{
			RetryAttempts:    getEnvAsInt("SOURCE_RETRY_ATTEMPTS", 3),
			RetryInitial:     getEnvAsDuration("SOURCE_RETRY_INITIAL", 200*time.Millisecond),
			BreakerFailures:  getEnvAsInt("SOURCE_BREAKER_FAILURES", 10),
			BreakerThreshold: getEnvAsFloat("SOURCE_BREAKER_THRESHOLD", 0.5),
			BreakerTimeout:   getEnvAsDuration("SOURCE_BREAKER_TIMEOUT", 30*time.Second),
			BudgetEnabled:    getEnvAsBool("SOURCE_BUDGET_ENABLED", false),
			BudgetTotal:      getEnvAsInt("SOURCE_BUDGET_TOTAL", 200),
			BudgetReserved:   getEnvAsInt("SOURCE_BUDGET_RESERVED", 80),
			BudgetWindow:     getEnvAsDuration("SOURCE_BUDGET_WINDOW", time.Second),
			BudgetMaxWait:    getEnvAsDuration("SOURCE_BUDGET_MAX_WAIT", 30*time.Second),
		},
		Clustering: ClusteringConfig{
			SimhashThreshold:  getEnvAsInt("CLUSTER_SIMHASH_THRESHOLD", 3),
			RelaxedThreshold:  getEnvAsInt("CLUSTER_RELAXED_THRESHOLD", 6),
			MinClusterSize:    getEnvAsInt("CLUSTER_MIN_SIZE", 2),
			HybridThreshold:   getEnvAsFloat("CLUSTER_HYBRID_THRESHOLD", 0.7),
			FingerprintWeight: getEnvAsFloat("CLUSTER_FINGERPRINT_WEIGHT", 0.5),
			ShallowHops:       getEnvAsInt("CLUSTER_DEPTH_SHALLOW_HOPS", 0),
			MediumHops:        getEnvAsInt("CLUSTER_DEPTH_MEDIUM_HOPS", 1),
			DeepHops:          getEnvAsInt("CLUSTER_DEPTH_DEEP_HOPS", 2),
		},
		Risk: RiskConfig{
			SizeWeight:           getEnvAsFloat("RISK_WEIGHT_SIZE", 0.30),
			SimilarityWeight:     getEnvAsFloat("RISK_WEIGHT_SIMILARITY", 0.30),
			TemporalWeight:       getEnvAsFloat("RISK_WEIGHT_TEMPORAL", 0.25),
			AddressPatternWeight: getEnvAsFloat("RISK_WEIGHT_ADDRESS_PATTERN", 0.15),
			LargeClusterSize:     getEnvAsInt("RISK_LARGE_CLUSTER_SIZE", 10),
			FactorThreshold:      getEnvAsFloat("RISK_FACTOR_THRESHOLD", 0.3),
			TemporalBucket:       getEnvAsDuration("TEMPORAL_BUCKET", time.Hour),
			SeverityFloor:        getEnvAsInt("RISK_SEVERITY_FLOOR", 70),
		},
		Job: JobConfig{
			Workers:         getEnvAsInt("JOB_WORKERS", 8),
			MaxConcurrent:   getEnvAsInt("JOB_MAX_CONCURRENT", 4),
			Timeout:         getEnvAsDuration("JOB_TIMEOUT", 10*time.Minute),
			ResultTTL:       getEnvAsDuration("JOB_RESULT_TTL", time.Hour),
			JanitorInterval: getEnvAsDuration("JOB_JANITOR_INTERVAL", time.Minute),
			EventBuffer:     getEnvAsInt("EVENT_BUFFER", 32),
			MaxAddresses:    getEnvAsInt("JOB_MAX_ADDRESSES", 10000),
		},
		Profile: ProfileConfig{
			MaxSamples:      getEnvAsInt("PROFILE_MAX_SAMPLES", 1000),
			MinTransactions: getEnvAsInt("PROFILE_MIN_TRANSACTIONS", 3),
			StoreCapacity:   getEnvAsInt("PROFILE_STORE_CAPACITY", 10000),
			MaxAge:          getEnvAsDuration("PROFILE_MAX_AGE", 0),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("RATE_LIMIT_RPS", 20),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 40),
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

// Validate rejects parameter combinations the engine cannot run with
func (c *Config) Validate() error {
	r := c.Risk
	sum := r.SizeWeight + r.SimilarityWeight + r.TemporalWeight + r.AddressPatternWeight
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("risk weights must sum to 1.0, got %.4f", sum)
	}
	if r.LargeClusterSize < 2 {
		return fmt.Errorf("RISK_LARGE_CLUSTER_SIZE must be at least 2, got %d", r.LargeClusterSize)
	}

	cl := c.Clustering
	if cl.SimhashThreshold < 0 || cl.SimhashThreshold > 64 {
		return fmt.Errorf("CLUSTER_SIMHASH_THRESHOLD must be within 0..64, got %d", cl.SimhashThreshold)
	}
	if cl.MinClusterSize < 2 {
		return fmt.Errorf("CLUSTER_MIN_SIZE must be at least 2, got %d", cl.MinClusterSize)
	}
	if cl.FingerprintWeight < 0 || cl.FingerprintWeight > 1 {
		return fmt.Errorf("CLUSTER_FINGERPRINT_WEIGHT must be within 0..1, got %.2f", cl.FingerprintWeight)
	}

	if c.Job.Workers < 1 || c.Job.MaxConcurrent < 1 {
		return fmt.Errorf("JOB_WORKERS and JOB_MAX_CONCURRENT must be positive")
	}
	if c.Job.EventBuffer < 1 {
		return fmt.Errorf("EVENT_BUFFER must be positive, got %d", c.Job.EventBuffer)
	}
	if s := c.Source; s.BudgetEnabled && (s.BudgetTotal < 1 || s.BudgetReserved < 1 || s.BudgetReserved > s.BudgetTotal) {
		return fmt.Errorf("SOURCE_BUDGET_RESERVED must be within 1..SOURCE_BUDGET_TOTAL, got %d of %d", s.BudgetReserved, s.BudgetTotal)
	}
	if c.Profile.MaxSamples < 1 {
		return fmt.Errorf("PROFILE_MAX_SAMPLES must be positive, got %d", c.Profile.MaxSamples)
	}
	if c.Profile.MaxAge < 0 {
		return fmt.Errorf("PROFILE_MAX_AGE cannot be negative, got %s", c.Profile.MaxAge)
	}
	if pg := c.Database.Postgres; pg.Enabled && (pg.MaxConnections < 1 || pg.MaxConnections > 100) {
		return fmt.Errorf("POSTGRES_MAX_CONNECTIONS must be within 1..100, got %d", pg.MaxConnections)
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

// getEnvAsFloat gets an environment variable as a float with a default value
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

// getEnvAsBool gets an environment variable as a bool with a default value
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

// getEnvAsList splits a comma-separated environment variable
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
