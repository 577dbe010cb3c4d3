// Package config loads process configuration from the environment,
// following the teacher's env-var-with-defaults pattern (config/config.go)
// rebased onto this domain's surface: timeframe set, fan-out hub sizing,
// persistence pool bounds, breaker thresholds, supervisor backoff, and the
// cleanup worker's on-reduce policy.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	Environment string

	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	Aggregator  AggregatorConfig
	Hub         HubConfig
	Persistence PersistenceConfig
	Breaker     BreakerConfig
	Supervisor  SupervisorConfig
	Cleanup     CleanupConfig
	Lock        LockConfig
	CORS        CORSConfig
	Broker      BrokerConfig
	Upstream    UpstreamConfig
	Audit       AuditConfig
}

// DatabaseConfig is the Postgres connection surface, also consumed
// directly by cmd/migrate.
type DatabaseConfig struct {
	Host     string
	Port     string
	Name     string
	User     string
	Password string
	SSLMode  string
}

// RedisConfig is the connection surface shared by the distributed lock
// and the position-snapshot read-through cache.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// JWTConfig governs the bearer token the WebSocket hub validates on the
// first frame of every connection; issuance is out of scope here.
type JWTConfig struct {
	Secret string
	Expiry string
}

// AggregatorConfig configures the tick-to-bar aggregator.
type AggregatorConfig struct {
	Timeframes       []string // e.g. "1m","5m","15m","1h"
	BarRingSize      int
	PersistHighWater int
	MaxRetries       int
	RetryBaseDelay   time.Duration
}

// HubConfig configures the fan-out event bus behind the WebSocket layer.
type HubConfig struct {
	QueueSize          int
	SlowThresholdRatio float64
}

// PersistenceConfig bounds the Postgres connection pool.
type PersistenceConfig struct {
	MinConnections int32
	MaxConnections int32
	AcquireTimeout time.Duration
	QueryTimeout   time.Duration
}

// BreakerConfig governs the broker-call circuit breaker.
type BreakerConfig struct {
	FailureThreshold float64
	MinSamples       int
	ErrorRateWindow  time.Duration
	Cooldown         time.Duration
}

// SupervisorConfig governs task restart backoff and crash-loop detection.
type SupervisorConfig struct {
	MinBackoff         time.Duration
	MaxBackoff         time.Duration
	CrashLoopThreshold int
	CrashLoopWindow    time.Duration
	DrainTimeout       time.Duration
}

// CleanupConfig governs the order-cleanup worker's handling of REDUCED
// position events. OnReducePolicy has no hidden default: an empty value
// fails Validate, forcing every deployment to make the choice explicit.
type CleanupConfig struct {
	OnReducePolicy string // "cancel_all" or "modify_to_new_quantity"
}

// LockConfig governs the distributed advisory lock's lease duration.
type LockConfig struct {
	Lease time.Duration
}

// CORSConfig lists allowed origins for any plain HTTP surface (health,
// metrics); the WebSocket upgrade path authenticates on the first frame
// instead of by origin.
type CORSConfig struct {
	AllowedOrigins []string
}

// BrokerConfig points the cleanup worker's broker client at the
// execution venue's REST endpoints.
type BrokerConfig struct {
	BaseURL        string
	APIKey         string
	CallTimeout    time.Duration
	InsecureDialer bool // dev-only: skip TLS verification against a local sandbox
}

// UpstreamConfig points the ingestion layer at the external market-data
// and broker position-stream WebSocket feeds (§1 external collaborators).
type UpstreamConfig struct {
	TickFeedURL        string
	TickFeedBufferSize int
	PositionStreamURL  string
	PositionBufferSize int
}

// AuditConfig points the compliance audit trail at its on-disk log
// directory.
type AuditConfig struct {
	Dir string
}

// Load loads configuration from environment variables, optionally
// seeded from a .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "7999"),
		Environment: getEnv("ENVIRONMENT", "development"),

		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			Name:     getEnv("DB_NAME", "fno_core"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},

		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},

		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
			Expiry: getEnv("JWT_EXPIRY", "24h"),
		},

		Aggregator: AggregatorConfig{
			Timeframes:       getEnvAsSlice("AGGREGATOR_TIMEFRAMES", []string{"1m", "5m", "15m", "1h"}, ","),
			BarRingSize:      getEnvAsInt("AGGREGATOR_BAR_RING_SIZE", 512),
			PersistHighWater: getEnvAsInt("AGGREGATOR_PERSIST_HIGH_WATER", 10000),
			MaxRetries:       getEnvAsInt("AGGREGATOR_MAX_RETRIES", 5),
			RetryBaseDelay:   getEnvAsDuration("AGGREGATOR_RETRY_BASE_DELAY", 200*time.Millisecond),
		},

		Hub: HubConfig{
			QueueSize:          getEnvAsInt("HUB_QUEUE_SIZE", 500),
			SlowThresholdRatio: getEnvAsFloat("HUB_SLOW_THRESHOLD_RATIO", 0.90),
		},

		Persistence: PersistenceConfig{
			MinConnections: int32(getEnvAsInt("DB_POOL_MIN_CONNS", 2)),
			MaxConnections: int32(getEnvAsInt("DB_POOL_MAX_CONNS", 10)),
			AcquireTimeout: getEnvAsDuration("DB_ACQUIRE_TIMEOUT", 5*time.Second),
			QueryTimeout:   getEnvAsDuration("DB_QUERY_TIMEOUT", 60*time.Second),
		},

		Breaker: BreakerConfig{
			FailureThreshold: getEnvAsFloat("BREAKER_FAILURE_THRESHOLD", 0.5),
			MinSamples:       getEnvAsInt("BREAKER_MIN_SAMPLES", 20),
			ErrorRateWindow:  getEnvAsDuration("BREAKER_ERROR_RATE_WINDOW", 30*time.Second),
			Cooldown:         getEnvAsDuration("BREAKER_COOLDOWN", 60*time.Second),
		},

		Supervisor: SupervisorConfig{
			MinBackoff:         getEnvAsDuration("SUPERVISOR_MIN_BACKOFF", 30*time.Second),
			MaxBackoff:         getEnvAsDuration("SUPERVISOR_MAX_BACKOFF", 300*time.Second),
			CrashLoopThreshold: getEnvAsInt("SUPERVISOR_CRASH_LOOP_THRESHOLD", 5),
			CrashLoopWindow:    getEnvAsDuration("SUPERVISOR_CRASH_LOOP_WINDOW", 10*time.Minute),
			DrainTimeout:       getEnvAsDuration("SUPERVISOR_DRAIN_TIMEOUT", 30*time.Second),
		},

		Cleanup: CleanupConfig{
			OnReducePolicy: getEnv("CLEANUP_ON_REDUCE_POLICY", ""),
		},

		Lock: LockConfig{
			Lease: getEnvAsDuration("LOCK_LEASE", 15*time.Second),
		},

		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}, ","),
		},

		Broker: BrokerConfig{
			BaseURL:        getEnv("BROKER_BASE_URL", "http://localhost:9000"),
			APIKey:         getEnv("BROKER_API_KEY", ""),
			CallTimeout:    getEnvAsDuration("BROKER_CALL_TIMEOUT", 5*time.Second),
			InsecureDialer: getEnvAsBool("BROKER_INSECURE_DIALER", false),
		},

		Upstream: UpstreamConfig{
			TickFeedURL:        getEnv("UPSTREAM_TICK_FEED_URL", "wss://localhost:9100/ticks"),
			TickFeedBufferSize: getEnvAsInt("UPSTREAM_TICK_FEED_BUFFER_SIZE", 4096),
			PositionStreamURL:  getEnv("UPSTREAM_POSITION_STREAM_URL", "wss://localhost:9100/positions"),
			PositionBufferSize: getEnvAsInt("UPSTREAM_POSITION_BUFFER_SIZE", 1024),
		},

		Audit: AuditConfig{
			Dir: getEnv("AUDIT_LOG_DIR", "./data/audit"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required configuration. CLEANUP_ON_REDUCE_POLICY has
// no default anywhere in this package — an empty value is always a
// configuration error, development included.
func (c *Config) Validate() error {
	if c.Cleanup.OnReducePolicy != "cancel_all" && c.Cleanup.OnReducePolicy != "modify_to_new_quantity" {
		return fmt.Errorf("CLEANUP_ON_REDUCE_POLICY must be set to \"cancel_all\" or \"modify_to_new_quantity\"")
	}

	if c.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if c.Database.Password == "" {
			log.Println("WARNING: DB_PASSWORD not set in production environment")
		}
		if c.Broker.APIKey == "" {
			log.Println("WARNING: BROKER_API_KEY not set in production environment")
		}
		if c.Broker.InsecureDialer {
			return fmt.Errorf("BROKER_INSECURE_DIALER must not be set in production")
		}
	}

	return nil
}

// Helper functions

func getEnv(key string, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultVal
}

func getEnvAsSlice(key string, defaultVal []string, sep string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultVal
	}
	return strings.Split(valueStr, sep)
}

func getEnvAsBool(key string, defaultVal bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultVal
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultVal
	}
	return value
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultVal
	}
	return d
}
