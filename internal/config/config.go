// Package config provides configuration management for the leader-election daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Supported lock store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreNATS     = "nats"
)

const (
	// DefaultAdminMaxPayloadSize is the default max payload size for admin endpoints (100KB).
	DefaultAdminMaxPayloadSize int64 = 100 * 1024 // 102400 bytes

	// DefaultLockTTL is how long a lease stays valid without renewal.
	DefaultLockTTL = 10 * time.Second

	// DefaultPollInterval is how often a candidate retries the lock.
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultRenewInterval is how often the leader refreshes its lease.
	DefaultRenewInterval = 3 * time.Second

	// DefaultReaperInterval is how often expired leases are purged.
	DefaultReaperInterval = time.Minute

	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 15 * time.Second
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the application configuration.
type Config struct {
	// Port is the HTTP server port.
	Port string

	// GRPCPort is the gRPC health server port.
	GRPCPort string

	LogLevel  string
	LogPretty bool

	// AdminMaxPayloadSize is the maximum payload size for admin endpoints in bytes.
	AdminMaxPayloadSize int64

	// LockStore selects the backend: memory, postgres, redis or nats.
	LockStore string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	NATSURL       string

	// LockRegion partitions the lock table.
	LockRegion string

	// LockTablePrefix is prepended to table, key and bucket names.
	LockTablePrefix string

	LockTTL time.Duration

	// LeaderRole is the role this process campaigns for.
	LeaderRole string

	// CandidateID identifies this process. Empty means a random id.
	CandidateID string

	PollInterval    time.Duration
	RenewInterval   time.Duration
	ReaperInterval  time.Duration
	ShutdownTimeout time.Duration
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	cfg := &Config{
		Port:                getEnvOrDefault("PORT", "8080"),
		GRPCPort:            getEnvOrDefault("GRPC_PORT", "9090"),
		LogLevel:            getEnvOrDefault("LOG_LEVEL", "info"),
		LogPretty:           getEnvBoolOrDefault("LOG_PRETTY", false),
		AdminMaxPayloadSize: getEnvInt64OrDefault("ADMIN_MAX_PAYLOAD_SIZE", DefaultAdminMaxPayloadSize),
		LockStore:           strings.ToLower(getEnvOrDefault("LOCK_STORE", StoreMemory)),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisAddr:           getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisDB:             getEnvIntOrDefault("REDIS_DB", 0),
		NATSURL:             getEnvOrDefault("NATS_URL", "nats://localhost:4222"),
		LockRegion:          getEnvOrDefault("LOCK_REGION", "DEFAULT"),
		LockTablePrefix:     getEnvOrDefault("LOCK_TABLE_PREFIX", "INT_"),
		LockTTL:             getEnvDurationOrDefault("LOCK_TTL", DefaultLockTTL),
		LeaderRole:          getEnvOrDefault("LEADER_ROLE", "leader"),
		CandidateID:         os.Getenv("CANDIDATE_ID"),
		PollInterval:        getEnvDurationOrDefault("LEADER_POLL_INTERVAL", DefaultPollInterval),
		RenewInterval:       getEnvDurationOrDefault("LEADER_RENEW_INTERVAL", DefaultRenewInterval),
		ReaperInterval:      getEnvDurationOrDefault("LOCK_REAPER_INTERVAL", DefaultReaperInterval),
		ShutdownTimeout:     getEnvDurationOrDefault("SHUTDOWN_TIMEOUT", DefaultShutdownTimeout),
	}

	return cfg
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	switch c.LockStore {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required for the postgres lock store", ErrInvalidConfig)
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("%w: REDIS_ADDR is required for the redis lock store", ErrInvalidConfig)
		}
	case StoreNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("%w: NATS_URL is required for the nats lock store", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown LOCK_STORE %q", ErrInvalidConfig, c.LockStore)
	}

	if c.LeaderRole == "" {
		return fmt.Errorf("%w: LEADER_ROLE must not be empty", ErrInvalidConfig)
	}
	if c.LockTTL <= 0 || c.PollInterval <= 0 || c.RenewInterval <= 0 {
		return fmt.Errorf("%w: LOCK_TTL, LEADER_POLL_INTERVAL and LEADER_RENEW_INTERVAL must be positive", ErrInvalidConfig)
	}
	if c.RenewInterval >= c.LockTTL {
		return fmt.Errorf("%w: LEADER_RENEW_INTERVAL (%s) must be shorter than LOCK_TTL (%s)",
			ErrInvalidConfig, c.RenewInterval, c.LockTTL)
	}
	if c.AdminMaxPayloadSize <= 0 {
		return fmt.Errorf("%w: ADMIN_MAX_PAYLOAD_SIZE must be positive", ErrInvalidConfig)
	}
	return nil
}

// getEnvOrDefault returns the environment variable value or the default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt64OrDefault returns the environment variable value as int64 or the default if not set or invalid.
func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvIntOrDefault returns the environment variable value as int or the default if not set or invalid.
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDurationOrDefault accepts Go duration strings ("250ms", "10s").
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
