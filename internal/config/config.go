// Package config provides configuration management for the lock service.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/kneutral-org/lockservice/internal/lock"
)

const (
	// DefaultDatabaseURL is the PostgreSQL instance holding the locking functions.
	DefaultDatabaseURL = "postgres://localhost:5432/locking"

	// MinLockPoolConns is the floor for the lock pool ceiling.
	MinLockPoolConns = lock.MinPoolConns

	// DefaultCommandTimeout is the minimum command-level timeout for acquire calls.
	DefaultCommandTimeout = lock.DefaultCommandTimeout

	// DefaultRetryAttempts is the number of calls made for transient store failures.
	DefaultRetryAttempts = lock.DefaultRetryAttempts

	// DefaultRetryBackoff is the fixed delay between retried calls.
	DefaultRetryBackoff = lock.DefaultRetryBackoff

	// DefaultHealthInterval is how often the store health probe runs.
	DefaultHealthInterval = 15 * time.Second

	// MinHealthInterval is the shortest accepted health probe interval.
	MinHealthInterval = time.Second
)

// Config holds the application configuration.
type Config struct {
	// Port is the HTTP diagnostics server port.
	Port string

	// GRPCPort is the gRPC health server port.
	GRPCPort string

	// DatabaseURL is the connection string of the lock store.
	DatabaseURL string

	// LockPoolMaxConns is the connection ceiling of the lock pool, never below MinLockPoolConns.
	LockPoolMaxConns int32

	// CommandTimeout is the minimum command-level timeout for acquire calls.
	CommandTimeout time.Duration

	// RetryAttempts is the maximum number of calls for transient store failures.
	RetryAttempts int

	// RetryBackoff is the delay between retried calls.
	RetryBackoff time.Duration

	// ProtocolVersion overrides the version read from the store when non-zero.
	ProtocolVersion int

	// PartitionID is the partition used when the store is multi-tenant
	// (version 3). Zero means unset, which version 3 rejects.
	PartitionID int

	// AutoMigrate installs or upgrades the locking functions on startup.
	AutoMigrate bool

	// HealthInterval is how often the store health probe runs.
	HealthInterval time.Duration

	// LogLevel is the zerolog level name.
	LogLevel string

	// LogFormat is "json" or "pretty".
	LogFormat string
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	cfg := &Config{
		Port:             getEnvOrDefault("PORT", "8080"),
		GRPCPort:         getEnvOrDefault("GRPC_PORT", "9090"),
		DatabaseURL:      getEnvOrDefault("DATABASE_URL", DefaultDatabaseURL),
		LockPoolMaxConns: int32(getEnvIntOrDefault("LOCK_POOL_MAX_CONNS", int(MinLockPoolConns))),
		CommandTimeout:   getEnvDurationOrDefault("LOCK_COMMAND_TIMEOUT", DefaultCommandTimeout),
		RetryAttempts:    getEnvIntOrDefault("LOCK_RETRY_ATTEMPTS", DefaultRetryAttempts),
		RetryBackoff:     getEnvDurationOrDefault("LOCK_RETRY_BACKOFF", DefaultRetryBackoff),
		ProtocolVersion:  getEnvIntOrDefault("LOCK_PROTOCOL_VERSION", 0),
		PartitionID:      getEnvIntOrDefault("LOCK_PARTITION_ID", 0),
		AutoMigrate:      getEnvBoolOrDefault("LOCK_AUTO_MIGRATE", false),
		HealthInterval:   getEnvDurationOrDefault("LOCK_HEALTH_INTERVAL", DefaultHealthInterval),
		LogLevel:         getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:        getEnvOrDefault("LOG_FORMAT", "json"),
	}

	if cfg.LockPoolMaxConns < MinLockPoolConns {
		cfg.LockPoolMaxConns = MinLockPoolConns
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.HealthInterval < MinHealthInterval {
		cfg.HealthInterval = MinHealthInterval
	}

	return cfg
}

// getEnvOrDefault returns the environment variable value or the default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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

// getEnvDurationOrDefault returns the environment variable value as a duration or the default if not set or invalid.
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvBoolOrDefault returns the environment variable value as bool or the default if not set or invalid.
func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
