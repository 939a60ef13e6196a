// Package config provides configuration management for lockguard.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Lock backends selectable through LOCK_BACKEND.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendRedlock  = "redlock"
	BackendPostgres = "postgres"
	BackendFile     = "file"
)

const (
	// DefaultWaitTimeout is the wait applied to blocking specs of the demo routes.
	DefaultWaitTimeout = 2 * time.Second

	// DefaultWatchdogLease is the lease renewed while a guarded operation runs.
	DefaultWatchdogLease = 30 * time.Second

	// DefaultPollInterval is how often polling providers retry a held lock.
	DefaultPollInterval = 50 * time.Millisecond

	// DefaultKeyExprCacheSize is how many compiled key expressions are kept.
	DefaultKeyExprCacheSize = 256
)

// Config holds the application configuration.
type Config struct {
	// Port is the HTTP server port.
	Port string

	// GRPCPort is the gRPC server port.
	GRPCPort string

	// LogLevel is the zerolog level name.
	LogLevel string

	// LogPretty switches to console output.
	LogPretty bool

	// Backend selects the default lock provider.
	Backend string

	// RedisAddr is the Redis address for the redis backend.
	RedisAddr string

	// RedlockAddrs are the independent Redis nodes for the redlock backend.
	RedlockAddrs []string

	// DatabaseURL is the Postgres connection string for the postgres backend.
	DatabaseURL string

	// LockFileDir is the directory holding lock files for the file backend.
	LockFileDir string

	// KeyPrefix is prepended to every resolved lock key.
	KeyPrefix string

	WaitTimeout   time.Duration
	WatchdogLease time.Duration
	PollInterval  time.Duration

	// KeyExprCacheSize bounds the compiled CEL key expression cache.
	KeyExprCacheSize int
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	cfg := &Config{
		Port:          getEnvOrDefault("PORT", "8080"),
		GRPCPort:      getEnvOrDefault("GRPC_PORT", "9090"),
		LogLevel:      getEnvOrDefault("LOG_LEVEL", "info"),
		LogPretty:     getEnvBoolOrDefault("LOG_PRETTY", false),
		Backend:       strings.ToLower(getEnvOrDefault("LOCK_BACKEND", BackendMemory)),
		RedisAddr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		RedlockAddrs:  getEnvListOrDefault("REDLOCK_ADDRS", nil),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		LockFileDir:   getEnvOrDefault("LOCK_FILE_DIR", os.TempDir()),
		KeyPrefix:     os.Getenv("LOCK_KEY_PREFIX"),
		WaitTimeout:   getEnvDurationOrDefault("LOCK_WAIT_TIMEOUT", DefaultWaitTimeout),
		WatchdogLease: getEnvDurationOrDefault("LOCK_WATCHDOG_LEASE", DefaultWatchdogLease),
		PollInterval:  getEnvDurationOrDefault("LOCK_POLL_INTERVAL", DefaultPollInterval),

		KeyExprCacheSize: getEnvIntOrDefault("KEY_EXPR_CACHE_SIZE", DefaultKeyExprCacheSize),
	}

	return cfg
}

// Validate checks that the selected backend has what it needs.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("config: REDIS_ADDR is required for backend %q", c.Backend)
		}
	case BackendRedlock:
		if len(c.RedlockAddrs) == 0 {
			return fmt.Errorf("config: REDLOCK_ADDRS is required for backend %q", c.Backend)
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for backend %q", c.Backend)
		}
	case BackendFile:
		if c.LockFileDir == "" {
			return fmt.Errorf("config: LOCK_FILE_DIR is required for backend %q", c.Backend)
		}
	default:
		return fmt.Errorf("config: unknown LOCK_BACKEND %q", c.Backend)
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

// getEnvBoolOrDefault returns the environment variable value as bool or the default if not set or invalid.
func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
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

// getEnvDurationOrDefault accepts Go durations ("500ms") or whole milliseconds.
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if parsed, err := time.ParseDuration(value); err == nil && parsed >= 0 {
		return parsed
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil && ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

// getEnvListOrDefault splits a comma separated variable, dropping blanks.
func getEnvListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
