package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "GRPC_PORT", "LOG_LEVEL", "LOG_PRETTY", "LOCK_BACKEND", "REDIS_ADDR",
		"REDLOCK_ADDRS", "DATABASE_URL", "LOCK_FILE_DIR", "LOCK_KEY_PREFIX",
		"LOCK_WAIT_TIMEOUT", "LOCK_WATCHDOG_LEASE", "LOCK_POLL_INTERVAL", "KEY_EXPR_CACHE_SIZE",
	} {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}

	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("expected default port '8080', got '%s'", cfg.Port)
	}
	if cfg.GRPCPort != "9090" {
		t.Errorf("expected default gRPC port '9090', got '%s'", cfg.GRPCPort)
	}
	if cfg.Backend != BackendMemory {
		t.Errorf("expected default backend %q, got %q", BackendMemory, cfg.Backend)
	}
	if cfg.WaitTimeout != DefaultWaitTimeout {
		t.Errorf("expected default wait timeout %v, got %v", DefaultWaitTimeout, cfg.WaitTimeout)
	}
	if cfg.WatchdogLease != DefaultWatchdogLease {
		t.Errorf("expected default watchdog lease %v, got %v", DefaultWatchdogLease, cfg.WatchdogLease)
	}
	if cfg.PollInterval != DefaultPollInterval {
		t.Errorf("expected default poll interval %v, got %v", DefaultPollInterval, cfg.PollInterval)
	}
	if cfg.KeyExprCacheSize != DefaultKeyExprCacheSize {
		t.Errorf("expected default key expression cache size %d, got %d", DefaultKeyExprCacheSize, cfg.KeyExprCacheSize)
	}
	if cfg.KeyPrefix != "" {
		t.Errorf("expected empty key prefix, got %q", cfg.KeyPrefix)
	}
	if cfg.RedlockAddrs != nil {
		t.Errorf("expected no redlock addrs, got %v", cfg.RedlockAddrs)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("GRPC_PORT", "9001")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_PRETTY", "true")
	t.Setenv("LOCK_BACKEND", "Redlock")
	t.Setenv("REDLOCK_ADDRS", "r1:6379, r2:6379,,r3:6379")
	t.Setenv("LOCK_KEY_PREFIX", "svc:")
	t.Setenv("LOCK_WAIT_TIMEOUT", "750ms")
	t.Setenv("LOCK_WATCHDOG_LEASE", "10s")
	t.Setenv("LOCK_POLL_INTERVAL", "20")
	t.Setenv("KEY_EXPR_CACHE_SIZE", "32")

	cfg := Load()

	if cfg.Port != "9000" || cfg.GRPCPort != "9001" {
		t.Errorf("unexpected ports %q/%q", cfg.Port, cfg.GRPCPort)
	}
	if cfg.LogLevel != "debug" || !cfg.LogPretty {
		t.Errorf("unexpected logging config %q/%v", cfg.LogLevel, cfg.LogPretty)
	}
	if cfg.Backend != BackendRedlock {
		t.Errorf("expected backend %q, got %q", BackendRedlock, cfg.Backend)
	}
	if len(cfg.RedlockAddrs) != 3 || cfg.RedlockAddrs[1] != "r2:6379" {
		t.Errorf("unexpected redlock addrs %v", cfg.RedlockAddrs)
	}
	if cfg.KeyPrefix != "svc:" {
		t.Errorf("expected key prefix 'svc:', got %q", cfg.KeyPrefix)
	}
	if cfg.WaitTimeout != 750*time.Millisecond {
		t.Errorf("expected wait timeout 750ms, got %v", cfg.WaitTimeout)
	}
	if cfg.WatchdogLease != 10*time.Second {
		t.Errorf("expected watchdog lease 10s, got %v", cfg.WatchdogLease)
	}
	if cfg.PollInterval != 20*time.Millisecond {
		t.Errorf("expected poll interval 20ms, got %v", cfg.PollInterval)
	}
	if cfg.KeyExprCacheSize != 32 {
		t.Errorf("expected key expression cache size 32, got %d", cfg.KeyExprCacheSize)
	}
}

func TestLoad_InvalidDurations(t *testing.T) {
	t.Setenv("LOCK_WAIT_TIMEOUT", "soon")
	t.Setenv("LOCK_WATCHDOG_LEASE", "-5s")
	t.Setenv("KEY_EXPR_CACHE_SIZE", "lots")

	cfg := Load()

	if cfg.WaitTimeout != DefaultWaitTimeout {
		t.Errorf("expected default for invalid wait timeout, got %v", cfg.WaitTimeout)
	}
	if cfg.WatchdogLease != DefaultWatchdogLease {
		t.Errorf("expected default for negative lease, got %v", cfg.WatchdogLease)
	}
	if cfg.KeyExprCacheSize != DefaultKeyExprCacheSize {
		t.Errorf("expected default for invalid cache size, got %d", cfg.KeyExprCacheSize)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"memory", Config{Backend: BackendMemory}, false},
		{"redis", Config{Backend: BackendRedis, RedisAddr: "localhost:6379"}, false},
		{"redis without addr", Config{Backend: BackendRedis}, true},
		{"redlock without nodes", Config{Backend: BackendRedlock}, true},
		{"postgres without url", Config{Backend: BackendPostgres}, true},
		{"postgres", Config{Backend: BackendPostgres, DatabaseURL: "postgres://localhost/db"}, false},
		{"file", Config{Backend: BackendFile, LockFileDir: "/tmp"}, false},
		{"unknown", Config{Backend: "zookeeper"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
