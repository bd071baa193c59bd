package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

var configEnv = []string{
	"COMMS_URL", "SERVICE_NAME", "NODE_ID", "CHANNEL_PREFIX",
	"SIGNING_SECRET", "SIGNATURE_WINDOW", "AUTHORITATIVE",
	"WORKER_POOL_SIZE", "WORKER_QUEUE_SIZE", "BRIDGE_TIMEOUT", "REQUEST_TIMEOUT",
	"MEMBERS_LIMIT", "COMPRESSION_THRESHOLD",
	"IDEMPOTENCY_BACKEND", "IDEMPOTENCY_TTL", "IDEMPOTENCY_SWEEP_INTERVAL",
	"DATABASE_URL", "RUN_MIGRATIONS", "REDIS_URL",
	"HTTP_PORT", "HEALTH_CHECK_TIMEOUT", "LOG_LEVEL",
}

// clearEnv unsets every variable LoadConfig reads and restores them after t.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range configEnv {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("config:config_test - unexpected error: %v", err)
	}

	if cfg.COMMSURL != "nats://127.0.0.1:4222" {
		t.Errorf("config:config_test - COMMSURL = %q, want %q", cfg.COMMSURL, "nats://127.0.0.1:4222")
	}
	if cfg.COMMSName != "islandgate" {
		t.Errorf("config:config_test - COMMSName = %q, want %q", cfg.COMMSName, "islandgate")
	}
	if cfg.ChannelPrefix != "island" {
		t.Errorf("config:config_test - ChannelPrefix = %q, want %q", cfg.ChannelPrefix, "island")
	}
	if cfg.SignatureWindow != 30*time.Second {
		t.Errorf("config:config_test - SignatureWindow = %v, want 30s", cfg.SignatureWindow)
	}
	if cfg.Authoritative {
		t.Error("config:config_test - expected Authoritative=false by default")
	}
	if cfg.WorkerPoolSize != 8 || cfg.WorkerQueue != 64 {
		t.Errorf("config:config_test - workers = %d/%d, want 8/64", cfg.WorkerPoolSize, cfg.WorkerQueue)
	}
	if cfg.BridgeTimeout != 5*time.Second {
		t.Errorf("config:config_test - BridgeTimeout = %v, want 5s", cfg.BridgeTimeout)
	}
	if cfg.RequestTimeout != 10*time.Second {
		t.Errorf("config:config_test - RequestTimeout = %v, want 10s", cfg.RequestTimeout)
	}
	if cfg.MembersLimit != 4 {
		t.Errorf("config:config_test - MembersLimit = %d, want 4", cfg.MembersLimit)
	}
	if cfg.CompressionThreshold != 1024 {
		t.Errorf("config:config_test - CompressionThreshold = %d, want 1024", cfg.CompressionThreshold)
	}
	if cfg.IdempotencyBackend != BackendMemory {
		t.Errorf("config:config_test - IdempotencyBackend = %q, want %q", cfg.IdempotencyBackend, BackendMemory)
	}
	if cfg.IdempotencyTTL != 5*time.Minute {
		t.Errorf("config:config_test - IdempotencyTTL = %v, want 5m", cfg.IdempotencyTTL)
	}
	if cfg.RunMigrations {
		t.Error("config:config_test - expected RunMigrations=false by default")
	}
	if cfg.HTTPPort != 8080 {
		t.Errorf("config:config_test - HTTPPort = %d, want 8080", cfg.HTTPPort)
	}
	if cfg.HealthCheckTimeout != 5*time.Second {
		t.Errorf("config:config_test - HealthCheckTimeout = %v, want 5s", cfg.HealthCheckTimeout)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("config:config_test - LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	overrides := map[string]string{
		"COMMS_URL":           "nats://custom:4222",
		"SERVICE_NAME":        "game-7",
		"NODE_ID":             "game-7",
		"CHANNEL_PREFIX":      "islands-eu",
		"SIGNING_SECRET":      "s3cret",
		"AUTHORITATIVE":       "true",
		"WORKER_POOL_SIZE":    "2",
		"BRIDGE_TIMEOUT":      "750ms",
		"IDEMPOTENCY_BACKEND": " Redis ",
		"REDIS_URL":           "redis://localhost:6379/0",
		"HTTP_PORT":           "9090",
		"LOG_LEVEL":           "debug",
	}
	for key, val := range overrides {
		t.Setenv(key, val)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("config:config_test - unexpected error: %v", err)
	}

	if cfg.COMMSURL != "nats://custom:4222" || cfg.COMMSName != "game-7" || cfg.NodeID != "game-7" {
		t.Errorf("config:config_test - unexpected connection settings: %+v", cfg)
	}
	if cfg.ChannelPrefix != "islands-eu" || cfg.SigningSecret != "s3cret" {
		t.Errorf("config:config_test - unexpected channel settings: %q %q", cfg.ChannelPrefix, cfg.SigningSecret)
	}
	if !cfg.Authoritative || cfg.WorkerPoolSize != 2 || cfg.BridgeTimeout != 750*time.Millisecond {
		t.Errorf("config:config_test - unexpected node settings: %+v", cfg)
	}
	if cfg.IdempotencyBackend != BackendRedis {
		t.Errorf("config:config_test - IdempotencyBackend = %q, want normalised %q", cfg.IdempotencyBackend, BackendRedis)
	}
	if cfg.HTTPPort != 9090 || cfg.LogLevel != "debug" {
		t.Errorf("config:config_test - unexpected http/log settings: %d %q", cfg.HTTPPort, cfg.LogLevel)
	}
	if err := cfg.ValidateForServe(); err != nil {
		t.Errorf("config:config_test - ValidateForServe failed: %v", err)
	}
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv("BRIDGE_TIMEOUT", "soon")
	if _, err := LoadConfig(); err == nil {
		t.Error("config:config_test - expected error for unparsable BRIDGE_TIMEOUT")
	}
}

func TestValidateForServe(t *testing.T) {
	valid := func() *Config {
		return &Config{
			ChannelPrefix:      "island",
			SigningSecret:      "secret",
			SignatureWindow:    30 * time.Second,
			RequestTimeout:     10 * time.Second,
			BridgeTimeout:      5 * time.Second,
			HealthCheckTimeout: 5 * time.Second,
			WorkerPoolSize:     8,
			WorkerQueue:        64,
			IdempotencyBackend: BackendMemory,
			IdempotencyTTL:     5 * time.Minute,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing secret", func(c *Config) { c.SigningSecret = "" }, "SIGNING_SECRET"},
		{"wildcard prefix", func(c *Config) { c.ChannelPrefix = "island.*" }, "CHANNEL_PREFIX"},
		{"zero bridge timeout", func(c *Config) { c.BridgeTimeout = 0 }, "BRIDGE_TIMEOUT"},
		{"no workers", func(c *Config) { c.WorkerPoolSize = 0 }, "WORKER_POOL_SIZE"},
		{"unknown backend", func(c *Config) { c.IdempotencyBackend = "etcd" }, "IDEMPOTENCY_BACKEND"},
		{"postgres without url", func(c *Config) { c.IdempotencyBackend = BackendPostgres }, "DATABASE_URL"},
		{"redis without url", func(c *Config) { c.IdempotencyBackend = BackendRedis }, "REDIS_URL"},
		{"postgres with url", func(c *Config) {
			c.IdempotencyBackend = BackendPostgres
			c.DatabaseURL = "postgres://localhost/islandgate"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.ValidateForServe()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("config:config_test - unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("config:config_test - expected error mentioning %s, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateForDB(t *testing.T) {
	cfg := &Config{}
	if err := cfg.ValidateForDB(); err == nil {
		t.Error("config:config_test - expected error without DATABASE_URL")
	}
	cfg.DatabaseURL = "postgres://localhost/islandgate"
	if err := cfg.ValidateForDB(); err != nil {
		t.Errorf("config:config_test - unexpected error: %v", err)
	}
}
