// Package config provides server configuration loaded from environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const logPrefix = "config:LoadConfig"

// Idempotency backends accepted by IDEMPOTENCY_BACKEND.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config holds islandgate configuration.
type Config struct {
	// COMMS: connect to standalone NATS at COMMSURL.
	COMMSURL  string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName string `envconfig:"SERVICE_NAME" default:"islandgate"`
	// NodeID is the origin token of this process; response subjects are scoped to it.
	NodeID        string `envconfig:"NODE_ID"`
	ChannelPrefix string `envconfig:"CHANNEL_PREFIX" default:"island"`

	// Signing
	SigningSecret   string        `envconfig:"SIGNING_SECRET"`
	SignatureWindow time.Duration `envconfig:"SIGNATURE_WINDOW" default:"30s"`

	// Authoritative nodes own the world and answer requests.
	Authoritative  bool          `envconfig:"AUTHORITATIVE" default:"false"`
	WorkerPoolSize int           `envconfig:"WORKER_POOL_SIZE" default:"8"`
	WorkerQueue    int           `envconfig:"WORKER_QUEUE_SIZE" default:"64"`
	BridgeTimeout  time.Duration `envconfig:"BRIDGE_TIMEOUT" default:"5s"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"10s"`
	MembersLimit   int           `envconfig:"MEMBERS_LIMIT" default:"4"`

	// Payloads above this many bytes are zstd-compressed on the wire; 0 disables.
	CompressionThreshold int `envconfig:"COMPRESSION_THRESHOLD" default:"1024"`

	// Idempotency
	IdempotencyBackend       string        `envconfig:"IDEMPOTENCY_BACKEND" default:"memory"`
	IdempotencyTTL           time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"5m"`
	IdempotencySweepInterval time.Duration `envconfig:"IDEMPOTENCY_SWEEP_INTERVAL" default:"1m"`

	// Database
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`

	// Redis
	RedisURL string `envconfig:"REDIS_URL"`

	// HTTP health endpoint
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	c.IdempotencyBackend = strings.ToLower(strings.TrimSpace(c.IdempotencyBackend))
	return &c, nil
}

// ValidateForServe checks required config when running a node.
func (c *Config) ValidateForServe() error {
	if c.SigningSecret == "" {
		return fmt.Errorf("%s - SIGNING_SECRET is required for serve", logPrefix)
	}
	if c.ChannelPrefix == "" || strings.ContainsAny(c.ChannelPrefix, " *>") {
		return fmt.Errorf("%s - CHANNEL_PREFIX %q is not a valid subject prefix", logPrefix, c.ChannelPrefix)
	}
	if c.SignatureWindow <= 0 {
		return fmt.Errorf("%s - SIGNATURE_WINDOW must be positive", logPrefix)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s - REQUEST_TIMEOUT must be positive", logPrefix)
	}
	if c.BridgeTimeout <= 0 {
		return fmt.Errorf("%s - BRIDGE_TIMEOUT must be positive", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	if c.WorkerPoolSize <= 0 || c.WorkerQueue <= 0 {
		return fmt.Errorf("%s - WORKER_POOL_SIZE and WORKER_QUEUE_SIZE must be positive", logPrefix)
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("%s - IDEMPOTENCY_TTL must be positive", logPrefix)
	}
	switch c.IdempotencyBackend {
	case BackendMemory:
	case BackendPostgres:
		return c.ValidateForDB()
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("%s - REDIS_URL is required for the redis idempotency backend", logPrefix)
		}
	default:
		return fmt.Errorf("%s - unknown IDEMPOTENCY_BACKEND %q", logPrefix, c.IdempotencyBackend)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}
