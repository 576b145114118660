package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Lock backends
const (
	LockBackendRedis = "redis"
	LockBackendLocal = "local"
)

type Config struct {
	// Database
	DBHost     string `envconfig:"DB_HOST" default:"localhost"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"proisp"`
	DBPassword string `envconfig:"DB_PASSWORD"`
	DBName     string `envconfig:"DB_NAME" default:"proisp"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`

	// Redis
	RedisHost     string `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort     int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// Expiry sweep
	SweepInterval      time.Duration `envconfig:"SWEEP_INTERVAL" default:"5m"`
	SweepWorkers       int           `envconfig:"SWEEP_WORKERS" default:"4"`
	SweepAutoRenew     bool          `envconfig:"SWEEP_AUTO_RENEW" default:"true"`
	AutoRenewLookahead time.Duration `envconfig:"AUTO_RENEW_LOOKAHEAD" default:"24h"`
	SweepUsageRefresh  bool          `envconfig:"SWEEP_USAGE_REFRESH" default:"true"`

	// Sessions
	SessionStaleAfter  time.Duration `envconfig:"SESSION_STALE_AFTER" default:"30m"`
	CoATimeout         time.Duration `envconfig:"COA_TIMEOUT" default:"5s"`
	DisconnectOnBlock  bool          `envconfig:"DISCONNECT_ON_BLOCK" default:"true"`
	DisconnectOnExpiry bool          `envconfig:"DISCONNECT_ON_EXPIRY" default:"false"`

	// Store retries
	SyncRetryAttempts int           `envconfig:"SYNC_RETRY_ATTEMPTS" default:"3"`
	SyncRetryBackoff  time.Duration `envconfig:"SYNC_RETRY_BACKOFF" default:"500ms"`
	BreakerFailures   uint32        `envconfig:"BREAKER_FAILURES" default:"5"`
	BreakerTimeout    time.Duration `envconfig:"BREAKER_TIMEOUT" default:"30s"`

	// Locking
	LockBackend string        `envconfig:"LOCK_BACKEND" default:"redis"`
	LockTTL     time.Duration `envconfig:"LOCK_TTL" default:"30s"`

	// Health and metrics
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9108"`
}

// Load reads the configuration from the environment
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the engine cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	if c.SweepWorkers <= 0 {
		errs = append(errs, errors.New("SWEEP_WORKERS must be positive"))
	}
	if c.AutoRenewLookahead <= 0 {
		errs = append(errs, errors.New("AUTO_RENEW_LOOKAHEAD must be positive"))
	}
	if c.SessionStaleAfter <= 0 {
		errs = append(errs, errors.New("SESSION_STALE_AFTER must be positive"))
	}
	if c.SyncRetryAttempts < 1 {
		errs = append(errs, errors.New("SYNC_RETRY_ATTEMPTS must be at least 1"))
	}
	if c.LockTTL <= 0 {
		errs = append(errs, errors.New("LOCK_TTL must be positive"))
	}
	switch c.LockBackend {
	case LockBackendRedis, LockBackendLocal:
	default:
		errs = append(errs, fmt.Errorf("LOCK_BACKEND must be %q or %q, got %q", LockBackendRedis, LockBackendLocal, c.LockBackend))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Warnings lists settings that work but are insecure for production
func (c *Config) Warnings() []string {
	var w []string
	if c.DBPassword == "" {
		w = append(w, "DB_PASSWORD not set - this is insecure for production!")
	}
	if c.RedisPassword == "" {
		w = append(w, "REDIS_PASSWORD not set - Redis is not secured!")
	}
	if c.LockBackend == LockBackendLocal {
		w = append(w, "LOCK_BACKEND=local - run only one radsync process against this database")
	}
	return w
}

// DSN returns the PostgreSQL connection string
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode,
	)
}

// RedisAddr returns the Redis address as "host:port"
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}
