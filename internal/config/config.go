package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the inferq server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Backends  BackendsConfig
	Scheduler SchedulerConfig
	Retention RetentionConfig
	Events    EventsConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// BackendsConfig describes the pool of interchangeable inference backends.
type BackendsConfig struct {
	// URLs is the configured backend order; round_robin rotates over it
	// in this exact order.
	URLs []string

	// RequestTimeout bounds a single chat-completion execution.
	RequestTimeout time.Duration

	// HealthCheckInterval is how often each backend is pinged.
	HealthCheckInterval time.Duration

	// HealthCheckTimeout bounds a single ping.
	HealthCheckTimeout time.Duration

	// DefaultStrategy is used when no persisted strategy can be read.
	DefaultStrategy string

	// ModelCacheTTL is how long the merged model list is cached.
	ModelCacheTTL time.Duration
}

type SchedulerConfig struct {
	Tick                  time.Duration
	MaxAttempts           int
	PerBackendConcurrency int

	// StaleRunningAge is how long a job may sit in running before startup
	// recovery treats the attempt as failed.
	StaleRunningAge time.Duration

	StarvationTick      time.Duration
	StarvationIncrement float64
}

type RetentionConfig struct {
	// JobRetention is the age past which terminal jobs move to the archive.
	JobRetention time.Duration

	// ArchiveRetention is the age past which archived rows are purged.
	// Zero disables purging.
	ArchiveRetention time.Duration

	// ArchiveSweepInterval is the cadence of the archive+purge sweep.
	ArchiveSweepInterval time.Duration

	// SnapshotInterval is the backend telemetry sampling cadence.
	SnapshotInterval time.Duration

	// SnapshotRetention is the age past which snapshot rows are deleted.
	SnapshotRetention time.Duration
}

type EventsConfig struct {
	KeepAliveInterval time.Duration
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

var validStrategies = map[string]bool{
	"least_connections": true,
	"round_robin":       true,
	"fastest":           true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("INFERQ_PORT", 8080),
			Env:  envString("INFERQ_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Backends: BackendsConfig{
			URLs:                envList("BACKEND_URLS"),
			RequestTimeout:      envDurationSecs("JOB_EXEC_TIMEOUT_SECS", 300*time.Second),
			HealthCheckInterval: envDurationSecs("BACKEND_HEALTH_CHECK_INTERVAL_SECS", 60*time.Second),
			HealthCheckTimeout:  envDurationSecs("BACKEND_HEALTH_CHECK_TIMEOUT_SECS", 5*time.Second),
			DefaultStrategy:     envString("LB_STRATEGY", "least_connections"),
			ModelCacheTTL:       envDurationSecs("MODEL_CACHE_TTL_SECS", 30*time.Second),
		},
		Scheduler: SchedulerConfig{
			Tick:                  envDurationSecs("SCHEDULER_TICK_SECS", 2*time.Second),
			MaxAttempts:           envInt("JOB_MAX_ATTEMPTS", 3),
			PerBackendConcurrency: envInt("PER_BACKEND_CONCURRENCY", 2),
			StaleRunningAge:       envDurationSecs("STALE_RUNNING_SECS", 1800*time.Second),
			StarvationTick:        envDurationSecs("STARVATION_TICK_SECS", 30*time.Second),
			StarvationIncrement:   envFloat("STARVATION_INCREMENT", 0.5),
		},
		Retention: RetentionConfig{
			JobRetention:         envDays("JOB_RETENTION_DAYS", 30),
			ArchiveRetention:     envDays("JOB_ARCHIVE_RETENTION_DAYS", 365),
			ArchiveSweepInterval: envDurationSecs("ARCHIVE_SWEEP_INTERVAL_SECS", 3600*time.Second),
			SnapshotInterval:     envDurationSecs("SNAPSHOT_INTERVAL_SECS", 300*time.Second),
			SnapshotRetention:    envDays("SNAPSHOT_RETENTION_DAYS", 7),
		},
		Events: EventsConfig{
			KeepAliveInterval: envDurationSecs("EVENT_KEEPALIVE_SECS", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: envInt("RATE_LIMIT_PER_MIN", 60),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if len(c.Backends.URLs) == 0 {
		return fmt.Errorf("BACKEND_URLS is required (comma-separated backend base URLs)")
	}
	for _, u := range c.Backends.URLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("BACKEND_URLS entries must start with http:// or https://, got %q", u)
		}
	}

	if !validStrategies[c.Backends.DefaultStrategy] {
		return fmt.Errorf("LB_STRATEGY must be one of least_connections, round_robin, fastest; got %q",
			c.Backends.DefaultStrategy)
	}

	if c.Scheduler.MaxAttempts < 1 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be at least 1, got %d", c.Scheduler.MaxAttempts)
	}
	if c.Scheduler.PerBackendConcurrency < 1 {
		return fmt.Errorf("PER_BACKEND_CONCURRENCY must be at least 1, got %d", c.Scheduler.PerBackendConcurrency)
	}

	if c.Retention.JobRetention <= 0 {
		return fmt.Errorf("JOB_RETENTION_DAYS must be positive")
	}
	if c.Retention.ArchiveRetention < 0 {
		return fmt.Errorf("JOB_ARCHIVE_RETENTION_DAYS must be zero (disabled) or positive")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envList splits a comma-separated value, trimming whitespace and trailing
// slashes so backend URLs compare equal regardless of how they were written.
func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimRight(strings.TrimSpace(part), "/")
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

func envDays(key string, defaultDays int) time.Duration {
	return time.Duration(envInt(key, defaultDays)) * 24 * time.Hour
}
