package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "maxwell.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "MAXWELL_PORT")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "MAXWELL_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "MAXWELL_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "MAXWELL_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "MAXWELL_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "MAXWELL_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "MAXWELL_LOG_LEVEL")
	setString(&cfg.Logging.Service, "MAXWELL_LOG_SERVICE")
	setBool(&cfg.Telemetry.Enabled, "MAXWELL_OTEL_ENABLED")
	setString(&cfg.Telemetry.Endpoint, "MAXWELL_OTEL_ENDPOINT")
	setInt(&cfg.Breaker.MaxFailures, "MAXWELL_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "MAXWELL_BREAKER_TIMEOUT")
	setDuration(&cfg.Bus.RedeliveryTimeout, "MAXWELL_BUS_REDELIVERY_TIMEOUT")
	setInt(&cfg.Bus.MaxAttempts, "MAXWELL_BUS_MAX_ATTEMPTS")
	setInt64(&cfg.Cache.MaxSizeMB, "MAXWELL_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.SnapshotTTL, "MAXWELL_CACHE_SNAPSHOT_TTL")
	setInt64(&cfg.Orchestrator.MaxConcurrentTasks, "MAXWELL_ORCH_MAX_CONCURRENT_TASKS")
	setInt(&cfg.Orchestrator.MaxConcurrentProjects, "MAXWELL_ORCH_MAX_CONCURRENT_PROJECTS")
	setInt(&cfg.Orchestrator.TaskRetryLimit, "MAXWELL_ORCH_TASK_RETRY_LIMIT")
	setDuration(&cfg.Orchestrator.SchedulingInterval, "MAXWELL_ORCH_SCHEDULING_INTERVAL")
	setDuration(&cfg.Orchestrator.HeartbeatTimeout, "MAXWELL_ORCH_HEARTBEAT_TIMEOUT")
	setDuration(&cfg.Orchestrator.SweepInterval, "MAXWELL_ORCH_SWEEP_INTERVAL")
	setFloat64(&cfg.Orchestrator.QualityThreshold, "MAXWELL_ORCH_QUALITY_THRESHOLD")
	setDuration(&cfg.Orchestrator.MetricsInterval, "MAXWELL_ORCH_METRICS_INTERVAL")
	setDuration(&cfg.Orchestrator.ViolationRetention, "MAXWELL_ORCH_VIOLATION_RETENTION")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Bus.MaxAttempts < 1 {
		return errors.New("bus.max_attempts must be >= 1")
	}
	if cfg.Orchestrator.MaxConcurrentTasks < 1 {
		return errors.New("orchestrator.max_concurrent_tasks must be >= 1")
	}
	if cfg.Orchestrator.TaskRetryLimit < 0 {
		return errors.New("orchestrator.task_retry_limit must be >= 0")
	}
	if cfg.Orchestrator.QualityThreshold < 0 || cfg.Orchestrator.QualityThreshold > 1 {
		return errors.New("orchestrator.quality_threshold must be in [0,1]")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
