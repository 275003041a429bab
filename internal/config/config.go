package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DBSource        string
	DBMaxConns      int32
	Port            string
	Env             string
	LogLevel        string
	MigrationsPath  string
	ShutdownTimeout time.Duration
	Accept          AcceptConfig
}

// AcceptConfig bounds the automatic retry of accepts that lose a lock race.
type AcceptConfig struct {
	MaxRetries     uint64
	RetryBaseDelay time.Duration
}

const (
	defaultPort            = "8080"
	defaultEnv             = "development"
	defaultMigrationsPath  = "migrations"
	defaultShutdownTimeout = 10 * time.Second
	defaultAcceptRetries   = 5
	defaultAcceptBaseDelay = 10 * time.Millisecond
)

func Load() (*Config, error) {
	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	cfg := &Config{
		DBSource:       dbSource,
		Port:           valueOrDefault("SERVER_PORT", defaultPort),
		Env:            valueOrDefault("ENVIRONMENT", defaultEnv),
		LogLevel:       os.Getenv("LOG_LEVEL"),
		MigrationsPath: valueOrDefault("MIGRATIONS_PATH", defaultMigrationsPath),
	}

	maxConns, err := parseInt("DB_MAX_CONNS", 0, 32)
	if err != nil {
		return nil, err
	}
	cfg.DBMaxConns = int32(maxConns)

	if cfg.ShutdownTimeout, err = parseDuration("SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout); err != nil {
		return nil, err
	}

	retries, err := parseInt("ACCEPT_MAX_RETRIES", defaultAcceptRetries, 64)
	if err != nil {
		return nil, err
	}
	if retries < 0 {
		return nil, fmt.Errorf("ACCEPT_MAX_RETRIES must not be negative, got %d", retries)
	}
	cfg.Accept.MaxRetries = uint64(retries)

	if cfg.Accept.RetryBaseDelay, err = parseDuration("ACCEPT_RETRY_BASE_DELAY", defaultAcceptBaseDelay); err != nil {
		return nil, err
	}

	return cfg, nil
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseInt(key string, fallback int64, bits int) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	return n, nil
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
