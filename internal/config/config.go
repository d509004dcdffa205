// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	JWTSecret          string
	LogLevel           string
	LogFormat          string
	WatchInterval      time.Duration
	WatchPageSize      int
	SweepInterval      time.Duration
	StaleThreshold     time.Duration
	TokenWarningWindow time.Duration
	MaxConnections     int64
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		JWTSecret:   getEnv("JWT_SECRET", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "text"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	var err error
	if cfg.WatchInterval, err = getDuration("WATCH_INTERVAL", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getDuration("SWEEP_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.StaleThreshold, err = getDuration("STALE_THRESHOLD", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.TokenWarningWindow, err = getDuration("TOKEN_WARNING_WINDOW", time.Minute); err != nil {
		return nil, err
	}

	pageSize, err := getInt("WATCH_PAGE_SIZE", 500)
	if err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		return nil, fmt.Errorf("WATCH_PAGE_SIZE must be positive, got %d", pageSize)
	}
	cfg.WatchPageSize = int(pageSize)

	maxConns, err := getInt("MAX_CONNECTIONS", 10000)
	if err != nil {
		return nil, err
	}
	if maxConns <= 0 {
		return nil, fmt.Errorf("MAX_CONNECTIONS must be positive, got %d", maxConns)
	}
	cfg.MaxConnections = maxConns

	if cfg.WatchInterval <= 0 {
		return nil, fmt.Errorf("WATCH_INTERVAL must be positive, got %s", cfg.WatchInterval)
	}
	if cfg.StaleThreshold <= 0 {
		return nil, fmt.Errorf("STALE_THRESHOLD must be positive, got %s", cfg.StaleThreshold)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 2s or 1h: %w", key, err)
	}
	return d, nil
}

func getInt(key string, defaultValue int64) (int64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}
