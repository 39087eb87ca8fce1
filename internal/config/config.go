package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	ReplayBackendRedis    = "redis"
	ReplayBackendPostgres = "postgres"
)

type Config struct {
	ServerPort  string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	JWTExpiry   time.Duration

	ReplayBackend    string
	ReplayRetention  time.Duration
	ReplayMaxEntries int

	SyncHeartbeat   time.Duration
	SyncDedupWindow int
	SyncMaxPending  int
	SyncBufferSize  int
	PresenceTTL     time.Duration

	LogLevel  string
	LogFormat string
}

func LoadConfig() (*Config, error) {
	jwtExpiry, err := getDuration("JWT_EXPIRY", "24h")
	if err != nil {
		return nil, err
	}
	retention, err := getDuration("REPLAY_RETENTION", "24h")
	if err != nil {
		return nil, err
	}
	heartbeat, err := getDuration("SYNC_HEARTBEAT", "15s")
	if err != nil {
		return nil, err
	}
	presenceTTL, err := getDuration("PRESENCE_TTL", "60s")
	if err != nil {
		return nil, err
	}
	maxEntries, err := getInt("REPLAY_MAX_ENTRIES", 1000)
	if err != nil {
		return nil, err
	}
	dedupWindow, err := getInt("SYNC_DEDUP_WINDOW", 4096)
	if err != nil {
		return nil, err
	}
	maxPending, err := getInt("SYNC_MAX_PENDING", 10000)
	if err != nil {
		return nil, err
	}
	bufferSize, err := getInt("SYNC_BUFFER_SIZE", 256)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ServerPort:       getEnv("SERVER_PORT", "8080"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		JWTExpiry:        jwtExpiry,
		ReplayBackend:    getEnv("REPLAY_BACKEND", ReplayBackendRedis),
		ReplayRetention:  retention,
		ReplayMaxEntries: maxEntries,
		SyncHeartbeat:    heartbeat,
		SyncDedupWindow:  dedupWindow,
		SyncMaxPending:   maxPending,
		SyncBufferSize:   bufferSize,
		PresenceTTL:      presenceTTL,
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", "json"),
	}

	// Validate required fields
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	switch cfg.ReplayBackend {
	case ReplayBackendRedis:
	case ReplayBackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required for the postgres replay backend")
		}
	default:
		return nil, fmt.Errorf("unknown REPLAY_BACKEND %q", cfg.ReplayBackend)
	}
	if cfg.SyncHeartbeat <= 0 {
		return nil, errors.New("SYNC_HEARTBEAT must be positive")
	}

	return cfg, nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key, defaultValue string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("invalid %s format", key)
	}
	return d, nil
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s value", key)
	}
	return n, nil
}
