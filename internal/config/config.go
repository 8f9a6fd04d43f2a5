package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the voicetalk service and its
// host-side bridge tooling.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	// Storage. DatabaseURL wins over SQLitePath; both empty means in-memory.
	DatabaseURL string
	SQLitePath  string

	BlobBackend     string
	BlobDir         string
	S3Bucket        string
	S3Prefix        string
	S3PublicBaseURL string

	RedisAddr string

	AuthJWTSecret string

	EchoVisibility     time.Duration
	EchoRetention      time.Duration
	EchoPurgeSchedule  string
	TurnRaceRetries    int
	FFmpegPath         string
	MaxRecordingLength time.Duration
	MaxArtifactBytes   int
	BridgeCallTimeout  time.Duration

	// SubmitRatePerMinute caps clip submissions per user. 0 disables.
	SubmitRatePerMinute int
}

// Load reads environment variables (after an optional .env file) and applies
// safe defaults.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		BindAddr:           envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "voicetalk"),
		LogLevel:           envOrDefault("LOG_LEVEL", "info"),
		LogFormat:          envOrDefault("LOG_FORMAT", "console"),
		DatabaseURL:        stringsTrimSpace("DATABASE_URL"),
		SQLitePath:         stringsTrimSpace("SQLITE_PATH"),
		BlobBackend:        envOrDefault("BLOB_BACKEND", "fs"),
		BlobDir:            envOrDefault("BLOB_DIR", "data/blobs"),
		S3Bucket:           stringsTrimSpace("S3_BUCKET"),
		S3Prefix:           envOrDefault("S3_PREFIX", "recordings/"),
		S3PublicBaseURL:    stringsTrimSpace("S3_PUBLIC_BASE_URL"),
		RedisAddr:          stringsTrimSpace("REDIS_ADDR"),
		AuthJWTSecret:      stringsTrimSpace("AUTH_JWT_SECRET"),
		EchoPurgeSchedule:  envOrDefault("ECHO_PURGE_SCHEDULE", "@hourly"),
		FFmpegPath:         envOrDefault("FFMPEG_PATH", "ffmpeg"),
		ShutdownTimeout:    15 * time.Second,
		EchoVisibility:     72 * time.Hour,
		EchoRetention:      30 * 24 * time.Hour,
		TurnRaceRetries:    3,
		MaxRecordingLength: 10 * time.Second,
		MaxArtifactBytes:   2 << 20,
		BridgeCallTimeout:  15 * time.Second,

		SubmitRatePerMinute: 30,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.EchoVisibility, err = durationFromEnv("ECHO_VISIBILITY", cfg.EchoVisibility)
	if err != nil {
		return Config{}, err
	}
	cfg.EchoRetention, err = durationFromEnv("ECHO_RETENTION", cfg.EchoRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.TurnRaceRetries, err = intFromEnv("TURN_RACE_RETRIES", cfg.TurnRaceRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxRecordingLength, err = durationFromEnv("MAX_RECORDING_DURATION", cfg.MaxRecordingLength)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxArtifactBytes, err = intFromEnv("MAX_ARTIFACT_BYTES", cfg.MaxArtifactBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.BridgeCallTimeout, err = durationFromEnv("BRIDGE_CALL_TIMEOUT", cfg.BridgeCallTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SubmitRatePerMinute, err = intFromEnv("SUBMIT_RATE_PER_MINUTE", cfg.SubmitRatePerMinute)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch strings.ToLower(c.BlobBackend) {
	case "fs":
		if strings.TrimSpace(c.BlobDir) == "" {
			return fmt.Errorf("BLOB_DIR is required when BLOB_BACKEND=fs")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when BLOB_BACKEND=s3")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid BLOB_BACKEND: %q (expected fs|s3|memory)", c.BlobBackend)
	}
	if c.EchoVisibility <= 0 {
		return fmt.Errorf("ECHO_VISIBILITY must be positive")
	}
	if c.EchoRetention < c.EchoVisibility {
		return fmt.Errorf("ECHO_RETENTION must be >= ECHO_VISIBILITY")
	}
	if c.TurnRaceRetries <= 0 {
		return fmt.Errorf("TURN_RACE_RETRIES must be positive")
	}
	if c.MaxRecordingLength < time.Second {
		return fmt.Errorf("MAX_RECORDING_DURATION must be at least 1s")
	}
	if c.MaxArtifactBytes <= 0 {
		return fmt.Errorf("MAX_ARTIFACT_BYTES must be positive")
	}
	if c.BridgeCallTimeout <= 0 {
		return fmt.Errorf("BRIDGE_CALL_TIMEOUT must be positive")
	}
	if c.SubmitRatePerMinute < 0 {
		return fmt.Errorf("SUBMIT_RATE_PER_MINUTE must not be negative")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
