package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9090")
	}
	if cfg.BlobBackend != "fs" {
		t.Fatalf("BlobBackend = %q, want %q", cfg.BlobBackend, "fs")
	}
	if cfg.EchoVisibility != 72*time.Hour {
		t.Fatalf("EchoVisibility = %v, want %v", cfg.EchoVisibility, 72*time.Hour)
	}
	if cfg.MaxRecordingLength != 10*time.Second {
		t.Fatalf("MaxRecordingLength = %v, want %v", cfg.MaxRecordingLength, 10*time.Second)
	}
}

func TestLoadRejectsS3WithoutBucket(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("BLOB_BACKEND", "s3")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error for s3 backend without bucket")
	}
}

func TestLoadRejectsRetentionShorterThanVisibility(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("ECHO_VISIBILITY", "48h")
	t.Setenv("ECHO_RETENTION", "24h")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected retention validation error")
	}
}

func TestLoadParsesDurations(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("MAX_RECORDING_DURATION", "15s")
	t.Setenv("BRIDGE_CALL_TIMEOUT", "3s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxRecordingLength != 15*time.Second {
		t.Fatalf("MaxRecordingLength = %v, want 15s", cfg.MaxRecordingLength)
	}
	if cfg.BridgeCallTimeout != 3*time.Second {
		t.Fatalf("BridgeCallTimeout = %v, want 3s", cfg.BridgeCallTimeout)
	}
}

func TestLoadRejectsBadBool(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "maybe")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected bool parse error")
	}
}

func TestLoadSubmitRate(t *testing.T) {
	setCoreEnvEmpty(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SubmitRatePerMinute != 30 {
		t.Fatalf("SubmitRatePerMinute = %d, want 30", cfg.SubmitRatePerMinute)
	}

	t.Setenv("SUBMIT_RATE_PER_MINUTE", "-1")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error for negative submit rate")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"DATABASE_URL",
		"SQLITE_PATH",
		"BLOB_BACKEND",
		"BLOB_DIR",
		"S3_BUCKET",
		"S3_PREFIX",
		"S3_PUBLIC_BASE_URL",
		"REDIS_ADDR",
		"AUTH_JWT_SECRET",
		"ECHO_VISIBILITY",
		"ECHO_RETENTION",
		"ECHO_PURGE_SCHEDULE",
		"TURN_RACE_RETRIES",
		"FFMPEG_PATH",
		"MAX_RECORDING_DURATION",
		"MAX_ARTIFACT_BYTES",
		"BRIDGE_CALL_TIMEOUT",
		"SUBMIT_RATE_PER_MINUTE",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
