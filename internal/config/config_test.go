package config

import (
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_DSN", "host=localhost user=test password=test dbname=test port=5432 sslmode=disable")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("WEBHOOK_ENDPOINT", "https://hooks.example.com/digest")
	t.Setenv("ADMIN_API_TOKEN", "test-admin-token")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", cfg.APIPort)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %s, want info", cfg.LogLevel)
	}
	if cfg.ScheduleTimezone != "Europe/Istanbul" {
		t.Errorf("ScheduleTimezone = %s, want Europe/Istanbul", cfg.ScheduleTimezone)
	}
	if cfg.BatchSize != 8 {
		t.Errorf("BatchSize = %d, want 8", cfg.BatchSize)
	}
	if cfg.SendConcurrency != 3 {
		t.Errorf("SendConcurrency = %d, want 3", cfg.SendConcurrency)
	}
	if cfg.BatchDelay() != 2*time.Second {
		t.Errorf("BatchDelay() = %v, want 2s", cfg.BatchDelay())
	}
	if cfg.TriggerRateLimit != 10 {
		t.Errorf("TriggerRateLimit = %d, want 10", cfg.TriggerRateLimit)
	}
	if !cfg.CronEnabled {
		t.Error("CronEnabled should default to true")
	}
}

func TestLoad_CustomValues(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("API_PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("BATCH_SIZE", "16")
	t.Setenv("BATCH_DELAY_MS", "500")
	t.Setenv("CRON_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", cfg.APIPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
	if cfg.BatchSize != 16 {
		t.Errorf("BatchSize = %d, want 16", cfg.BatchSize)
	}
	if cfg.BatchDelay() != 500*time.Millisecond {
		t.Errorf("BatchDelay() = %v, want 500ms", cfg.BatchDelay())
	}
	if cfg.CronEnabled {
		t.Error("CronEnabled should be false")
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("DATABASE_DSN", "host=localhost")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing required env vars, got nil")
	}
}

func TestLoad_RequiresSomeCredential(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ADMIN_API_TOKEN", "")
	t.Setenv("HMAC_SECRET", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when no control-surface credential is configured")
	}
}

func TestLoad_HMACOnlyCredential(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ADMIN_API_TOKEN", "")
	t.Setenv("HMAC_SECRET", "shared-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HMACSecret != "shared-secret" {
		t.Errorf("HMACSecret = %s, want shared-secret", cfg.HMACSecret)
	}
}
