package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PURGE_SECRET", "")
	t.Setenv("ADMIN_EMAILS", " Safety@Example.com, ,ops@example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.PurgeSecret != "" {
		t.Fatalf("expected purge secret to stay empty, got %q", cfg.PurgeSecret)
	}
	limit, ok := cfg.RateLimits["link_child"]
	if !ok || limit.MaxRequests != 6 || limit.WindowSeconds != 300 {
		t.Fatalf("unexpected link_child policy: %+v", limit)
	}
	if cfg.MessageRetention != 365*24*time.Hour {
		t.Fatalf("unexpected message retention %s", cfg.MessageRetention)
	}
	if len(cfg.AdminEmails) != 2 || cfg.AdminEmails[0] != "safety@example.com" {
		t.Fatalf("unexpected admin emails %v", cfg.AdminEmails)
	}
}

func TestValidateRejectsBadRateLimit(t *testing.T) {
	cfg := Config{
		Addr:               ":1",
		DatabaseURL:        "postgres://x",
		RateLimitNamespace: "rl",
		RateLimits:         map[string]RateLimit{"link_child": {MaxRequests: 0, WindowSeconds: 300}},
		MessageRetention:   time.Hour,
		ReportRetention:    time.Hour,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero max requests")
	}
}

func TestArchiveConfigured(t *testing.T) {
	cfg := Config{S3Endpoint: "localhost:9000", S3Bucket: "purge"}
	if cfg.ArchiveConfigured() {
		t.Fatal("expected archive to need credentials")
	}
	cfg.S3AccessKey, cfg.S3SecretKey = "a", "b"
	if !cfg.ArchiveConfigured() {
		t.Fatal("expected archive to be configured")
	}
}
