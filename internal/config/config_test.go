package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, key := range []string{"HOST", "PORT", "FILTER_MODEL_PATH", "INFERENCE_DEVICE", "CORS_ALLOWED_ORIGINS", "POSTGRES_DSN", "RATE_LIMIT_WINDOW", "MAX_IMAGE_PIXELS", "TRACE_SAMPLE_RATIO"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.API.Addr() != "0.0.0.0:7860" {
		t.Fatalf("expected default addr 0.0.0.0:7860, got %s", cfg.API.Addr())
	}
	if cfg.Models.FilterPath != "models/filter_model.onnx" {
		t.Fatalf("unexpected filter path %q", cfg.Models.FilterPath)
	}
	if cfg.Models.Device != "auto" {
		t.Fatalf("expected auto device, got %q", cfg.Models.Device)
	}
	if len(cfg.API.CORSAllowedOrigins) != 1 || cfg.API.CORSAllowedOrigins[0] != "*" {
		t.Fatalf("expected wildcard CORS, got %v", cfg.API.CORSAllowedOrigins)
	}
	if cfg.Database.DSN != "" {
		t.Fatalf("expected empty DSN, got %q", cfg.Database.DSN)
	}
	if cfg.RateLimit.Window != time.Minute {
		t.Fatalf("expected 1m rate limit window, got %s", cfg.RateLimit.Window)
	}
	if cfg.Models.MaxImagePixels != 178_956_970 {
		t.Fatalf("unexpected pixel limit %d", cfg.Models.MaxImagePixels)
	}
	if cfg.Tracing.SampleRatio != 1 {
		t.Fatalf("expected every trace sampled, got %v", cfg.Tracing.SampleRatio)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("PORT", "8000")
	t.Setenv("INFERENCE_DEVICE", "cpu")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")
	t.Setenv("WEBHOOK_TIMEOUT", "not-a-duration")
	t.Setenv("MAX_UPLOAD_BYTES", "1024")
	t.Setenv("MAX_IMAGE_PIXELS", "4000000")
	t.Setenv("TRACE_SAMPLE_RATIO", "0.25")

	cfg := Load()
	if cfg.API.Addr() != "127.0.0.1:8000" {
		t.Fatalf("unexpected addr %s", cfg.API.Addr())
	}
	if cfg.Models.Device != "cpu" {
		t.Fatalf("expected cpu device, got %q", cfg.Models.Device)
	}
	if got := cfg.API.CORSAllowedOrigins; len(got) != 2 || got[1] != "https://b.example" {
		t.Fatalf("unexpected CORS origins %v", got)
	}
	if cfg.RateLimit.Window != 30*time.Second {
		t.Fatalf("expected 30s window, got %s", cfg.RateLimit.Window)
	}
	if cfg.Webhook.Timeout != 10*time.Second {
		t.Fatalf("expected fallback webhook timeout, got %s", cfg.Webhook.Timeout)
	}
	if cfg.API.MaxUploadBytes != 1024 {
		t.Fatalf("expected 1024 upload bytes, got %d", cfg.API.MaxUploadBytes)
	}
	if cfg.Models.MaxImagePixels != 4_000_000 {
		t.Fatalf("expected 4000000 pixel limit, got %d", cfg.Models.MaxImagePixels)
	}
	if cfg.Tracing.SampleRatio != 0.25 {
		t.Fatalf("expected 0.25 sample ratio, got %v", cfg.Tracing.SampleRatio)
	}
}

func TestLoadReadsDotEnvWithoutOverridingEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("FUSION_MODEL_PATH=/srv/fusion.onnx\nPORT=9999\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("PORT", "8001")
	t.Setenv("FUSION_MODEL_PATH", "")
	os.Unsetenv("FUSION_MODEL_PATH")
	t.Cleanup(func() { os.Unsetenv("FUSION_MODEL_PATH") })

	cfg := Load()
	if cfg.Models.FusionPath != "/srv/fusion.onnx" {
		t.Fatalf("expected fusion path from .env, got %q", cfg.Models.FusionPath)
	}
	if cfg.API.Port != 8001 {
		t.Fatalf("expected environment port to win, got %d", cfg.API.Port)
	}
}
