package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Worker.Concurrency != 4 {
		t.Fatalf("concurrency = %d, want default 4", cfg.Worker.Concurrency)
	}
	if cfg.Limits.Platform.EnforcementMode != "full" {
		t.Fatalf("mode = %q, want full", cfg.Limits.Platform.EnforcementMode)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webpilot.yaml")
	content := `
worker:
  concurrency: 8
  pause_timeout: 2m
limits:
  platform:
    max_concurrent_model_calls: 16
    max_tokens_per_hour: 500000
    enforcement_mode: soft
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Worker.Concurrency != 8 {
		t.Fatalf("concurrency = %d, want 8", cfg.Worker.Concurrency)
	}
	if cfg.Worker.PauseTimeout != 2*time.Minute {
		t.Fatalf("pause timeout = %v, want 2m", cfg.Worker.PauseTimeout)
	}
	if cfg.Limits.Platform.MaxConcurrentModelCalls != 16 {
		t.Fatalf("model calls ceiling = %d, want 16", cfg.Limits.Platform.MaxConcurrentModelCalls)
	}
	// Untouched sections keep their defaults.
	if cfg.Queue.MaxAttempts != 3 {
		t.Fatalf("max attempts = %d, want default 3", cfg.Queue.MaxAttempts)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("WEBPILOT_ENFORCEMENT_MODE", "shadow")
	t.Setenv("WEBPILOT_GENAI_API_KEY", "test-key")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Limits.Platform.EnforcementMode != "shadow" {
		t.Fatalf("mode = %q, want shadow from env", cfg.Limits.Platform.EnforcementMode)
	}
	if cfg.Models.APIKey != "test-key" {
		t.Fatal("api key not taken from env")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty queue path", func(c *Config) { c.Queue.Path = "" }},
		{"zero concurrency", func(c *Config) { c.Worker.Concurrency = 0 }},
		{"zero attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }},
		{"backoff below one", func(c *Config) { c.Queue.BackoffBase = 0.5 }},
		{"unknown mode", func(c *Config) { c.Limits.Platform.EnforcementMode = "loose" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}

func TestLoadPlatformLimits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webpilot.yaml")
	content := `
limits:
  platform:
    max_concurrent_model_calls: 2
    max_tokens_per_hour: 1000
    max_queued_jobs: 5
    enforcement_mode: full
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	pl, err := LoadPlatformLimits(path)
	if err != nil {
		t.Fatalf("load platform limits: %v", err)
	}
	if pl.MaxConcurrentModelCalls != 2 || pl.MaxTokensPerHour != 1000 || pl.MaxQueuedJobs != 5 {
		t.Fatalf("limits = %+v", pl)
	}
}
