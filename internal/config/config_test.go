package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.toml")
	cfg, resolved, exists, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if exists {
		t.Error("exists should be false for a missing file")
	}
	if resolved != path {
		t.Errorf("resolved path = %q, want %q", resolved, path)
	}
	if cfg.Storage.Backend != "local" || cfg.Queue.Backend != "sqlite" {
		t.Errorf("defaults not applied: storage=%q queue=%q", cfg.Storage.Backend, cfg.Queue.Backend)
	}
}

func TestLoadOverridesAndNormalizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[storage]
backend = " Local "
local_root = "/tmp/voxelpipe-test-storage"

[inference]
base_url = "http://inference.internal/"

[workflow]
max_concurrent_jobs = 7
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, exists, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists {
		t.Fatal("exists should be true")
	}
	if cfg.Storage.Backend != "local" {
		t.Errorf("backend = %q, want lowercased %q", cfg.Storage.Backend, "local")
	}
	if cfg.Inference.BaseURL != "http://inference.internal" {
		t.Errorf("base URL = %q, trailing slash should be stripped", cfg.Inference.BaseURL)
	}
	if cfg.Workflow.MaxConcurrentJobs != 7 {
		t.Errorf("max_concurrent_jobs = %d, want 7", cfg.Workflow.MaxConcurrentJobs)
	}
	// Untouched sections keep their defaults.
	if cfg.Queue.Backend != "sqlite" {
		t.Errorf("queue backend = %q, want default sqlite", cfg.Queue.Backend)
	}
}

func TestValidateRejectsBadBackends(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"storage", func(c *Config) { c.Storage.Backend = "ftp" }, "storage.backend"},
		{"queue", func(c *Config) { c.Queue.Backend = "rabbitmq" }, "queue.backend"},
		{"compute", func(c *Config) { c.Compute.Backend = "lambda" }, "compute.backend"},
		{"s3 without bucket", func(c *Config) { c.Storage.Backend = "s3"; c.Storage.Bucket = "" }, "storage.bucket"},
		{"sqs without url", func(c *Config) { c.Queue.Backend = "sqs"; c.Queue.URL = "" }, "queue.url"},
		{"ecs without cluster", func(c *Config) { c.Compute.Backend = "ecs" }, "compute.cluster"},
		{"zero visibility", func(c *Config) { c.Queue.VisibilityTimeoutSeconds = 0 }, "visibility_timeout"},
		{"zero concurrency", func(c *Config) { c.Workflow.MaxConcurrentJobs = 0 }, "max_concurrent_jobs"},
		{"resample without slices", func(c *Config) { c.Normalize.ResampleSlices = true; c.Normalize.TargetSlices = 1 }, "target_slices"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestSampleConfigIsPresent(t *testing.T) {
	sample := SampleConfig()
	for _, section := range []string{"[storage]", "[queue]", "[compute]", "[normalize]", "[workflow]"} {
		if !strings.Contains(sample, section) {
			t.Errorf("sample config missing %s section", section)
		}
	}
}
