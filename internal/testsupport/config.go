// Package testsupport provides shared helpers for package tests.
package testsupport

import (
	"path/filepath"
	"testing"

	"voxelpipe/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test:
// local storage, sqlite queue, and exec compute.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.JobRoot = filepath.Join(base, "jobs")
	cfg.Storage.Backend = "local"
	cfg.Storage.LocalRoot = filepath.Join(base, "storage")
	cfg.Queue.Backend = "sqlite"
	cfg.Queue.WaitSeconds = 0
	cfg.Queue.VisibilityTimeoutSeconds = 1
	cfg.Compute.Backend = "exec"
	cfg.Compute.Command = []string{"true"}
	cfg.Compute.TimeoutSeconds = 5
	cfg.Compute.PollSeconds = 1
	cfg.Workflow.ReceiveWaitSeconds = 0
	cfg.Workflow.ErrorRetrySeconds = 1

	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

// WithNormalizeTargets overrides the canonical slice geometry.
func WithNormalizeTargets(height, width, slices int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Normalize.TargetHeight = height
		cfg.Normalize.TargetWidth = width
		cfg.Normalize.TargetSlices = slices
	}
}
