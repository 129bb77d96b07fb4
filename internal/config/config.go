// Package config loads, normalizes, and validates voxelpipe configuration.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
	JobRoot string `toml:"job_root"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Storage contains blob store configuration.
type Storage struct {
	Backend         string `toml:"backend"` // "s3" or "local"
	Bucket          string `toml:"bucket"`
	Region          string `toml:"region"`
	Endpoint        string `toml:"endpoint"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	LocalRoot       string `toml:"local_root"`
}

// Queue contains job queue configuration.
type Queue struct {
	Backend                  string `toml:"backend"` // "sqs" or "sqlite"
	URL                      string `toml:"url"`
	WaitSeconds              int    `toml:"wait_seconds"`
	VisibilityTimeoutSeconds int    `toml:"visibility_timeout_seconds"`
}

// Compute contains remote compute task configuration.
type Compute struct {
	Backend          string   `toml:"backend"` // "ecs" or "exec"
	Cluster          string   `toml:"cluster"`
	TaskDefinition   string   `toml:"task_definition"`
	ContainerName    string   `toml:"container_name"`
	Subnets          []string `toml:"subnets"`
	SecurityGroups   []string `toml:"security_groups"`
	CapacityProvider string   `toml:"capacity_provider"`
	Command          []string `toml:"command"` // exec backend only
	TimeoutSeconds   int      `toml:"timeout_seconds"`
	PollSeconds      int      `toml:"poll_seconds"`
}

// Inference contains configuration for the external inference status API.
type Inference struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Normalize contains volume canonicalization settings.
type Normalize struct {
	TargetHeight   int  `toml:"target_height"`
	TargetWidth    int  `toml:"target_width"`
	TargetSlices   int  `toml:"target_slices"`
	ResampleSlices bool `toml:"resample_slices"`
}

// Workflow contains daemon timing and concurrency settings.
type Workflow struct {
	PollIntervalSeconds  int `toml:"poll_interval_seconds"`
	ErrorRetrySeconds    int `toml:"error_retry_seconds"`
	MaxConcurrentJobs    int `toml:"max_concurrent_jobs"`
	ReceiveWaitSeconds   int `toml:"receive_wait_seconds"`
	PresignTTLSeconds    int `toml:"presign_ttl_seconds"`
	StatusTimeoutSeconds int `toml:"status_timeout_seconds"`
}

// Config encapsulates all configuration values for voxelpipe.
//
// Configuration sections by subsystem:
//   - Paths: data, log, and shared job directories
//   - Storage: blob store backend (S3 or local filesystem)
//   - Queue: job queue backend (SQS or local SQLite)
//   - Compute: remote segmentation task launcher (ECS or local exec)
//   - Inference: external inference status API
//   - Normalize: canonical volume dimensions and slice policy
//   - Workflow: dispatcher polling intervals and concurrency
//   - Logging: log format and level
type Config struct {
	Paths     Paths     `toml:"paths"`
	Storage   Storage   `toml:"storage"`
	Queue     Queue     `toml:"queue"`
	Compute   Compute   `toml:"compute"`
	Inference Inference `toml:"inference"`
	Normalize Normalize `toml:"normalize"`
	Workflow  Workflow  `toml:"workflow"`
	Logging   Logging   `toml:"logging"`
}

// DefaultConfigPath returns the absolute path of the default config location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/voxelpipe/config.toml")
}

// SampleConfig returns the embedded sample configuration text.
func SampleConfig() string {
	return sampleConfig
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. When no file exists the
// defaults are returned and exists is false.
func Load(path string) (cfg *Config, resolvedPath string, exists bool, err error) {
	defaults := Default()
	cfg = &defaults

	resolvedPath, exists, err = resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, openErr := os.Open(resolvedPath)
		if openErr != nil {
			return nil, "", false, fmt.Errorf("open config: %w", openErr)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if decodeErr := decoder.Decode(cfg); decodeErr != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", decodeErr)
		}
	}

	if err = cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err = cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	return defaultPath, false, nil
}

func (c *Config) normalize() error {
	for _, field := range []*string{&c.Paths.DataDir, &c.Paths.LogDir, &c.Paths.JobRoot, &c.Storage.LocalRoot} {
		expanded, err := expandPath(*field)
		if err != nil {
			return err
		}
		*field = expanded
	}
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.Queue.Backend = strings.ToLower(strings.TrimSpace(c.Queue.Backend))
	c.Compute.Backend = strings.ToLower(strings.TrimSpace(c.Compute.Backend))
	c.Inference.BaseURL = strings.TrimRight(strings.TrimSpace(c.Inference.BaseURL), "/")
	return nil
}

// EnsureDirectories creates the directories the daemon needs at runtime.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.Paths.LogDir, c.Paths.JobRoot}
	if c.Storage.Backend == "local" {
		dirs = append(dirs, c.Storage.LocalRoot)
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if trimmed == "~" {
			return home, nil
		}
		return filepath.Join(home, trimmed[2:]), nil
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", path, err)
	}
	return abs, nil
}
