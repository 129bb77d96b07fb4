package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateCompute(); err != nil {
		return err
	}
	if err := c.validateNormalize(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.DataDir == "" {
		return errors.New("paths.data_dir must be set")
	}
	if c.Paths.JobRoot == "" {
		return errors.New("paths.job_root must be set")
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case "s3":
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket is required for the s3 backend")
		}
		if c.Storage.Region == "" {
			return errors.New("storage.region is required for the s3 backend")
		}
	case "local":
		if c.Storage.LocalRoot == "" {
			return errors.New("storage.local_root is required for the local backend")
		}
	default:
		return fmt.Errorf("storage.backend: unsupported value %q (expected s3 or local)", c.Storage.Backend)
	}
	return nil
}

func (c *Config) validateQueue() error {
	switch c.Queue.Backend {
	case "sqs":
		if c.Queue.URL == "" {
			return errors.New("queue.url is required for the sqs backend")
		}
	case "sqlite":
	default:
		return fmt.Errorf("queue.backend: unsupported value %q (expected sqs or sqlite)", c.Queue.Backend)
	}
	if c.Queue.WaitSeconds < 0 || c.Queue.WaitSeconds > 20 {
		return errors.New("queue.wait_seconds must be between 0 and 20")
	}
	if c.Queue.VisibilityTimeoutSeconds <= 0 {
		return errors.New("queue.visibility_timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateCompute() error {
	switch c.Compute.Backend {
	case "ecs":
		if c.Compute.Cluster == "" {
			return errors.New("compute.cluster is required for the ecs backend")
		}
		if c.Compute.TaskDefinition == "" {
			return errors.New("compute.task_definition is required for the ecs backend")
		}
		if len(c.Compute.Subnets) == 0 {
			return errors.New("compute.subnets is required for the ecs backend")
		}
	case "exec":
		if len(c.Compute.Command) == 0 {
			return errors.New("compute.command is required for the exec backend")
		}
	default:
		return fmt.Errorf("compute.backend: unsupported value %q (expected ecs or exec)", c.Compute.Backend)
	}
	if c.Compute.TimeoutSeconds <= 0 {
		return errors.New("compute.timeout_seconds must be positive")
	}
	if c.Compute.PollSeconds <= 0 {
		return errors.New("compute.poll_seconds must be positive")
	}
	return nil
}

func (c *Config) validateNormalize() error {
	if c.Normalize.TargetHeight <= 0 || c.Normalize.TargetWidth <= 0 {
		return errors.New("normalize.target_height and normalize.target_width must be positive")
	}
	if c.Normalize.ResampleSlices && c.Normalize.TargetSlices <= 1 {
		return errors.New("normalize.target_slices must be greater than 1 when resampling is enabled")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.MaxConcurrentJobs <= 0 {
		return errors.New("workflow.max_concurrent_jobs must be positive")
	}
	if c.Workflow.PollIntervalSeconds <= 0 {
		return errors.New("workflow.poll_interval_seconds must be positive")
	}
	if c.Workflow.ErrorRetrySeconds <= 0 {
		return errors.New("workflow.error_retry_seconds must be positive")
	}
	return nil
}
