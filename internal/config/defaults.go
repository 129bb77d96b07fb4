package config

const (
	defaultDataDir           = "~/.local/share/voxelpipe"
	defaultLogDir            = "~/.local/share/voxelpipe/logs"
	defaultJobRoot           = "~/.local/share/voxelpipe/jobs"
	defaultLocalStorageRoot  = "~/.local/share/voxelpipe/storage"
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
	defaultQueueWaitSeconds  = 20
	defaultVisibilitySeconds = 300
	defaultComputeTimeout    = 1800
	defaultComputePoll       = 5
	defaultInferenceTimeout  = 30
	defaultTargetHeight      = 512
	defaultTargetWidth       = 512
	defaultTargetSlices      = 325
	defaultPollInterval      = 5
	defaultErrorRetry        = 10
	defaultMaxConcurrent     = 2
	defaultReceiveWait       = 20
	defaultPresignTTL        = 3600
	defaultStatusTimeout     = 15
	defaultContainerName     = "segmenter"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
			JobRoot: defaultJobRoot,
		},
		Storage: Storage{
			Backend:   "local",
			LocalRoot: defaultLocalStorageRoot,
			Region:    "us-east-1",
		},
		Queue: Queue{
			Backend:                  "sqlite",
			WaitSeconds:              defaultQueueWaitSeconds,
			VisibilityTimeoutSeconds: defaultVisibilitySeconds,
		},
		Compute: Compute{
			Backend:        "exec",
			Command:        []string{"predict.sh"},
			ContainerName:  defaultContainerName,
			TimeoutSeconds: defaultComputeTimeout,
			PollSeconds:    defaultComputePoll,
		},
		Inference: Inference{
			TimeoutSeconds: defaultInferenceTimeout,
		},
		Normalize: Normalize{
			TargetHeight:   defaultTargetHeight,
			TargetWidth:    defaultTargetWidth,
			TargetSlices:   defaultTargetSlices,
			ResampleSlices: true,
		},
		Workflow: Workflow{
			PollIntervalSeconds:  defaultPollInterval,
			ErrorRetrySeconds:    defaultErrorRetry,
			MaxConcurrentJobs:    defaultMaxConcurrent,
			ReceiveWaitSeconds:   defaultReceiveWait,
			PresignTTLSeconds:    defaultPresignTTL,
			StatusTimeoutSeconds: defaultStatusTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
