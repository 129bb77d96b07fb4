// Package compute launches and supervises the ephemeral segmentation task
// for one job. A runner only reports how the task ended; interpreting the
// exit code is the caller's concern.
package compute

import (
	"context"
	"time"
)

// Result describes how a finished task stopped.
type Result struct {
	ExitCode int
	Reason   string
}

// Succeeded reports a clean zero exit.
func (r *Result) Succeeded() bool { return r != nil && r.ExitCode == 0 }

// Runner is the remote-execution contract shared by the ECS and exec
// backends.
type Runner interface {
	// Launch starts one task for the job reference and returns an opaque
	// handle for Wait.
	Launch(ctx context.Context, reference string) (string, error)

	// Wait blocks until the task reaches a terminal state or the timeout
	// fires. Timeouts surface as a task timeout error, not a Result.
	Wait(ctx context.Context, handle string, timeout time.Duration) (*Result, error)
}

// Environment variable carrying the job reference into the task.
const referenceEnvVar = "JOB_REFERENCE"
