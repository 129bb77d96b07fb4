package compute

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"voxelpipe/internal/pipeline"
)

// ExecRunner runs the segmentation command as a local process, for
// development without an ECS cluster.
type ExecRunner struct {
	command []string

	mu      sync.Mutex
	running map[string]*execTask
}

type execTask struct {
	cmd  *exec.Cmd
	done chan error
}

// NewExec builds a local process runner for the given command line.
func NewExec(command []string) (*ExecRunner, error) {
	if len(command) == 0 {
		return nil, errors.New("compute command is empty")
	}
	return &ExecRunner{command: command, running: map[string]*execTask{}}, nil
}

func (r *ExecRunner) Launch(_ context.Context, reference string) (string, error) {
	cmd := exec.Command(r.command[0], r.command[1:]...)
	cmd.Env = append(os.Environ(), referenceEnvVar+"="+reference)
	if err := cmd.Start(); err != nil {
		return "", pipeline.NewTaskLaunch(err, "start %s for %s", r.command[0], reference)
	}

	task := &execTask{cmd: cmd, done: make(chan error, 1)}
	go func() { task.done <- cmd.Wait() }()

	handle := uuid.NewString()
	r.mu.Lock()
	r.running[handle] = task
	r.mu.Unlock()
	return handle, nil
}

func (r *ExecRunner) Wait(ctx context.Context, handle string, timeout time.Duration) (*Result, error) {
	r.mu.Lock()
	task, ok := r.running[handle]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown task handle %s", handle)
	}
	defer func() {
		r.mu.Lock()
		delete(r.running, handle)
		r.mu.Unlock()
	}()

	select {
	case err := <-task.done:
		if err == nil {
			return &Result{ExitCode: 0}, nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &Result{ExitCode: exitErr.ExitCode(), Reason: exitErr.String()}, nil
		}
		return nil, fmt.Errorf("wait for task: %w", err)
	case <-time.After(timeout):
		_ = task.cmd.Process.Kill()
		return nil, pipeline.NewTaskTimeout("task %s exceeded %s", handle, timeout)
	case <-ctx.Done():
		_ = task.cmd.Process.Kill()
		return nil, ctx.Err()
	}
}
