// Package daemon combines the component graph, the dispatcher, and
// flock-based locking so only one voxelpiped instance runs per host.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/gofrs/flock"

	"voxelpipe/internal/config"
	"voxelpipe/internal/logging"
	"voxelpipe/internal/worker"
)

// Daemon owns the background dispatcher lifecycle.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	services   *Services
	dispatcher *worker.Dispatcher

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New constructs a daemon around an already-wired service graph.
func New(cfg *config.Config, services *Services, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || services == nil {
		return nil, errors.New("daemon requires config and services")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	lockPath := filepath.Join(cfg.Paths.LogDir, "voxelpiped.lock")
	return &Daemon{
		cfg:      cfg,
		logger:   logger,
		services: services,
		dispatcher: worker.New(cfg, services.DB, services.Queue, services.Runner,
			services.Reconciler, logger),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Start acquires the instance lock and launches the dispatcher.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another voxelpiped instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	go func() {
		defer close(d.done)
		if err := d.dispatcher.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("dispatcher exited", logging.Error(err))
		}
	}()

	d.running.Store(true)
	d.logger.Info("voxelpiped started", logging.String("lock", d.lockPath))
	return nil
}

// Stop cancels admission, waits for in-flight jobs, and releases the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.done != nil {
		<-d.done
		d.done = nil
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("voxelpiped stopped")
}

// Close stops the daemon and releases service handles.
func (d *Daemon) Close() error {
	d.Stop()
	return d.services.Close()
}
