package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"voxelpipe/internal/artifacts"
	"voxelpipe/internal/blob"
	"voxelpipe/internal/compute"
	"voxelpipe/internal/config"
	"voxelpipe/internal/inference"
	"voxelpipe/internal/jobqueue"
	"voxelpipe/internal/reconcile"
	"voxelpipe/internal/studies"
	"voxelpipe/internal/submit"
	"voxelpipe/internal/urlcache"
	"voxelpipe/internal/volume"
)

// Services wires the pipeline components for one process. Both the daemon
// and the CLI build the same graph; only the daemon adds the dispatcher and
// instance lock on top.
type Services struct {
	Config       *config.Config
	DB           *studies.Store
	Queue        jobqueue.Queue
	Blobs        blob.Store
	Runner       compute.Runner
	Client       *inference.Client
	Materializer *artifacts.Materializer
	Reconciler   *reconcile.Reconciler
	Submitter    *submit.Submitter
	URLs         *urlcache.Cache

	queueCloser interface{ Close() error }
}

// NewServices builds the component graph from configuration.
func NewServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Services, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	db, err := studies.Open(cfg)
	if err != nil {
		return nil, err
	}

	svc := &Services{Config: cfg, DB: db}
	cleanup := func() {
		_ = db.Close()
		if svc.queueCloser != nil {
			_ = svc.queueCloser.Close()
		}
	}

	switch cfg.Queue.Backend {
	case "sqs":
		svc.Queue, err = jobqueue.NewSQS(ctx, cfg)
	case "sqlite":
		var q *jobqueue.SQLiteQueue
		q, err = jobqueue.NewSQLite(cfg)
		svc.Queue = q
		svc.queueCloser = q
	default:
		err = fmt.Errorf("queue.backend: unsupported value %q", cfg.Queue.Backend)
	}
	if err != nil {
		cleanup()
		return nil, err
	}

	switch cfg.Storage.Backend {
	case "s3":
		svc.Blobs, err = blob.NewS3(ctx, cfg)
	case "local":
		svc.Blobs, err = blob.NewLocal(cfg)
	default:
		err = fmt.Errorf("storage.backend: unsupported value %q", cfg.Storage.Backend)
	}
	if err != nil {
		cleanup()
		return nil, err
	}

	switch cfg.Compute.Backend {
	case "ecs":
		svc.Runner, err = compute.NewECS(ctx, cfg)
	case "exec":
		svc.Runner, err = compute.NewExec(cfg.Compute.Command)
	default:
		err = fmt.Errorf("compute.backend: unsupported value %q", cfg.Compute.Backend)
	}
	if err != nil {
		cleanup()
		return nil, err
	}

	svc.Client = inference.NewClient(cfg)
	scratch := filepath.Join(cfg.Paths.DataDir, "scratch")
	svc.Materializer = artifacts.New(svc.Blobs, db, scratch, logger)
	svc.Reconciler = reconcile.New(db, svc.Client, svc.Materializer, cfg.Paths.JobRoot, cfg.Workflow.StatusTimeoutSeconds, logger)
	svc.Submitter = submit.New(db, svc.Blobs, svc.Queue, volume.NewNormalizer(cfg.Normalize), cfg.Paths.JobRoot, logger)
	svc.URLs = urlcache.New(svc.Blobs, cfg.Workflow.PresignTTLSeconds)
	return svc, nil
}

// Close releases the database and queue handles.
func (s *Services) Close() error {
	var firstErr error
	if s.queueCloser != nil {
		firstErr = s.queueCloser.Close()
	}
	if err := s.DB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
