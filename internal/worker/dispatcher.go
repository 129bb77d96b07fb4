// Package worker consumes the job queue under a bounded concurrency limit
// and supervises one compute task per job from launch to terminal state.
package worker

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"voxelpipe/internal/compute"
	"voxelpipe/internal/config"
	"voxelpipe/internal/jobqueue"
	"voxelpipe/internal/joblayout"
	"voxelpipe/internal/logging"
	"voxelpipe/internal/pipeline"
	"voxelpipe/internal/reconcile"
	"voxelpipe/internal/studies"
)

// Dispatcher runs the admission loop. The loop itself is single-threaded;
// each admitted job executes in its own goroutine holding one capacity slot.
type Dispatcher struct {
	db          *studies.Store
	queue       jobqueue.Queue
	runner      compute.Runner
	reconciler  *reconcile.Reconciler
	jobRoot     string
	receiveWait int
	errorRetry  time.Duration
	taskTimeout time.Duration
	slots       chan struct{}
	logger      *slog.Logger

	wg sync.WaitGroup
}

// New builds a dispatcher from configuration.
func New(cfg *config.Config, db *studies.Store, queue jobqueue.Queue, runner compute.Runner, reconciler *reconcile.Reconciler, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Dispatcher{
		db:          db,
		queue:       queue,
		runner:      runner,
		reconciler:  reconciler,
		jobRoot:     cfg.Paths.JobRoot,
		receiveWait: cfg.Workflow.ReceiveWaitSeconds,
		errorRetry:  time.Duration(cfg.Workflow.ErrorRetrySeconds) * time.Second,
		taskTimeout: time.Duration(cfg.Compute.TimeoutSeconds) * time.Second,
		slots:       make(chan struct{}, cfg.Workflow.MaxConcurrentJobs),
		logger:      logging.NewComponentLogger(logger, "dispatcher"),
	}
}

// Run admits jobs until the context is cancelled, then waits for in-flight
// jobs to finish. Admission blocks on a free capacity slot before touching
// the queue, so a slow job never stalls its siblings and a full house stops
// the long-poll entirely.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started",
		logging.Int("max_concurrent", cap(d.slots)))

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping, waiting for in-flight jobs")
			d.wg.Wait()
			return ctx.Err()
		case d.slots <- struct{}{}:
		}

		msg, err := d.queue.Receive(ctx, d.receiveWait)
		if err != nil {
			<-d.slots
			if ctx.Err() != nil {
				continue
			}
			d.logger.Error("queue receive failed", logging.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(d.errorRetry):
			}
			continue
		}
		if msg == nil {
			<-d.slots
			continue
		}

		d.wg.Add(1)
		go func(msg *jobqueue.Message) {
			defer d.wg.Done()
			defer func() { <-d.slots }()
			// In-flight jobs run to completion even during shutdown.
			d.process(context.WithoutCancel(ctx), msg)
		}(msg)
	}
}

// process drives one delivery end to end. The message is acknowledged only
// after a successfully persisted COMPLETED outcome (or when the job turns
// out to be already terminal); failures withhold the ack so the queue's
// redelivery policy governs retry.
func (d *Dispatcher) process(ctx context.Context, msg *jobqueue.Message) {
	jobLogger := d.logger.With(logging.String(logging.FieldJobID, msg.JobID))

	job, err := d.db.GetJob(ctx, msg.JobID)
	if err != nil {
		jobLogger.Error("job lookup failed", logging.Error(err))
		return
	}
	if job == nil {
		jobLogger.Warn("message references unknown job, dropping")
		d.acknowledge(ctx, msg, jobLogger)
		return
	}

	// Redelivery of a terminal job must not relaunch compute work. COMPLETED
	// means a previous run crashed between persisting and acknowledging;
	// FAILED means redelivery already retried a deliberate failure.
	if job.Status.IsTerminal() {
		jobLogger.Info("job already terminal, acknowledging redelivery",
			logging.String("status", string(job.Status)))
		d.acknowledge(ctx, msg, jobLogger)
		return
	}

	study, err := d.db.GetStudy(ctx, job.StudyID)
	if err != nil || study == nil {
		jobLogger.Error("study lookup failed", logging.Error(err))
		return
	}

	layout := joblayout.ForJob(d.jobRoot, job.ExternalJobID)
	if _, err := os.Stat(layout.InputPath()); err != nil {
		d.fail(ctx, job, study, layout, jobLogger,
			pipeline.NewResultMissing("input volume %s does not exist", layout.InputPath()))
		return
	}

	// PROCESSING is persisted before any remote call so a crash from here on
	// is observable in the job record.
	if err := d.db.UpdateJobStatus(ctx, job.ID, studies.StatusProcessing, nil); err != nil {
		jobLogger.Error("persist processing failed", logging.Error(err))
		return
	}
	if _, err := d.db.TransitionStudy(ctx, study.ID, studies.StatusProcessing); err != nil {
		jobLogger.Error("study transition failed", logging.Error(err))
		return
	}
	_ = layout.WriteStatus("running")
	jobLogger.Info("job processing",
		logging.String(logging.FieldStudyID, study.ID))

	handle, err := d.runner.Launch(ctx, job.ExternalJobID)
	if err != nil {
		d.fail(ctx, job, study, layout, jobLogger, err)
		return
	}
	result, err := d.runner.Wait(ctx, handle, d.taskTimeout)
	if err != nil {
		d.fail(ctx, job, study, layout, jobLogger, err)
		return
	}
	if !result.Succeeded() {
		d.fail(ctx, job, study, layout, jobLogger,
			pipeline.NewTaskFailed("task exited with code %d: %s", result.ExitCode, result.Reason))
		return
	}
	if !layout.HasOutput() {
		d.fail(ctx, job, study, layout, jobLogger,
			pipeline.NewResultMissing("task succeeded but %s is missing", layout.OutputPath()))
		return
	}

	_ = layout.WriteStatus("completed")
	if err := d.db.UpdateJobStatus(ctx, job.ID, studies.StatusCompleted, nil); err != nil {
		jobLogger.Error("persist completed failed, leaving message for redelivery", logging.Error(err))
		return
	}
	d.reconciler.Complete(ctx, study, layout)
	d.acknowledge(ctx, msg, jobLogger)
	jobLogger.Info("job completed",
		logging.String(logging.FieldStudyID, study.ID))
}

// fail persists the terminal failure and deliberately withholds the
// acknowledgement: the message becomes visible again after the visibility
// timeout and the queue's max-attempts policy bounds further retries.
func (d *Dispatcher) fail(ctx context.Context, job *studies.Job, study *studies.Study, layout joblayout.Layout, logger *slog.Logger, cause error) {
	logger.Error("job failed",
		logging.String(logging.FieldStudyID, study.ID),
		logging.String("kind", string(pipeline.KindOf(cause))),
		logging.Error(cause))
	_ = layout.WriteStatus("failed")
	if err := d.db.UpdateJobStatus(ctx, job.ID, studies.StatusFailed, nil); err != nil {
		logger.Error("persist failed status failed", logging.Error(err))
	}
	d.reconciler.Fail(ctx, study, cause.Error())
}

func (d *Dispatcher) acknowledge(ctx context.Context, msg *jobqueue.Message, logger *slog.Logger) {
	if err := d.queue.Acknowledge(ctx, msg.AckToken); err != nil {
		logger.Warn("acknowledge failed", logging.Error(err))
	}
}
