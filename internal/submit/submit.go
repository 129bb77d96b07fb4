// Package submit turns an upload into a queued segmentation job: normalize
// the volume, persist the study and job records, stage the canonical input,
// and hand the job to the queue.
package submit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"voxelpipe/internal/blob"
	"voxelpipe/internal/jobqueue"
	"voxelpipe/internal/joblayout"
	"voxelpipe/internal/logging"
	"voxelpipe/internal/studies"
	"voxelpipe/internal/volume"
)

// Request is one upload to process.
type Request struct {
	OwnerScope string
	Category   string
	Prompt     string
	Payload    []byte
}

// Submitter canonicalizes uploads and enqueues their jobs.
type Submitter struct {
	db         *studies.Store
	store      blob.Store
	queue      jobqueue.Queue
	normalizer volume.Normalizer
	jobRoot    string
	logger     *slog.Logger
}

// New builds a submitter.
func New(db *studies.Store, store blob.Store, queue jobqueue.Queue, normalizer volume.Normalizer, jobRoot string, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Submitter{
		db:         db,
		store:      store,
		queue:      queue,
		normalizer: normalizer,
		jobRoot:    jobRoot,
		logger:     logging.NewComponentLogger(logger, "submit"),
	}
}

// Submit normalizes the upload and enqueues a job for it. Malformed input is
// rejected before any record exists; failures after the study is created
// mark it FAILED and return the error.
func (s *Submitter) Submit(ctx context.Context, req Request) (*studies.Study, error) {
	if req.OwnerScope == "" {
		return nil, fmt.Errorf("owner scope is required")
	}
	if len(req.Payload) == 0 {
		return nil, fmt.Errorf("upload payload is empty")
	}

	// Normalization happens before any record exists so bad uploads are
	// rejected synchronously.
	raw, modality, err := volume.Ingest(req.Payload)
	if err != nil {
		return nil, err
	}
	hint := strings.TrimSpace(req.Category + " " + req.Prompt)
	canonical, err := s.normalizer.Canonicalize(raw, modality, hint)
	if err != nil {
		return nil, err
	}
	canonical.EnsurePrompts(req.Prompt)

	study, err := s.db.CreateStudy(ctx, req.OwnerScope, req.Category, req.Prompt)
	if err != nil {
		return nil, err
	}
	if err := s.stage(ctx, study, canonical); err != nil {
		_ = s.db.MarkStudyFailed(ctx, study.ID, err.Error())
		s.logger.Error("submission failed",
			logging.String(logging.FieldStudyID, study.ID),
			logging.Error(err))
		return nil, err
	}
	return s.db.GetStudy(ctx, study.ID)
}

// stage persists the canonical volume, creates the job, and enqueues it.
func (s *Submitter) stage(ctx context.Context, study *studies.Study, canonical *volume.Canonical) error {
	externalJobID := uuid.NewString()
	job, err := s.db.CreateJob(ctx, study.ID, externalJobID)
	if err != nil {
		return err
	}

	layout := joblayout.ForJob(s.jobRoot, externalJobID)
	if err := layout.Prepare(); err != nil {
		return err
	}
	if err := canonical.Save(layout.InputPath()); err != nil {
		return err
	}
	if err := layout.WriteStatus("queued"); err != nil {
		return err
	}

	// The staged input doubles as the stored source: both carry the same
	// canonical bytes.
	sourceKey := blob.SourceKey(study.OwnerScope, study.ID)
	if err := s.store.Put(ctx, sourceKey, layout.InputPath(), "application/zip"); err != nil {
		return err
	}
	if err := s.db.SetStudySource(ctx, study.ID, sourceKey); err != nil {
		return err
	}

	if err := s.queue.Enqueue(ctx, job.ID, externalJobID); err != nil {
		return err
	}
	if err := s.db.UpdateJobStatus(ctx, job.ID, studies.StatusQueued, nil); err != nil {
		return err
	}
	if _, err := s.db.TransitionStudy(ctx, study.ID, studies.StatusQueued); err != nil {
		return err
	}

	s.logger.Info("job enqueued",
		logging.String(logging.FieldStudyID, study.ID),
		logging.String(logging.FieldJobID, job.ID),
		logging.Int("slices", canonical.Dim[0]))
	return nil
}
