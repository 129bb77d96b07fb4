// Package reconcile maps external status vocabulary onto the canonical
// lifecycle and drives the completion side effects exactly once.
package reconcile

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"voxelpipe/internal/artifacts"
	"voxelpipe/internal/inference"
	"voxelpipe/internal/joblayout"
	"voxelpipe/internal/logging"
	"voxelpipe/internal/studies"
)

// statusVocabulary maps external status strings to canonical states. Strings
// outside the table pass through uppercased as UNKNOWN.
var statusVocabulary = map[string]studies.Status{
	"pending":     studies.StatusSubmitted,
	"submitted":   studies.StatusSubmitted,
	"queued":      studies.StatusQueued,
	"waiting":     studies.StatusQueued,
	"running":     studies.StatusProcessing,
	"processing":  studies.StatusProcessing,
	"in_progress": studies.StatusProcessing,
	"completed":   studies.StatusCompleted,
	"succeeded":   studies.StatusCompleted,
	"success":     studies.StatusCompleted,
	"failed":      studies.StatusFailed,
	"error":       studies.StatusFailed,
}

// MapStatus converts an external status string into a canonical status.
// Unrecognized vocabulary maps to UNKNOWN.
func MapStatus(external string) studies.Status {
	normalized := strings.ToLower(strings.TrimSpace(external))
	if canonical, ok := statusVocabulary[normalized]; ok {
		return canonical
	}
	return studies.StatusUnknown
}

// Reconciler refreshes the persisted lifecycle of studies from external
// status reports and triggers materialization on completion.
type Reconciler struct {
	db            *studies.Store
	client        *inference.Client
	materializer  *artifacts.Materializer
	jobRoot       string
	statusTimeout time.Duration
	logger        *slog.Logger
}

// New builds a reconciler. The inference client may be nil, in which case
// the job directory's status marker is the status source.
func New(db *studies.Store, client *inference.Client, materializer *artifacts.Materializer, jobRoot string, statusTimeoutSeconds int, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = logging.NewNop()
	}
	timeout := time.Duration(statusTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Reconciler{
		db:            db,
		client:        client,
		materializer:  materializer,
		jobRoot:       jobRoot,
		statusTimeout: timeout,
		logger:        logging.NewComponentLogger(logger, "reconciler"),
	}
}

// Refresh brings the persisted status of a study up to date. A terminal
// study short-circuits: no external query is made at all.
func (r *Reconciler) Refresh(ctx context.Context, studyID string) (*studies.Study, *studies.Job, error) {
	study, err := r.db.GetStudy(ctx, studyID)
	if err != nil {
		return nil, nil, err
	}
	if study == nil {
		return nil, nil, nil
	}
	job, err := r.db.GetJobByStudy(ctx, studyID)
	if err != nil {
		return nil, nil, err
	}
	if study.Status.IsTerminal() || job == nil {
		return study, job, nil
	}

	external, progress := r.queryStatus(ctx, job)
	canonical := MapStatus(external)
	if canonical == studies.StatusUnknown {
		if external != "" {
			r.logger.Warn("unrecognized external status",
				logging.String(logging.FieldJobID, job.ID),
				logging.String("external_status", strings.ToUpper(external)))
		}
		return study, job, nil
	}

	if err := r.db.UpdateJobStatus(ctx, job.ID, canonical, progress); err != nil {
		return nil, nil, err
	}

	layout := joblayout.ForJob(r.jobRoot, job.ExternalJobID)
	switch canonical {
	case studies.StatusCompleted:
		r.fetchResults(ctx, job, layout)
		r.Complete(ctx, study, layout)
	case studies.StatusFailed:
		r.Fail(ctx, study, "compute task reported failure")
	case studies.StatusProcessing, studies.StatusQueued:
		if _, err := r.db.TransitionStudy(ctx, study.ID, canonical); err != nil {
			return nil, nil, err
		}
	}

	study, err = r.db.GetStudy(ctx, studyID)
	if err != nil {
		return nil, nil, err
	}
	job, err = r.db.GetJobByStudy(ctx, studyID)
	return study, job, err
}

// queryStatus asks the inference service when configured, otherwise falls
// back to the job directory's status marker (with output presence implying
// completion).
func (r *Reconciler) queryStatus(ctx context.Context, job *studies.Job) (string, *int) {
	if r.client != nil {
		queryCtx, cancel := context.WithTimeout(ctx, r.statusTimeout)
		defer cancel()
		status, err := r.client.GetStatus(queryCtx, job.ExternalJobID)
		if err != nil {
			r.logger.Warn("status query failed",
				logging.String(logging.FieldJobID, job.ID),
				logging.Error(err))
			return "", nil
		}
		var progress *int
		if status.Progress != nil {
			p := int(*status.Progress)
			progress = &p
		}
		return status.Status, progress
	}

	layout := joblayout.ForJob(r.jobRoot, job.ExternalJobID)
	marker, err := layout.ReadStatus()
	if err != nil {
		r.logger.Warn("status marker unreadable",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err))
		return "", nil
	}
	if marker == "" && layout.HasOutput() {
		return "completed", nil
	}
	return marker, nil
}

// fetchResults downloads the predicted mask from the inference service when
// the compute task did not leave it in the job directory. NotReady is a
// normal pre-terminal answer; materialization then defers and a later result
// request retries the fetch.
func (r *Reconciler) fetchResults(ctx context.Context, job *studies.Job, layout joblayout.Layout) {
	if r.client == nil || layout.HasOutput() {
		return
	}
	outcome, err := r.client.GetResults(ctx, job.ExternalJobID, layout.OutputPath())
	if err != nil {
		r.logger.Warn("result fetch failed",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err))
		return
	}
	switch outcome.State {
	case inference.ResultNotReady:
		r.logger.Info("results not ready yet",
			logging.String(logging.FieldJobID, job.ID))
	case inference.ResultFailed:
		r.logger.Warn("inference service reported failed results",
			logging.String(logging.FieldJobID, job.ID),
			logging.String("reason", outcome.Reason))
	}
}

// Complete transitions the study to COMPLETED and materializes artifacts.
// The compare-and-set on the study row guarantees the side effects run for
// exactly one caller; losers see the winner's terminal state and do nothing.
// Materialization failures are logged and swallowed: the study stays
// COMPLETED and a later result request retries.
func (r *Reconciler) Complete(ctx context.Context, study *studies.Study, layout joblayout.Layout) {
	won, err := r.db.TransitionStudy(ctx, study.ID, studies.StatusCompleted)
	if err != nil {
		r.logger.Error("completion transition failed",
			logging.String(logging.FieldStudyID, study.ID),
			logging.Error(err))
		return
	}
	if !won {
		return
	}
	r.logger.Info("study completed",
		logging.String(logging.FieldStudyID, study.ID))

	if err := r.materializer.Materialize(ctx, study, layout); err != nil {
		r.logger.Warn("materialization deferred",
			logging.String(logging.FieldStudyID, study.ID),
			logging.Error(err))
	}
}

// Fail transitions the study to FAILED and records the reason. No
// materialization is attempted.
func (r *Reconciler) Fail(ctx context.Context, study *studies.Study, message string) {
	if err := r.db.MarkStudyFailed(ctx, study.ID, message); err != nil {
		r.logger.Error("failure transition failed",
			logging.String(logging.FieldStudyID, study.ID),
			logging.Error(err))
		return
	}
	r.logger.Info("study failed",
		logging.String(logging.FieldStudyID, study.ID),
		logging.String("reason", message))
}

// EnsureArtifacts retries materialization lazily for a COMPLETED study whose
// artifacts are missing, then returns the refreshed record.
func (r *Reconciler) EnsureArtifacts(ctx context.Context, study *studies.Study) (*studies.Study, error) {
	job, err := r.db.GetJobByStudy(ctx, study.ID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return study, nil
	}
	layout := joblayout.ForJob(r.jobRoot, job.ExternalJobID)
	r.fetchResults(ctx, job, layout)
	if err := r.materializer.Materialize(ctx, study, layout); err != nil {
		r.logger.Warn("lazy materialization failed",
			logging.String(logging.FieldStudyID, study.ID),
			logging.Error(err))
		return study, err
	}
	return r.db.GetStudy(ctx, study.ID)
}
