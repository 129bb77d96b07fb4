package studies_test

import (
	"context"
	"testing"

	"voxelpipe/internal/studies"
	"voxelpipe/internal/testsupport"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to studies.Status
		want     bool
	}{
		{studies.StatusSubmitted, studies.StatusQueued, true},
		{studies.StatusQueued, studies.StatusProcessing, true},
		{studies.StatusProcessing, studies.StatusCompleted, true},
		{studies.StatusSubmitted, studies.StatusFailed, true},
		{studies.StatusProcessing, studies.StatusQueued, false},
		{studies.StatusCompleted, studies.StatusProcessing, false},
		{studies.StatusCompleted, studies.StatusFailed, false},
		{studies.StatusFailed, studies.StatusCompleted, false},
	}
	for _, tc := range tests {
		if got := studies.CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStudyLifecycle(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	study, err := store.CreateStudy(ctx, "tenant-a", "lung", "a segmentation of the left lung")
	if err != nil {
		t.Fatalf("CreateStudy: %v", err)
	}
	if study.Status != studies.StatusSubmitted {
		t.Fatalf("new study status = %s, want %s", study.Status, studies.StatusSubmitted)
	}

	for _, status := range []studies.Status{studies.StatusQueued, studies.StatusProcessing} {
		moved, err := store.TransitionStudy(ctx, study.ID, status)
		if err != nil {
			t.Fatalf("TransitionStudy(%s): %v", status, err)
		}
		if !moved {
			t.Fatalf("transition to %s should succeed", status)
		}
	}

	// Downgrades are ignored.
	moved, err := store.TransitionStudy(ctx, study.ID, studies.StatusQueued)
	if err != nil {
		t.Fatalf("TransitionStudy: %v", err)
	}
	if moved {
		t.Fatal("a downgrade must not be applied")
	}
}

func TestTransitionStudyCompletedExactlyOnce(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	study, err := store.CreateStudy(ctx, "tenant-a", "", "")
	if err != nil {
		t.Fatalf("CreateStudy: %v", err)
	}

	won, err := store.TransitionStudy(ctx, study.ID, studies.StatusCompleted)
	if err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if !won {
		t.Fatal("first caller should win the completion transition")
	}

	won, err = store.TransitionStudy(ctx, study.ID, studies.StatusCompleted)
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if won {
		t.Fatal("second caller must not win the completion transition")
	}

	loaded, err := store.GetStudy(ctx, study.ID)
	if err != nil {
		t.Fatalf("GetStudy: %v", err)
	}
	if loaded.CompletedAt == nil {
		t.Error("completion should set the terminal timestamp")
	}
}

func TestMarkStudyFailedIsTerminalSafe(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	study, err := store.CreateStudy(ctx, "tenant-a", "", "")
	if err != nil {
		t.Fatalf("CreateStudy: %v", err)
	}
	if _, err := store.TransitionStudy(ctx, study.ID, studies.StatusCompleted); err != nil {
		t.Fatalf("TransitionStudy: %v", err)
	}

	if err := store.MarkStudyFailed(ctx, study.ID, "late failure"); err != nil {
		t.Fatalf("MarkStudyFailed: %v", err)
	}
	loaded, err := store.GetStudy(ctx, study.ID)
	if err != nil {
		t.Fatalf("GetStudy: %v", err)
	}
	if loaded.Status != studies.StatusCompleted {
		t.Errorf("terminal study must not regress, got %s", loaded.Status)
	}
	if loaded.ErrorMessage != "" {
		t.Errorf("error message must not be recorded on a terminal study, got %q", loaded.ErrorMessage)
	}
}

func TestJobLifecycle(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	study, err := store.CreateStudy(ctx, "tenant-a", "", "")
	if err != nil {
		t.Fatalf("CreateStudy: %v", err)
	}
	job, err := store.CreateJob(ctx, study.ID, "ext-123")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.Status != studies.StatusSubmitted || job.ProgressPercent != 0 {
		t.Fatalf("new job = %s/%d%%", job.Status, job.ProgressPercent)
	}

	if err := store.UpdateJobStatus(ctx, job.ID, studies.StatusProcessing, nil); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}
	loaded, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if loaded.StartedAt == nil {
		t.Error("PROCESSING should record the start timestamp")
	}

	progress := 60
	if err := store.UpdateJobStatus(ctx, job.ID, studies.StatusProcessing, &progress); err != nil {
		t.Fatalf("UpdateJobStatus progress: %v", err)
	}
	loaded, _ = store.GetJob(ctx, job.ID)
	if loaded.ProgressPercent != 60 {
		t.Errorf("progress = %d, want 60", loaded.ProgressPercent)
	}

	if err := store.UpdateJobStatus(ctx, job.ID, studies.StatusCompleted, nil); err != nil {
		t.Fatalf("UpdateJobStatus completed: %v", err)
	}
	loaded, _ = store.GetJob(ctx, job.ID)
	if loaded.ProgressPercent != 100 || loaded.CompletedAt == nil {
		t.Errorf("completed job = %d%% completedAt=%v", loaded.ProgressPercent, loaded.CompletedAt)
	}

	// Terminal jobs never transition again.
	if err := store.UpdateJobStatus(ctx, job.ID, studies.StatusProcessing, nil); err != nil {
		t.Fatalf("UpdateJobStatus after terminal: %v", err)
	}
	loaded, _ = store.GetJob(ctx, job.ID)
	if loaded.Status != studies.StatusCompleted {
		t.Errorf("terminal job regressed to %s", loaded.Status)
	}

	byStudy, err := store.GetJobByStudy(ctx, study.ID)
	if err != nil || byStudy == nil || byStudy.ID != job.ID {
		t.Fatalf("GetJobByStudy = %+v, %v", byStudy, err)
	}
}

func TestListStudiesFiltersByStatus(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	a, _ := store.CreateStudy(ctx, "tenant-a", "", "")
	if _, err := store.CreateStudy(ctx, "tenant-a", "", ""); err != nil {
		t.Fatalf("CreateStudy: %v", err)
	}
	if _, err := store.TransitionStudy(ctx, a.ID, studies.StatusCompleted); err != nil {
		t.Fatalf("TransitionStudy: %v", err)
	}

	completed, err := store.ListStudies(ctx, studies.StatusCompleted)
	if err != nil {
		t.Fatalf("ListStudies: %v", err)
	}
	if len(completed) != 1 || completed[0].ID != a.ID {
		t.Fatalf("completed list = %+v", completed)
	}

	all, err := store.ListStudies(ctx)
	if err != nil {
		t.Fatalf("ListStudies all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all list has %d entries, want 2", len(all))
	}
}
