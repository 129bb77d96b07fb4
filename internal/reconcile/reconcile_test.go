package reconcile_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"voxelpipe/internal/artifacts"
	"voxelpipe/internal/blob"
	"voxelpipe/internal/config"
	"voxelpipe/internal/inference"
	"voxelpipe/internal/joblayout"
	"voxelpipe/internal/npz"
	"voxelpipe/internal/reconcile"
	"voxelpipe/internal/studies"
	"voxelpipe/internal/testsupport"
	"voxelpipe/internal/volume"
)

func TestMapStatus(t *testing.T) {
	tests := []struct {
		external string
		want     studies.Status
	}{
		{"pending", studies.StatusSubmitted},
		{"queued", studies.StatusQueued},
		{"RUNNING", studies.StatusProcessing},
		{" in_progress ", studies.StatusProcessing},
		{"succeeded", studies.StatusCompleted},
		{"completed", studies.StatusCompleted},
		{"error", studies.StatusFailed},
		{"failed", studies.StatusFailed},
		{"warming_up", studies.StatusUnknown},
		{"", studies.StatusUnknown},
	}
	for _, tc := range tests {
		if got := reconcile.MapStatus(tc.external); got != tc.want {
			t.Errorf("MapStatus(%q) = %s, want %s", tc.external, got, tc.want)
		}
	}
}

type reconcileEnv struct {
	cfg    *config.Config
	db     *studies.Store
	store  blob.Store
	rec    *reconcile.Reconciler
	study  *studies.Study
	job    *studies.Job
	layout joblayout.Layout
}

// newReconcileEnv wires a reconciler against local storage with one queued
// study. The inference client may be nil for marker-driven reconciliation.
func newReconcileEnv(t *testing.T, client *inference.Client) *reconcileEnv {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenStore(t, cfg)
	store, err := blob.NewLocalRoot(cfg.Storage.LocalRoot)
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	scratch := filepath.Join(cfg.Paths.DataDir, "scratch")
	mat := artifacts.New(store, db, scratch, nil)
	rec := reconcile.New(db, client, mat, cfg.Paths.JobRoot, 5, nil)

	ctx := context.Background()
	study, err := db.CreateStudy(ctx, "tenant-a", "lung", "a segmentation of the left lung")
	if err != nil {
		t.Fatalf("CreateStudy: %v", err)
	}
	job, err := db.CreateJob(ctx, study.ID, "ext-rec-1")
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if _, err := db.TransitionStudy(ctx, study.ID, studies.StatusQueued); err != nil {
		t.Fatalf("TransitionStudy: %v", err)
	}

	layout := joblayout.ForJob(cfg.Paths.JobRoot, job.ExternalJobID)
	if err := layout.Prepare(); err != nil {
		t.Fatalf("prepare layout: %v", err)
	}
	return &reconcileEnv{cfg: cfg, db: db, store: store, rec: rec, study: study, job: job, layout: layout}
}

// stageSource plants the canonical source blob so materialization can read
// it back.
func (e *reconcileEnv) stageSource(t *testing.T) {
	t.Helper()
	source := &volume.Canonical{
		Data:    make([]float32, 2*4*4),
		Dim:     [3]int{2, 4, 4},
		Spacing: [3]float64{2, 1, 1},
		Prompts: volume.NewPromptMap("a segmentation of the left lung"),
	}
	staged := filepath.Join(t.TempDir(), "src.npz")
	if err := source.Save(staged); err != nil {
		t.Fatalf("save source: %v", err)
	}
	if err := e.store.Put(context.Background(), blob.SourceKey(e.study.OwnerScope, e.study.ID), staged, "application/zip"); err != nil {
		t.Fatalf("stage source: %v", err)
	}
}

// stageResult plants the canonical source and the predicted mask so that
// materialization can succeed.
func (e *reconcileEnv) stageResult(t *testing.T) {
	t.Helper()
	e.stageSource(t)
	mask := make([]uint8, 2*4*4)
	for i := range mask {
		mask[i] = uint8(i % 2)
	}
	if err := (npz.Archive{"segs": npz.FromUint8(mask, 2, 4, 4)}).WriteFile(e.layout.OutputPath()); err != nil {
		t.Fatalf("stage mask: %v", err)
	}
}

func TestRefreshTerminalStudySkipsExternalQuery(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(inference.StatusResponse{Status: "running"})
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Inference.BaseURL = server.URL
	client := inference.NewClient(cfg)
	if client == nil {
		t.Fatal("client should be configured")
	}

	env := newReconcileEnv(t, client)
	ctx := context.Background()
	if _, err := env.db.TransitionStudy(ctx, env.study.ID, studies.StatusCompleted); err != nil {
		t.Fatalf("TransitionStudy: %v", err)
	}

	study, _, err := env.rec.Refresh(ctx, env.study.ID)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if study.Status != studies.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", study.Status)
	}
	if got := hits.Load(); got != 0 {
		t.Errorf("terminal refresh made %d external queries, want 0", got)
	}
}

func TestRefreshPropagatesProgress(t *testing.T) {
	progress := 42.5
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(inference.StatusResponse{Status: "running", Progress: &progress})
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Inference.BaseURL = server.URL
	env := newReconcileEnv(t, inference.NewClient(cfg))

	study, job, err := env.rec.Refresh(context.Background(), env.study.ID)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if study.Status != studies.StatusProcessing {
		t.Errorf("study status = %s, want PROCESSING", study.Status)
	}
	if job.Status != studies.StatusProcessing || job.ProgressPercent != 42 {
		t.Errorf("job = %s/%d%%, want PROCESSING/42%%", job.Status, job.ProgressPercent)
	}
}

func TestRefreshUnknownStatusLeavesStateAlone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(inference.StatusResponse{Status: "warming_up"})
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Inference.BaseURL = server.URL
	env := newReconcileEnv(t, inference.NewClient(cfg))

	study, job, err := env.rec.Refresh(context.Background(), env.study.ID)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if study.Status != studies.StatusQueued {
		t.Errorf("study status = %s, want QUEUED untouched", study.Status)
	}
	if job.Status != studies.StatusSubmitted {
		t.Errorf("job status = %s, want SUBMITTED untouched", job.Status)
	}
}

func TestRefreshCompletesFromStatusMarker(t *testing.T) {
	env := newReconcileEnv(t, nil)
	env.stageResult(t)
	if err := env.layout.WriteStatus("completed"); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}

	study, job, err := env.rec.Refresh(context.Background(), env.study.ID)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if study.Status != studies.StatusCompleted {
		t.Fatalf("study status = %s, want COMPLETED", study.Status)
	}
	if !job.IsCompleted() {
		t.Errorf("job status = %s, want COMPLETED", job.Status)
	}
	if study.ImageKey == "" || study.MaskKey == "" {
		t.Errorf("completion must materialize artifacts, got %+v", study)
	}
}

func TestRefreshCompletesWhenOutputPresentWithoutMarker(t *testing.T) {
	env := newReconcileEnv(t, nil)
	env.stageResult(t)

	study, _, err := env.rec.Refresh(context.Background(), env.study.ID)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if study.Status != studies.StatusCompleted {
		t.Errorf("output presence should imply completion, status = %s", study.Status)
	}
}

func TestRefreshFetchesResultsFromService(t *testing.T) {
	mask := make([]uint8, 2*4*4)
	for i := range mask {
		mask[i] = uint8(i % 2)
	}
	payload, err := (npz.Archive{"segs": npz.FromUint8(mask, 2, 4, 4)}).Encode()
	if err != nil {
		t.Fatalf("encode result: %v", err)
	}

	// The compute task left nothing in the job directory: status and result
	// both come from the inference service.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/status"):
			_ = json.NewEncoder(w).Encode(inference.StatusResponse{Status: "completed"})
		case strings.HasSuffix(r.URL.Path, "/results"):
			_, _ = w.Write(payload)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Inference.BaseURL = server.URL
	env := newReconcileEnv(t, inference.NewClient(cfg))
	env.stageSource(t)

	study, job, err := env.rec.Refresh(context.Background(), env.study.ID)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if study.Status != studies.StatusCompleted || !job.IsCompleted() {
		t.Fatalf("study/job = %s/%s, want COMPLETED", study.Status, job.Status)
	}
	if !env.layout.HasOutput() {
		t.Error("fetched results should land at the job output path")
	}
	if study.ImageKey == "" || study.MaskKey == "" {
		t.Errorf("fetched results should materialize artifacts, got %+v", study)
	}
}

func TestRefreshFailsFromStatusMarker(t *testing.T) {
	env := newReconcileEnv(t, nil)
	if err := env.layout.WriteStatus("failed"); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}

	study, job, err := env.rec.Refresh(context.Background(), env.study.ID)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if study.Status != studies.StatusFailed {
		t.Errorf("study status = %s, want FAILED", study.Status)
	}
	if study.ErrorMessage == "" {
		t.Error("failure must record a reason")
	}
	if !job.IsFailed() {
		t.Errorf("job status = %s, want FAILED", job.Status)
	}
}

func TestEnsureArtifactsRetriesMaterialization(t *testing.T) {
	env := newReconcileEnv(t, nil)
	ctx := context.Background()

	// Completion won while the result staging is still missing: the study is
	// COMPLETED but materialization was deferred.
	if err := env.layout.WriteStatus("completed"); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}
	study, _, err := env.rec.Refresh(ctx, env.study.ID)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if study.Status != studies.StatusCompleted || study.MaskKey != "" {
		t.Fatalf("expected deferred materialization, got %+v", study)
	}

	env.stageResult(t)
	study, err = env.rec.EnsureArtifacts(ctx, study)
	if err != nil {
		t.Fatalf("EnsureArtifacts: %v", err)
	}
	if study.ImageKey == "" || study.MaskKey == "" {
		t.Errorf("lazy materialization should backfill artifacts, got %+v", study)
	}
}
