package artifacts_test

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"voxelpipe/internal/artifacts"
	"voxelpipe/internal/blob"
	"voxelpipe/internal/joblayout"
	"voxelpipe/internal/nifti"
	"voxelpipe/internal/npz"
	"voxelpipe/internal/studies"
	"voxelpipe/internal/testsupport"
	"voxelpipe/internal/volume"
)

// countingStore records how many uploads pass through it.
type countingStore struct {
	blob.Store
	puts atomic.Int64
}

func (c *countingStore) Put(ctx context.Context, key, localPath, contentType string) error {
	c.puts.Add(1)
	return c.Store.Put(ctx, key, localPath, contentType)
}

func setupMaterializer(t *testing.T) (*artifacts.Materializer, *countingStore, *studies.Store, *studies.Study, joblayout.Layout) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenStore(t, cfg)
	local, err := blob.NewLocalRoot(cfg.Storage.LocalRoot)
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	store := &countingStore{Store: local}
	m := artifacts.New(store, db, filepath.Join(cfg.Paths.DataDir, "scratch"), nil)

	ctx := context.Background()
	study, err := db.CreateStudy(ctx, "tenant-a", "lung", "a segmentation of the left lung")
	if err != nil {
		t.Fatalf("CreateStudy: %v", err)
	}

	// Stage the canonical source volume.
	source := &volume.Canonical{
		Data:    make([]float32, 3*4*4),
		Dim:     [3]int{3, 4, 4},
		Spacing: [3]float64{2.5, 1, 1},
		Prompts: volume.NewPromptMap("a segmentation of the left lung"),
	}
	for i := range source.Data {
		source.Data[i] = float32(i % 200)
	}
	staged := filepath.Join(t.TempDir(), "src.npz")
	if err := source.Save(staged); err != nil {
		t.Fatalf("save source: %v", err)
	}
	if err := store.Put(ctx, blob.SourceKey(study.OwnerScope, study.ID), staged, "application/zip"); err != nil {
		t.Fatalf("stage source: %v", err)
	}

	// Stage the compute task's output mask.
	layout := joblayout.ForJob(cfg.Paths.JobRoot, "ext-1")
	if err := layout.Prepare(); err != nil {
		t.Fatalf("prepare layout: %v", err)
	}
	mask := make([]uint8, 3*4*4)
	for i := range mask {
		mask[i] = uint8(i % 3)
	}
	if err := (npz.Archive{"segs": npz.FromUint8(mask, 3, 4, 4)}).WriteFile(layout.OutputPath()); err != nil {
		t.Fatalf("stage mask: %v", err)
	}

	store.puts.Store(0)
	return m, store, db, study, layout
}

func TestMaterializeGeneratesArtifacts(t *testing.T) {
	m, store, db, study, layout := setupMaterializer(t)
	ctx := context.Background()

	if err := m.Materialize(ctx, study, layout); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if got := store.puts.Load(); got != 2 {
		t.Errorf("uploads = %d, want 2 (image + mask)", got)
	}

	loaded, err := db.GetStudy(ctx, study.ID)
	if err != nil {
		t.Fatalf("GetStudy: %v", err)
	}
	if loaded.ImageKey == "" || loaded.MaskKey == "" {
		t.Fatalf("artifact keys not recorded: %+v", loaded)
	}
	for _, key := range []string{loaded.ImageKey, loaded.MaskKey} {
		exists, err := store.Exists(ctx, key)
		if err != nil || !exists {
			t.Errorf("artifact %s missing (exists=%v err=%v)", key, exists, err)
		}
	}
}

func TestMaterializeTwiceSkipsSecondUpload(t *testing.T) {
	m, store, _, study, layout := setupMaterializer(t)
	ctx := context.Background()

	if err := m.Materialize(ctx, study, layout); err != nil {
		t.Fatalf("first Materialize: %v", err)
	}
	first := store.puts.Load()

	if err := m.Materialize(ctx, study, layout); err != nil {
		t.Fatalf("second Materialize: %v", err)
	}
	if got := store.puts.Load(); got != first {
		t.Errorf("second materialization uploaded %d more objects; existing artifacts must be adopted", got-first)
	}
}

func TestMaterializeMissingOutputMask(t *testing.T) {
	m, _, _, study, layout := setupMaterializer(t)
	// Remove the staged mask so regeneration cannot proceed.
	emptyLayout := joblayout.ForJob(t.TempDir(), "ext-missing")
	_ = emptyLayout.Prepare()

	err := m.Materialize(context.Background(), study, emptyLayout)
	if err == nil {
		t.Fatal("expected an error when the result mask is missing")
	}
	_ = layout
}

func TestMaterializeAcceptsFallbackMaskKeys(t *testing.T) {
	// The canonical "segs" key wins, but results keyed by any of the known
	// fallback names (the job output file itself is pred_mask.npz) convert too.
	for _, key := range []string{"mask", "pred_mask", "labels", "output", "prediction", "imgs", "result"} {
		t.Run(key, func(t *testing.T) {
			m, _, db, study, layout := setupMaterializer(t)
			ctx := context.Background()

			mask := make([]uint8, 3*4*4)
			for i := range mask {
				mask[i] = uint8(i % 3)
			}
			if err := (npz.Archive{key: npz.FromUint8(mask, 3, 4, 4)}).WriteFile(layout.OutputPath()); err != nil {
				t.Fatalf("stage mask under %q: %v", key, err)
			}

			if err := m.Materialize(ctx, study, layout); err != nil {
				t.Fatalf("Materialize with %q mask entry: %v", key, err)
			}
			loaded, err := db.GetStudy(ctx, study.ID)
			if err != nil {
				t.Fatalf("GetStudy: %v", err)
			}
			if loaded.MaskKey == "" {
				t.Errorf("mask entry %q was not converted", key)
			}
		})
	}
}

func TestImageConversionMatchesSourceDType(t *testing.T) {
	const voxels = 3 * 4 * 4
	boolRaw := make([]byte, voxels)
	for i := range boolRaw {
		boolRaw[i] = byte(i % 2)
	}
	int16Raw := make([]byte, voxels*2)
	for i := 0; i < voxels; i++ {
		binary.LittleEndian.PutUint16(int16Raw[i*2:], uint16(int16(i*40-300)))
	}

	tests := []struct {
		name     string
		entry    npz.Array
		datatype int16
	}{
		{"bool becomes uint8", npz.Array{DType: npz.Bool, Shape: []int{3, 4, 4}, Raw: boolRaw}, nifti.TypeUint8},
		{"int16 becomes int16", npz.Array{DType: npz.Int16, Shape: []int{3, 4, 4}, Raw: int16Raw}, nifti.TypeInt16},
		{"half precision becomes float32", npz.FromFloat16(make([]float32, voxels), 3, 4, 4), nifti.TypeFloat32},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, store, db, study, layout := setupMaterializer(t)
			ctx := context.Background()

			// Replace the staged source with one of the given element type.
			staged := filepath.Join(t.TempDir(), "src.npz")
			if err := (npz.Archive{"imgs": tc.entry}).WriteFile(staged); err != nil {
				t.Fatalf("stage source: %v", err)
			}
			if err := store.Put(ctx, blob.SourceKey(study.OwnerScope, study.ID), staged, "application/zip"); err != nil {
				t.Fatalf("replace source: %v", err)
			}

			if err := m.Materialize(ctx, study, layout); err != nil {
				t.Fatalf("Materialize: %v", err)
			}
			loaded, err := db.GetStudy(ctx, study.ID)
			if err != nil {
				t.Fatalf("GetStudy: %v", err)
			}
			local := filepath.Join(t.TempDir(), "image.nii.gz")
			if found, err := store.Get(ctx, loaded.ImageKey, local); err != nil || !found {
				t.Fatalf("download image (found=%v): %v", found, err)
			}
			payload, err := os.ReadFile(local)
			if err != nil {
				t.Fatalf("read image: %v", err)
			}
			img, err := nifti.Decode(payload)
			if err != nil {
				t.Fatalf("decode image: %v", err)
			}
			if img.Datatype != tc.datatype {
				t.Errorf("image datatype = %d, want %d", img.Datatype, tc.datatype)
			}
		})
	}
}

func TestLegendFromStoredArtifacts(t *testing.T) {
	m, _, db, study, layout := setupMaterializer(t)
	ctx := context.Background()

	if err := m.Materialize(ctx, study, layout); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	loaded, err := db.GetStudy(ctx, study.ID)
	if err != nil {
		t.Fatalf("GetStudy: %v", err)
	}

	legend, err := m.Legend(ctx, loaded)
	if err != nil {
		t.Fatalf("Legend: %v", err)
	}
	if len(legend) != 2 {
		t.Fatalf("legend entries = %d, want 2", len(legend))
	}
	if legend[0].VoxelCount < legend[1].VoxelCount {
		t.Error("legend must be sorted by voxel count descending")
	}
}
