// Package artifacts derives the viewable image and mask volumes plus the
// segmentation legend from a completed job's canonical source and raw result
// mask. Materialization is idempotent and re-entrant: it can run again at any
// time and converges on the same artifacts.
package artifacts

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"voxelpipe/internal/blob"
	"voxelpipe/internal/joblayout"
	"voxelpipe/internal/logging"
	"voxelpipe/internal/nifti"
	"voxelpipe/internal/npz"
	"voxelpipe/internal/pipeline"
	"voxelpipe/internal/studies"
	"voxelpipe/internal/volume"
)

// Result mask entry names, most specific first. The canonical key wins.
var maskKeyCandidates = []string{"segs", "mask", "pred_mask", "labels", "output", "prediction", "imgs", "result"}

// Materializer converts job outputs into stored artifacts.
type Materializer struct {
	store   blob.Store
	db      *studies.Store
	scratch string
	logger  *slog.Logger
}

// New builds a materializer using scratch as its working directory.
func New(store blob.Store, db *studies.Store, scratch string, logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Materializer{
		store:   store,
		db:      db,
		scratch: scratch,
		logger:  logging.NewComponentLogger(logger, "materializer"),
	}
}

// Materialize ensures the study's image and mask artifacts exist and that
// the study record points at them. Existing artifacts that still verify as
// 3D volumes are adopted without regeneration; anything stale is deleted and
// rebuilt from the canonical source and the job's output mask.
func (m *Materializer) Materialize(ctx context.Context, study *studies.Study, layout joblayout.Layout) error {
	imageKey := blob.ImageKey(study.OwnerScope, study.ID)
	maskKey := blob.MaskKey(study.OwnerScope, study.ID)

	workDir := filepath.Join(m.scratch, study.ID)
	defer os.RemoveAll(workDir)

	if m.verifyExisting(ctx, imageKey, workDir, "image.nii.gz") &&
		m.verifyExisting(ctx, maskKey, workDir, "mask.nii.gz") {
		m.logger.Info("artifacts already materialized",
			logging.String(logging.FieldStudyID, study.ID))
		if err := m.db.SetStudyArtifacts(ctx, study.ID, imageKey, maskKey); err != nil {
			return pipeline.NewMaterialization(err, "adopt existing artifacts for %s", study.ID)
		}
		return nil
	}

	// Stale or partial artifacts are removed before regeneration.
	_ = m.store.Delete(ctx, imageKey)
	_ = m.store.Delete(ctx, maskKey)

	source, err := m.loadSource(ctx, study, workDir)
	if err != nil {
		return err
	}
	maskEntry, err := m.loadMask(layout)
	if err != nil {
		return err
	}

	imagePath := filepath.Join(workDir, "image.nii.gz")
	maskPath := filepath.Join(workDir, "mask.nii.gz")
	if err := convertImage(source, imagePath); err != nil {
		return err
	}
	if err := convertMask(maskEntry, source.Spacing, maskPath); err != nil {
		return err
	}

	if err := m.store.Put(ctx, imageKey, imagePath, "application/gzip"); err != nil {
		return pipeline.NewMaterialization(err, "upload image for %s", study.ID)
	}
	if err := m.store.Put(ctx, maskKey, maskPath, "application/gzip"); err != nil {
		return pipeline.NewMaterialization(err, "upload mask for %s", study.ID)
	}
	if err := m.db.SetStudyArtifacts(ctx, study.ID, imageKey, maskKey); err != nil {
		return pipeline.NewMaterialization(err, "record artifacts for %s", study.ID)
	}

	m.logger.Info("artifacts materialized",
		logging.String(logging.FieldStudyID, study.ID),
		logging.String(logging.FieldBlobKey, maskKey))
	return nil
}

// verifyExisting downloads an artifact and confirms it decodes as a 3D
// volume. Anything else counts as absent.
func (m *Materializer) verifyExisting(ctx context.Context, key, workDir, name string) bool {
	exists, err := m.store.Exists(ctx, key)
	if err != nil || !exists {
		return false
	}
	local := filepath.Join(workDir, "verify-"+name)
	found, err := m.store.Get(ctx, key, local)
	if err != nil || !found {
		return false
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return false
	}
	img, err := nifti.Decode(data)
	if err != nil {
		m.logger.Warn("existing artifact failed verification",
			logging.String(logging.FieldBlobKey, key),
			logging.Error(err))
		return false
	}
	return img.NDim() == 3
}

func (m *Materializer) loadSource(ctx context.Context, study *studies.Study, workDir string) (*volume.Canonical, error) {
	sourceKey := study.SourceKey
	if sourceKey == "" {
		sourceKey = blob.SourceKey(study.OwnerScope, study.ID)
	}
	local := filepath.Join(workDir, "source.npz")
	found, err := m.store.Get(ctx, sourceKey, local)
	if err != nil {
		return nil, pipeline.NewMaterialization(err, "download source for %s", study.ID)
	}
	if !found {
		return nil, pipeline.NewResultMissing("source volume %s is gone", sourceKey)
	}
	source, err := volume.Load(local)
	if err != nil {
		return nil, pipeline.NewMaterialization(err, "decode source for %s", study.ID)
	}
	return source, nil
}

func (m *Materializer) loadMask(layout joblayout.Layout) (npz.Array, error) {
	archive, err := npz.ReadFile(layout.OutputPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return npz.Array{}, pipeline.NewResultMissing("result mask %s does not exist", layout.OutputPath())
		}
		return npz.Array{}, pipeline.NewMaterialization(err, "read result mask")
	}
	for _, candidate := range maskKeyCandidates {
		if entry, ok := archive[candidate]; ok && !entry.IsBytes() {
			return entry, nil
		}
	}
	return npz.Array{}, pipeline.NewSchema("result archive has no mask entry (want one of %v)", maskKeyCandidates)
}

// Legend recomputes the segmentation legend from the stored mask and the
// canonical source's prompt map.
func (m *Materializer) Legend(ctx context.Context, study *studies.Study) ([]LegendEntry, error) {
	workDir := filepath.Join(m.scratch, study.ID+"-legend")
	defer os.RemoveAll(workDir)

	maskKey := study.MaskKey
	if maskKey == "" {
		maskKey = blob.MaskKey(study.OwnerScope, study.ID)
	}
	local := filepath.Join(workDir, "mask.nii.gz")
	found, err := m.store.Get(ctx, maskKey, local)
	if err != nil {
		return nil, pipeline.NewMaterialization(err, "download mask for %s", study.ID)
	}
	if !found {
		return nil, pipeline.NewResultMissing("mask artifact %s does not exist", maskKey)
	}
	payload, err := os.ReadFile(local)
	if err != nil {
		return nil, pipeline.NewMaterialization(err, "read mask for %s", study.ID)
	}
	img, err := nifti.Decode(payload)
	if err != nil {
		return nil, pipeline.NewMaterialization(err, "decode mask for %s", study.ID)
	}
	mask, err := img.Float32s()
	if err != nil {
		return nil, pipeline.NewMaterialization(err, "decode mask voxels for %s", study.ID)
	}

	source, err := m.loadSource(ctx, study, workDir)
	if err != nil {
		return nil, err
	}
	return BuildLegend(mask, source.Prompts), nil
}

// convertImage writes the canonical volume as a NIfTI image, choosing a safe
// output dtype per the source entry's dtype: bool sources become uint8 labels,
// integer sources become int16, and float sources (half precision included)
// become float32.
func convertImage(source *volume.Canonical, destPath string) error {
	var img *nifti.Image
	switch source.DType {
	case npz.Bool:
		voxels := make([]uint8, len(source.Data))
		for i, v := range source.Data {
			if v != 0 {
				voxels[i] = 1
			}
		}
		img = nifti.NewUint8(voxels, source.Dim, source.Spacing)
	case npz.Uint8, npz.Int16, npz.Int32, npz.Int64:
		voxels := make([]int16, len(source.Data))
		for i, v := range source.Data {
			rounded := math.Round(float64(v))
			if rounded > math.MaxInt16 {
				rounded = math.MaxInt16
			} else if rounded < math.MinInt16 {
				rounded = math.MinInt16
			}
			voxels[i] = int16(rounded)
		}
		img = nifti.NewInt16(voxels, source.Dim, source.Spacing)
	default:
		img = nifti.NewFloat32(rescaleSmallRange(source.Data), source.Dim, source.Spacing)
	}
	if err := img.WriteFile(destPath); err != nil {
		return pipeline.NewMaterialization(err, "write image volume")
	}
	return nil
}

// rescaleSmallRange maps float data confined to roughly [-10,10] (model-space
// intensities around zero) onto [0,255] for viewers; wide-range data passes
// through untouched.
func rescaleSmallRange(data []float32) []float32 {
	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range data {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if lo < -10 || hi > 10 || hi <= lo {
		return data
	}
	scale := 255 / (hi - lo)
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = (v - lo) * scale
	}
	return out
}

// convertMask writes the raw result mask as an unsigned 8-bit NIfTI label
// volume. The mask must squeeze to exactly 3 dimensions.
func convertMask(entry npz.Array, spacing [3]float64, destPath string) error {
	dim, err := squeezeMask(entry.Shape)
	if err != nil {
		return err
	}
	values, err := entry.Float32s()
	if err != nil {
		return pipeline.NewMaterialization(err, "decode mask entry")
	}
	labels := make([]uint8, len(values))
	for i, v := range values {
		label := math.Round(float64(v))
		if label < 0 {
			label = 0
		} else if label > 255 {
			label = 255
		}
		labels[i] = uint8(label)
	}
	img := nifti.NewUint8(labels, dim, spacing)
	if err := img.WriteFile(destPath); err != nil {
		return pipeline.NewMaterialization(err, "write mask volume")
	}
	return nil
}

func squeezeMask(shape []int) ([3]int, error) {
	var kept []int
	for _, dim := range shape {
		if dim != 1 {
			kept = append(kept, dim)
		}
	}
	if len(kept) != 3 {
		return [3]int{}, pipeline.NewShape("mask must be 3-dimensional, shape %v squeezes to %d axes", shape, len(kept))
	}
	return [3]int{kept[0], kept[1], kept[2]}, nil
}
