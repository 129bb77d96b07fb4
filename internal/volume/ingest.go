package volume

import (
	"archive/zip"
	"bytes"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"voxelpipe/internal/nifti"
	"voxelpipe/internal/npz"
	"voxelpipe/internal/pipeline"
)

// Fallback entry names accepted when a pre-canonical npz carries no "imgs"
// key. The list is deliberately short and fixed; anything more permissive
// turns ambiguous payloads into silent misreads.
var imageKeyFallbacks = []string{"image", "images", "data"}

// Ingest sniffs the payload encoding and converts it into an un-normalized
// canonical volume. The returned modality is non-empty only for DICOM input.
func Ingest(data []byte) (*Canonical, string, error) {
	if len(data) >= 4 && data[0] == 'P' && data[1] == 'K' {
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, "", pipeline.NewInputFormat("corrupt zip archive: %v", err)
		}
		for _, entry := range zr.File {
			if strings.HasSuffix(entry.Name, ".npy") {
				c, err := FromNPZ(data)
				return c, "", err
			}
		}
		return FromDICOMArchive(zr)
	}
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		c, err := FromNIfTI(data)
		return c, "", err
	}
	if len(data) >= 348 {
		c, err := FromNIfTI(data)
		return c, "", err
	}
	return nil, "", pipeline.NewInputFormat("unrecognized upload encoding")
}

// FromNIfTI loads a 3D volume file into canonical order.
func FromNIfTI(data []byte) (*Canonical, error) {
	img, err := nifti.Decode(data)
	if err != nil {
		return nil, err
	}
	values, err := img.Float32s()
	if err != nil {
		return nil, err
	}
	return &Canonical{Data: values, Dim: img.Dim, Spacing: img.Spacing}, nil
}

// FromNPZ loads a pre-canonical npz payload. The canonical image key wins;
// otherwise exactly one fallback key must be present.
func FromNPZ(data []byte) (*Canonical, error) {
	archive, err := npz.Decode(data)
	if err != nil {
		return nil, err
	}

	images, ok := archive[KeyImages]
	if !ok {
		var found []string
		for _, candidate := range imageKeyFallbacks {
			if entry, present := archive[candidate]; present && !entry.IsBytes() {
				found = append(found, candidate)
			}
		}
		switch len(found) {
		case 0:
			return nil, pipeline.NewSchema("payload has no image entry (want %q or one of %v)", KeyImages, imageKeyFallbacks)
		case 1:
			images = archive[found[0]]
		default:
			return nil, pipeline.NewSchema("payload image entry is ambiguous: %v all present", found)
		}
	}
	return fromArchiveEntries(archive, images)
}

// dicomSlice is one parsed series member awaiting stacking.
type dicomSlice struct {
	data        []float32
	rows, cols  int
	position    float64
	hasPosition bool
	instance    int
	hasInstance bool
}

// FromDICOMArchive unpacks a zipped DICOM study and stacks the first series
// into a volume. The archive must contain exactly one top-level study folder
// with at least one series folder inside it.
func FromDICOMArchive(zr *zip.Reader) (*Canonical, string, error) {
	files := make([]*zip.File, 0, len(zr.File))
	topLevel := map[string]bool{}
	seriesNames := map[string]bool{}
	for _, entry := range zr.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		name := path.Clean(entry.Name)
		if strings.Contains(name, "__MACOSX") || strings.HasPrefix(path.Base(name), ".") {
			continue
		}
		parts := strings.Split(name, "/")
		if len(parts) < 3 {
			// Loose files outside a series folder are ignored.
			if len(parts) >= 1 {
				topLevel[parts[0]] = true
			}
			continue
		}
		topLevel[parts[0]] = true
		seriesNames[parts[0]+"/"+parts[1]] = true
		files = append(files, entry)
	}
	if len(topLevel) != 1 {
		return nil, "", pipeline.NewInputFormat("archive must contain exactly one study folder, found %d", len(topLevel))
	}
	if len(seriesNames) == 0 {
		return nil, "", pipeline.NewInputFormat("study folder contains no series folders")
	}

	ordered := make([]string, 0, len(seriesNames))
	for name := range seriesNames {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)
	selected := ordered[0]

	var (
		slices   []dicomSlice
		modality string
		spacing  = [3]float64{1, 1, 1}
		haveMeta bool
	)
	for _, entry := range files {
		if !strings.HasPrefix(path.Clean(entry.Name), selected+"/") {
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return nil, "", pipeline.NewInputFormat("open archive member %s: %v", entry.Name, err)
		}
		payload, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, "", pipeline.NewInputFormat("read archive member %s: %v", entry.Name, err)
		}

		ds, err := dicom.Parse(bytes.NewReader(payload), int64(len(payload)), nil)
		if err != nil {
			// Non-DICOM members (reports, previews) are skipped.
			continue
		}
		slice, ok := extractSlice(&ds)
		if !ok {
			continue
		}
		slices = append(slices, slice)

		if !haveMeta {
			haveMeta = true
			modality = firstString(&ds, tag.Modality)
			if v, ok := firstFloat(&ds, tag.SliceThickness); ok && v > 0 {
				spacing[0] = v
			}
			if values, ok := floatList(&ds, tag.PixelSpacing); ok && len(values) == 2 {
				if values[0] > 0 {
					spacing[1] = values[0]
				}
				if values[1] > 0 {
					spacing[2] = values[1]
				}
			}
		}
	}
	if len(slices) == 0 {
		return nil, "", pipeline.NewInputFormat("series %s contains no readable image slices", selected)
	}

	sortSlices(slices)

	rows, cols := slices[0].rows, slices[0].cols
	for _, s := range slices {
		if s.rows != rows || s.cols != cols {
			return nil, "", pipeline.NewInputFormat("series slices disagree on dimensions: %dx%d vs %dx%d", rows, cols, s.rows, s.cols)
		}
	}

	data := make([]float32, 0, len(slices)*rows*cols)
	for _, s := range slices {
		data = append(data, s.data...)
	}
	c := &Canonical{
		Data:    data,
		Dim:     [3]int{len(slices), rows, cols},
		Spacing: spacing,
	}
	return c, modality, nil
}

// sortSlices orders the stack by patient position when every slice carries
// one, then by instance number, otherwise the enumeration order stands.
func sortSlices(slices []dicomSlice) {
	allPosition := true
	allInstance := true
	for _, s := range slices {
		allPosition = allPosition && s.hasPosition
		allInstance = allInstance && s.hasInstance
	}
	switch {
	case allPosition:
		sort.SliceStable(slices, func(i, j int) bool { return slices[i].position < slices[j].position })
	case allInstance:
		sort.SliceStable(slices, func(i, j int) bool { return slices[i].instance < slices[j].instance })
	}
}

func extractSlice(ds *dicom.Dataset) (dicomSlice, bool) {
	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return dicomSlice{}, false
	}
	info, ok := el.Value.GetValue().(dicom.PixelDataInfo)
	if !ok || info.IsEncapsulated || len(info.Frames) != 1 {
		return dicomSlice{}, false
	}
	native, err := info.Frames[0].GetNativeFrame()
	if err != nil {
		return dicomSlice{}, false
	}
	if native.Rows <= 0 || native.Cols <= 0 || len(native.Data) != native.Rows*native.Cols {
		return dicomSlice{}, false
	}

	slope := 1.0
	intercept := 0.0
	if v, ok := firstFloat(ds, tag.RescaleSlope); ok && v != 0 {
		slope = v
	}
	if v, ok := firstFloat(ds, tag.RescaleIntercept); ok {
		intercept = v
	}

	data := make([]float32, native.Rows*native.Cols)
	for i, sample := range native.Data {
		data[i] = float32(float64(sample[0])*slope + intercept)
	}

	slice := dicomSlice{data: data, rows: native.Rows, cols: native.Cols}
	if values, ok := floatList(ds, tag.ImagePositionPatient); ok && len(values) == 3 {
		slice.position = values[2]
		slice.hasPosition = true
	}
	if v, ok := firstInt(ds, tag.InstanceNumber); ok {
		slice.instance = v
		slice.hasInstance = true
	}
	return slice, true
}

func firstString(ds *dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return ""
	}
	if values, ok := el.Value.GetValue().([]string); ok && len(values) > 0 {
		return strings.TrimSpace(values[0])
	}
	return ""
}

func floatList(ds *dicom.Dataset, t tag.Tag) ([]float64, bool) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, false
	}
	switch values := el.Value.GetValue().(type) {
	case []string:
		out := make([]float64, 0, len(values))
		for _, raw := range values {
			v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				return nil, false
			}
			out = append(out, v)
		}
		return out, len(out) > 0
	case []float64:
		return values, len(values) > 0
	}
	return nil, false
}

func firstFloat(ds *dicom.Dataset, t tag.Tag) (float64, bool) {
	values, ok := floatList(ds, t)
	if !ok {
		return 0, false
	}
	return values[0], true
}

func firstInt(ds *dicom.Dataset, t tag.Tag) (int, bool) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return 0, false
	}
	switch values := el.Value.GetValue().(type) {
	case []int:
		if len(values) > 0 {
			return values[0], true
		}
	case []string:
		if len(values) > 0 {
			if v, err := strconv.Atoi(strings.TrimSpace(values[0])); err == nil {
				return v, true
			}
		}
	}
	return 0, false
}
