// Package volume converts uploaded medical volumes into the canonical
// contract shared with the inference service: a 3D intensity tensor in
// (slice, row, column) order, a length-3 spacing vector, and a prompt map.
package volume

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"voxelpipe/internal/npz"
	"voxelpipe/internal/pipeline"
)

// Canonical npz entry names.
const (
	KeyImages  = "imgs"
	KeySpacing = "spacing"
	KeyPrompts = "text_prompts"
)

// Canonical is the normalized volume exchanged with the compute task.
type Canonical struct {
	Data    []float32  // intensities, C order
	Dim     [3]int     // slices, rows, columns
	Spacing [3]float64 // mm per slice, row, column
	Prompts *PromptMap

	// DType is the stored element type of the npz entry this volume was
	// decoded from, when known. Freshly normalized volumes leave it empty and
	// are written as half precision.
	DType npz.DType
}

// At returns the intensity at (slice, row, column).
func (c *Canonical) At(z, y, x int) float32 {
	return c.Data[(z*c.Dim[1]+y)*c.Dim[2]+x]
}

// Slice returns the contiguous data of one slice.
func (c *Canonical) Slice(z int) []float32 {
	size := c.Dim[1] * c.Dim[2]
	return c.Data[z*size : (z+1)*size]
}

func (c *Canonical) validate() error {
	if c.Dim[0] <= 0 || c.Dim[1] <= 0 || c.Dim[2] <= 0 {
		return pipeline.NewShape("volume dimensions must be positive, got %v", c.Dim)
	}
	if want := c.Dim[0] * c.Dim[1] * c.Dim[2]; len(c.Data) != want {
		return pipeline.NewShape("volume has %d voxels, shape %v implies %d", len(c.Data), c.Dim, want)
	}
	return nil
}

// EnsurePrompts guarantees a prompt map is present, synthesizing a
// single-label map from the given text when missing.
func (c *Canonical) EnsurePrompts(fallback string) {
	if c.Prompts == nil {
		c.Prompts = NewPromptMap(fallback)
	}
}

// Archive encodes the canonical contract: half-precision image tensor,
// float64 spacing, and the prompt map as a JSON byte entry.
func (c *Canonical) Archive() (npz.Archive, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	promptJSON, err := json.Marshal(c.Prompts)
	if err != nil {
		return nil, fmt.Errorf("encode prompts: %w", err)
	}
	return npz.Archive{
		KeyImages:  npz.FromFloat16(c.Data, c.Dim[0], c.Dim[1], c.Dim[2]),
		KeySpacing: spacingArray(c.Spacing),
		KeyPrompts: npz.FromBytes(promptJSON),
	}, nil
}

// Save writes the canonical npz atomically.
func (c *Canonical) Save(path string) error {
	archive, err := c.Archive()
	if err != nil {
		return err
	}
	return archive.WriteFile(path)
}

// DecodeCanonical reads a canonical npz payload back into memory. Unlike
// FromNPZ this is strict: the payload must carry the exact canonical keys.
func DecodeCanonical(data []byte) (*Canonical, error) {
	archive, err := npz.Decode(data)
	if err != nil {
		return nil, err
	}
	images, ok := archive[KeyImages]
	if !ok {
		return nil, pipeline.NewSchema("canonical payload missing %q entry", KeyImages)
	}
	return fromArchiveEntries(archive, images)
}

// Load reads a canonical npz file.
func Load(path string) (*Canonical, error) {
	archive, err := npz.ReadFile(path)
	if err != nil {
		return nil, err
	}
	images, ok := archive[KeyImages]
	if !ok {
		return nil, pipeline.NewSchema("canonical payload missing %q entry", KeyImages)
	}
	return fromArchiveEntries(archive, images)
}

func fromArchiveEntries(archive npz.Archive, images npz.Array) (*Canonical, error) {
	dim, err := squeezeTo3D(images.Shape)
	if err != nil {
		return nil, err
	}
	data, err := images.Float32s()
	if err != nil {
		return nil, err
	}

	c := &Canonical{Data: data, Dim: dim, Spacing: [3]float64{1, 1, 1}, DType: images.DType}
	if spacing, ok := archive[KeySpacing]; ok {
		values, err := spacing.Float64s()
		if err != nil {
			return nil, err
		}
		if len(values) != 3 {
			return nil, pipeline.NewSchema("spacing has %d entries, want 3", len(values))
		}
		copy(c.Spacing[:], values)
	}
	if promptEntry, ok := archive[KeyPrompts]; ok && promptEntry.IsBytes() {
		prompts, err := ParsePrompts(promptEntry.Raw)
		if err != nil {
			return nil, err
		}
		c.Prompts = prompts
	}
	return c, nil
}

// squeezeTo3D drops singleton axes and requires exactly three remaining.
func squeezeTo3D(shape []int) ([3]int, error) {
	var kept []int
	for _, dim := range shape {
		if dim != 1 {
			kept = append(kept, dim)
		}
	}
	if len(kept) != 3 {
		return [3]int{}, pipeline.NewShape("expected a 3-dimensional volume, shape %v squeezes to %d axes", shape, len(kept))
	}
	return [3]int{kept[0], kept[1], kept[2]}, nil
}

func spacingArray(spacing [3]float64) npz.Array {
	raw := make([]byte, 24)
	for i, v := range spacing {
		binary.LittleEndian.PutUint64(raw[i*8:], math.Float64bits(v))
	}
	return npz.Array{DType: npz.Float64, Shape: []int{3}, Raw: raw}
}
