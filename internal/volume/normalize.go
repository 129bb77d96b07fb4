package volume

import (
	"math"
	"sort"

	"voxelpipe/internal/config"
)

const (
	percentileLow  = 0.5
	percentileHigh = 99.5

	// Intensities below this floor indicate Hounsfield units even when the
	// source carried no modality tag.
	hounsfieldFloor = -100
)

// Normalizer turns an ingested raw volume into the canonical contract:
// intensities in [0,255], slices resized to a fixed height and width, and an
// optional slice-count cap.
type Normalizer struct {
	TargetHeight   int
	TargetWidth    int
	TargetSlices   int
	ResampleSlices bool
}

// NewNormalizer builds a Normalizer from configuration.
func NewNormalizer(cfg config.Normalize) Normalizer {
	return Normalizer{
		TargetHeight:   cfg.TargetHeight,
		TargetWidth:    cfg.TargetWidth,
		TargetSlices:   cfg.TargetSlices,
		ResampleSlices: cfg.ResampleSlices,
	}
}

// Canonicalize normalizes intensities, resizes slices, and applies the slice
// policy. The hint is free text (category or prompt) used to pick a CT
// window. The input volume is modified in place and returned.
func (n Normalizer) Canonicalize(c *Canonical, modality, hint string) (*Canonical, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	lo, hi := minMax(c.Data)
	switch {
	case lo >= 0 && hi <= 255:
		// Already display-ready; renormalizing would destroy label-like data.
	case isCTLike(modality, lo):
		WindowFor(hint).Apply(c.Data)
	default:
		rescalePercentile(c.Data)
	}

	n.resizeSlices(c)
	n.applySlicePolicy(c)
	return c, nil
}

func isCTLike(modality string, lo float32) bool {
	if modality == "CT" {
		return true
	}
	return modality == "" && lo < hounsfieldFloor
}

func minMax(data []float32) (float32, float32) {
	lo := float32(math.Inf(1))
	hi := float32(math.Inf(-1))
	for _, v := range data {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// rescalePercentile clips to the [0.5, 99.5] percentile range and rescales to
// [0,255]. When the bounds collapse the data is clamped instead.
func rescalePercentile(data []float32) {
	low := percentile(data, percentileLow)
	high := percentile(data, percentileHigh)
	if high <= low {
		for i, v := range data {
			if v < 0 {
				data[i] = 0
			} else if v > 255 {
				data[i] = 255
			}
		}
		return
	}
	scale := 255 / (high - low)
	for i, v := range data {
		value := float64(v)
		if value < low {
			value = low
		} else if value > high {
			value = high
		}
		data[i] = float32((value - low) * scale)
	}
}

// percentile computes the p-th percentile with linear interpolation between
// order statistics.
func percentile(data []float32, p float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sorted := make([]float64, len(data))
	for i, v := range data {
		sorted[i] = float64(v)
	}
	sort.Float64s(sorted)

	rank := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	weight := rank - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

func (n Normalizer) resizeSlices(c *Canonical) {
	srcH, srcW := c.Dim[1], c.Dim[2]
	if srcH == n.TargetHeight && srcW == n.TargetWidth {
		return
	}
	resized := make([]float32, c.Dim[0]*n.TargetHeight*n.TargetWidth)
	sliceSize := n.TargetHeight * n.TargetWidth
	for z := 0; z < c.Dim[0]; z++ {
		areaResize(c.Slice(z), srcH, srcW, resized[z*sliceSize:(z+1)*sliceSize], n.TargetHeight, n.TargetWidth)
	}
	c.Data = resized
	c.Dim[1] = n.TargetHeight
	c.Dim[2] = n.TargetWidth

	// Spacing grows or shrinks with the in-plane downsampling factor.
	if n.TargetHeight > 0 {
		c.Spacing[1] *= float64(srcH) / float64(n.TargetHeight)
	}
	if n.TargetWidth > 0 {
		c.Spacing[2] *= float64(srcW) / float64(n.TargetWidth)
	}
}

func (n Normalizer) applySlicePolicy(c *Canonical) {
	if !n.ResampleSlices || n.TargetSlices <= 1 || c.Dim[0] <= n.TargetSlices {
		return
	}
	indices := SubsampleIndices(c.Dim[0], n.TargetSlices)
	sliceSize := c.Dim[1] * c.Dim[2]
	selected := make([]float32, len(indices)*sliceSize)
	for i, z := range indices {
		copy(selected[i*sliceSize:(i+1)*sliceSize], c.Slice(z))
	}
	srcZ := c.Dim[0]
	c.Data = selected
	c.Dim[0] = len(indices)
	c.Spacing[0] *= float64(srcZ) / float64(len(indices))
}

// SubsampleIndices selects target evenly spaced indices over [0, source-1].
// Frames are discarded, never interpolated; downstream consumers depend on
// every output slice being an untouched input slice.
func SubsampleIndices(source, target int) []int {
	if target >= source {
		indices := make([]int, source)
		for i := range indices {
			indices[i] = i
		}
		return indices
	}
	indices := make([]int, target)
	if target == 1 {
		return indices
	}
	step := float64(source-1) / float64(target-1)
	for i := 0; i < target; i++ {
		indices[i] = int(float64(i) * step)
	}
	indices[target-1] = source - 1
	return indices
}

// areaResize scales one slice with fractional box averaging: every output
// pixel is the area-weighted mean of the source region it covers.
func areaResize(src []float32, srcH, srcW int, dst []float32, dstH, dstW int) {
	scaleY := float64(srcH) / float64(dstH)
	scaleX := float64(srcW) / float64(dstW)
	for oy := 0; oy < dstH; oy++ {
		y0 := float64(oy) * scaleY
		y1 := y0 + scaleY
		if y1 > float64(srcH) {
			y1 = float64(srcH)
		}
		for ox := 0; ox < dstW; ox++ {
			x0 := float64(ox) * scaleX
			x1 := x0 + scaleX
			if x1 > float64(srcW) {
				x1 = float64(srcW)
			}

			var sum, area float64
			for sy := int(y0); sy < srcH && float64(sy) < y1; sy++ {
				hy := math.Min(y1, float64(sy+1)) - math.Max(y0, float64(sy))
				if hy <= 0 {
					continue
				}
				rowBase := sy * srcW
				for sx := int(x0); sx < srcW && float64(sx) < x1; sx++ {
					wx := math.Min(x1, float64(sx+1)) - math.Max(x0, float64(sx))
					if wx <= 0 {
						continue
					}
					sum += float64(src[rowBase+sx]) * hy * wx
					area += hy * wx
				}
			}
			if area > 0 {
				dst[oy*dstW+ox] = float32(sum / area)
			}
		}
	}
}
