// Package nifti implements a minimal NIfTI-1 reader and writer.
//
// Volumes are exchanged in canonical (slice, row, column) order. NIfTI stores
// the column index fastest, which is exactly the memory layout of a C-order
// [Z][Y][X] array, so no transposition happens at this boundary: only the dim
// and pixdim fields are reordered.
package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"voxelpipe/internal/pipeline"
)

const (
	headerSize = 348
	voxOffset  = 352

	// NIfTI-1 datatype codes.
	TypeUint8   int16 = 2
	TypeInt16   int16 = 4
	TypeInt32   int16 = 8
	TypeFloat32 int16 = 16
	TypeFloat64 int16 = 64
	TypeUint16  int16 = 512
)

var bitpixByType = map[int16]int16{
	TypeUint8:   8,
	TypeInt16:   16,
	TypeInt32:   32,
	TypeFloat32: 32,
	TypeFloat64: 64,
	TypeUint16:  16,
}

// Image is a decoded single-file NIfTI volume.
type Image struct {
	Datatype int16
	Dim      [3]int     // slices, rows, columns
	Spacing  [3]float64 // mm per slice, row, column
	SclSlope float32
	SclInter float32
	Raw      []byte // voxels, column index fastest
}

// NDim returns the number of non-degenerate axes.
func (img *Image) NDim() int {
	n := 0
	for _, d := range img.Dim {
		if d > 1 {
			n++
		}
	}
	return n
}

// NewUint8 wraps uint8 voxels in canonical order.
func NewUint8(data []uint8, dim [3]int, spacing [3]float64) *Image {
	raw := make([]byte, len(data))
	copy(raw, data)
	return &Image{Datatype: TypeUint8, Dim: dim, Spacing: spacing, Raw: raw}
}

// NewInt16 wraps int16 voxels in canonical order.
func NewInt16(data []int16, dim [3]int, spacing [3]float64) *Image {
	raw := make([]byte, len(data)*2)
	for i, v := range data {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(v))
	}
	return &Image{Datatype: TypeInt16, Dim: dim, Spacing: spacing, Raw: raw}
}

// NewFloat32 wraps float32 voxels in canonical order.
func NewFloat32(data []float32, dim [3]int, spacing [3]float64) *Image {
	raw := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	return &Image{Datatype: TypeFloat32, Dim: dim, Spacing: spacing, Raw: raw}
}

// Float32s decodes the voxels into float32, applying the scale slope and
// intercept when the header carries them.
func (img *Image) Float32s() ([]float32, error) {
	n := img.Dim[0] * img.Dim[1] * img.Dim[2]
	out := make([]float32, n)
	switch img.Datatype {
	case TypeUint8:
		for i := 0; i < n; i++ {
			out[i] = float32(img.Raw[i])
		}
	case TypeInt16:
		for i := 0; i < n; i++ {
			out[i] = float32(int16(binary.LittleEndian.Uint16(img.Raw[i*2:])))
		}
	case TypeUint16:
		for i := 0; i < n; i++ {
			out[i] = float32(binary.LittleEndian.Uint16(img.Raw[i*2:]))
		}
	case TypeInt32:
		for i := 0; i < n; i++ {
			out[i] = float32(int32(binary.LittleEndian.Uint32(img.Raw[i*4:])))
		}
	case TypeFloat32:
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(img.Raw[i*4:]))
		}
	case TypeFloat64:
		for i := 0; i < n; i++ {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(img.Raw[i*8:])))
		}
	default:
		return nil, pipeline.NewInputFormat("unsupported nifti datatype %d", img.Datatype)
	}
	if img.SclSlope != 0 && (img.SclSlope != 1 || img.SclInter != 0) {
		for i := range out {
			out[i] = out[i]*img.SclSlope + img.SclInter
		}
	}
	return out, nil
}

// Encode serializes the image as a gzip-compressed single-file NIfTI.
func (img *Image) Encode() ([]byte, error) {
	bitpix, ok := bitpixByType[img.Datatype]
	if !ok {
		return nil, pipeline.NewInputFormat("unsupported nifti datatype %d", img.Datatype)
	}
	voxels := img.Dim[0] * img.Dim[1] * img.Dim[2]
	if voxels <= 0 {
		return nil, pipeline.NewShape("nifti dimensions must be positive, got %v", img.Dim)
	}
	if want := voxels * int(bitpix) / 8; len(img.Raw) != want {
		return nil, pipeline.NewShape("nifti payload is %d bytes, want %d for %v", len(img.Raw), want, img.Dim)
	}

	header := make([]byte, voxOffset)
	le := binary.LittleEndian
	le.PutUint32(header[0:], headerSize)

	// dim: nx (columns) first, nz (slices) last.
	le.PutUint16(header[40:], 3)
	le.PutUint16(header[42:], uint16(img.Dim[2]))
	le.PutUint16(header[44:], uint16(img.Dim[1]))
	le.PutUint16(header[46:], uint16(img.Dim[0]))
	for i := 4; i < 8; i++ {
		le.PutUint16(header[40+i*2:], 1)
	}

	le.PutUint16(header[70:], uint16(img.Datatype))
	le.PutUint16(header[72:], uint16(bitpix))

	le.PutUint32(header[76:], math.Float32bits(1)) // pixdim[0]: qfac
	le.PutUint32(header[80:], math.Float32bits(float32(img.Spacing[2])))
	le.PutUint32(header[84:], math.Float32bits(float32(img.Spacing[1])))
	le.PutUint32(header[88:], math.Float32bits(float32(img.Spacing[0])))
	for i := 4; i < 8; i++ {
		le.PutUint32(header[76+i*4:], math.Float32bits(1))
	}

	le.PutUint32(header[108:], math.Float32bits(voxOffset))
	le.PutUint32(header[112:], math.Float32bits(1)) // scl_slope
	header[123] = 2                                 // xyzt_units: millimetres

	// Plain axis-aligned orientation via the sform.
	le.PutUint16(header[254:], 1)
	le.PutUint32(header[280:], math.Float32bits(float32(img.Spacing[2])))
	le.PutUint32(header[300:], math.Float32bits(float32(img.Spacing[1])))
	le.PutUint32(header[320:], math.Float32bits(float32(img.Spacing[0])))

	copy(header[344:], "n+1\x00")

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(header); err != nil {
		return nil, fmt.Errorf("write nifti header: %w", err)
	}
	if _, err := gz.Write(img.Raw); err != nil {
		return nil, fmt.Errorf("write nifti voxels: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("finalize nifti: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFile writes the gzip-compressed image atomically.
func (img *Image) WriteFile(path string) error {
	data, err := img.Encode()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".nii-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// Decode parses a single-file NIfTI payload, gzip-compressed or plain.
func Decode(data []byte) (*Image, error) {
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, pipeline.NewInputFormat("corrupt gzip stream: %v", err)
		}
		defer gz.Close()
		inflated, err := io.ReadAll(gz)
		if err != nil {
			return nil, pipeline.NewInputFormat("corrupt gzip stream: %v", err)
		}
		data = inflated
	}
	if len(data) < headerSize {
		return nil, pipeline.NewInputFormat("nifti payload too small")
	}
	le := binary.LittleEndian
	if le.Uint32(data[0:]) != headerSize {
		return nil, pipeline.NewInputFormat("not a little-endian nifti-1 file")
	}
	magic := string(data[344:348])
	if magic != "n+1\x00" && magic != "ni1\x00" {
		return nil, pipeline.NewInputFormat("bad nifti magic %q", magic)
	}

	ndim := int(int16(le.Uint16(data[40:])))
	if ndim < 1 || ndim > 7 {
		return nil, pipeline.NewInputFormat("invalid nifti dimension count %d", ndim)
	}
	dims := make([]int, ndim)
	for i := 0; i < ndim; i++ {
		dims[i] = int(int16(le.Uint16(data[42+i*2:])))
		if dims[i] < 1 {
			dims[i] = 1
		}
	}
	// Trailing singleton axes (time or channel of length one) collapse away.
	for len(dims) > 3 && dims[len(dims)-1] == 1 {
		dims = dims[:len(dims)-1]
	}
	if len(dims) != 3 {
		return nil, pipeline.NewShape("expected a 3-dimensional volume, got %d axes", len(dims))
	}

	img := &Image{
		Datatype: int16(le.Uint16(data[70:])),
		Dim:      [3]int{dims[2], dims[1], dims[0]},
		Spacing: [3]float64{
			float64(math.Float32frombits(le.Uint32(data[88:]))),
			float64(math.Float32frombits(le.Uint32(data[84:]))),
			float64(math.Float32frombits(le.Uint32(data[80:]))),
		},
		SclSlope: math.Float32frombits(le.Uint32(data[112:])),
		SclInter: math.Float32frombits(le.Uint32(data[116:])),
	}
	for i := range img.Spacing {
		if img.Spacing[i] <= 0 || math.IsNaN(img.Spacing[i]) {
			img.Spacing[i] = 1
		}
	}

	bitpix, ok := bitpixByType[img.Datatype]
	if !ok {
		return nil, pipeline.NewInputFormat("unsupported nifti datatype %d", img.Datatype)
	}
	offset := int(math.Float32frombits(le.Uint32(data[108:])))
	if offset < headerSize {
		offset = voxOffset
	}
	want := img.Dim[0] * img.Dim[1] * img.Dim[2] * int(bitpix) / 8
	if len(data) < offset+want {
		return nil, pipeline.NewInputFormat("nifti voxel data truncated: want %d bytes", want)
	}
	img.Raw = data[offset : offset+want]
	return img, nil
}
