// Package npz reads and writes NumPy .npy arrays and .npz archives.
//
// Only the subset of the format the pipeline exchanges is supported:
// little-endian C-order arrays of the numeric dtypes below, plus raw byte
// scalars used to carry JSON payloads. Pickled object arrays are rejected.
package npz

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/x448/float16"

	"voxelpipe/internal/pipeline"
)

// DType identifies the element type of an array using numpy descr notation.
type DType string

const (
	Bool    DType = "|b1"
	Uint8   DType = "|u1"
	Int16   DType = "<i2"
	Int32   DType = "<i4"
	Int64   DType = "<i8"
	Float16 DType = "<f2"
	Float32 DType = "<f4"
	Float64 DType = "<f8"
)

const npyMagic = "\x93NUMPY"

// Array is a decoded npy payload: dtype, C-order shape, and the raw
// little-endian element bytes.
type Array struct {
	DType DType
	Shape []int
	Raw   []byte
}

// Len returns the number of elements implied by the shape.
func (a *Array) Len() int {
	n := 1
	for _, dim := range a.Shape {
		n *= dim
	}
	return n
}

// IsBytes reports whether the array is a raw byte scalar (descr "|S<n>").
func (a *Array) IsBytes() bool {
	return strings.HasPrefix(string(a.DType), "|S")
}

func (a *Array) elementSize() (int, error) {
	descr := string(a.DType)
	if len(descr) < 3 {
		return 0, pipeline.NewSchema("invalid dtype descriptor %q", descr)
	}
	size, err := strconv.Atoi(descr[2:])
	if err != nil || size <= 0 {
		return 0, pipeline.NewSchema("invalid dtype descriptor %q", descr)
	}
	return size, nil
}

// FromFloat32 builds a float32 array from values in C order.
func FromFloat32(values []float32, shape ...int) Array {
	raw := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	return Array{DType: Float32, Shape: shape, Raw: raw}
}

// FromFloat16 builds a float16 array from float32 values in C order. Values
// are rounded to the nearest representable half-precision number.
func FromFloat16(values []float32, shape ...int) Array {
	raw := make([]byte, len(values)*2)
	for i, v := range values {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(float16.Fromfloat32(v)))
	}
	return Array{DType: Float16, Shape: shape, Raw: raw}
}

// FromUint8 builds a uint8 array from values in C order.
func FromUint8(values []uint8, shape ...int) Array {
	raw := make([]byte, len(values))
	copy(raw, values)
	return Array{DType: Uint8, Shape: shape, Raw: raw}
}

// FromBytes wraps an opaque payload as a byte scalar entry.
func FromBytes(payload []byte) Array {
	raw := make([]byte, len(payload))
	copy(raw, payload)
	return Array{DType: DType(fmt.Sprintf("|S%d", len(payload))), Shape: nil, Raw: raw}
}

// Float32s decodes the array into float32 values regardless of stored dtype.
func (a *Array) Float32s() ([]float32, error) {
	if a.IsBytes() {
		return nil, pipeline.NewSchema("byte entry cannot be decoded as numeric array")
	}
	n := a.Len()
	out := make([]float32, n)
	switch a.DType {
	case Bool, Uint8:
		for i := 0; i < n; i++ {
			out[i] = float32(a.Raw[i])
		}
	case Int16:
		for i := 0; i < n; i++ {
			out[i] = float32(int16(binary.LittleEndian.Uint16(a.Raw[i*2:])))
		}
	case Int32:
		for i := 0; i < n; i++ {
			out[i] = float32(int32(binary.LittleEndian.Uint32(a.Raw[i*4:])))
		}
	case Int64:
		for i := 0; i < n; i++ {
			out[i] = float32(int64(binary.LittleEndian.Uint64(a.Raw[i*8:])))
		}
	case Float16:
		for i := 0; i < n; i++ {
			out[i] = float16.Float16(binary.LittleEndian.Uint16(a.Raw[i*2:])).Float32()
		}
	case Float32:
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(a.Raw[i*4:]))
		}
	case Float64:
		for i := 0; i < n; i++ {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(a.Raw[i*8:])))
		}
	default:
		return nil, pipeline.NewSchema("unsupported dtype %q", a.DType)
	}
	return out, nil
}

// Float64s decodes the array into float64 values regardless of stored dtype.
func (a *Array) Float64s() ([]float64, error) {
	if a.DType == Float64 {
		n := a.Len()
		out := make([]float64, n)
		for i := 0; i < n; i++ {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(a.Raw[i*8:]))
		}
		return out, nil
	}
	f32, err := a.Float32s()
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(f32))
	for i, v := range f32 {
		out[i] = float64(v)
	}
	return out, nil
}

// encodeNPY serializes an array as a version 1.0 npy stream.
func encodeNPY(a Array) ([]byte, error) {
	elemSize, err := a.elementSize()
	if err != nil {
		return nil, err
	}
	if want := a.Len() * elemSize; !a.IsBytes() && len(a.Raw) != want {
		return nil, pipeline.NewSchema("raw size %d does not match shape %v of dtype %s", len(a.Raw), a.Shape, a.DType)
	}

	var shapeRepr string
	switch len(a.Shape) {
	case 0:
		shapeRepr = "()"
	case 1:
		shapeRepr = fmt.Sprintf("(%d,)", a.Shape[0])
	default:
		parts := make([]string, len(a.Shape))
		for i, dim := range a.Shape {
			parts[i] = strconv.Itoa(dim)
		}
		shapeRepr = "(" + strings.Join(parts, ", ") + ")"
	}
	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }", a.DType, shapeRepr)

	// Total preamble (magic + version + length + header) pads to a multiple
	// of 64 with the header terminated by a newline.
	preambleLen := len(npyMagic) + 2 + 2
	padded := preambleLen + len(header) + 1
	if rem := padded % 64; rem != 0 {
		padded += 64 - rem
	}
	headerLen := padded - preambleLen
	if headerLen > math.MaxUint16 {
		return nil, pipeline.NewSchema("npy header too large")
	}

	var buf bytes.Buffer
	buf.Grow(padded + len(a.Raw))
	buf.WriteString(npyMagic)
	buf.WriteByte(1)
	buf.WriteByte(0)
	var lenBytes [2]byte
	binary.LittleEndian.PutUint16(lenBytes[:], uint16(headerLen))
	buf.Write(lenBytes[:])
	buf.WriteString(header)
	for i := len(header); i < headerLen-1; i++ {
		buf.WriteByte(' ')
	}
	buf.WriteByte('\n')
	buf.Write(a.Raw)
	return buf.Bytes(), nil
}

// decodeNPY parses a version 1.x or 2.x npy stream.
func decodeNPY(data []byte) (Array, error) {
	if len(data) < 10 || string(data[:6]) != npyMagic {
		return Array{}, pipeline.NewInputFormat("not an npy stream")
	}
	major := data[6]

	var headerStart, headerLen int
	switch major {
	case 1:
		headerStart = 10
		headerLen = int(binary.LittleEndian.Uint16(data[8:10]))
	case 2, 3:
		if len(data) < 12 {
			return Array{}, pipeline.NewInputFormat("truncated npy header")
		}
		headerStart = 12
		headerLen = int(binary.LittleEndian.Uint32(data[8:12]))
	default:
		return Array{}, pipeline.NewInputFormat("unsupported npy version %d", major)
	}
	if len(data) < headerStart+headerLen {
		return Array{}, pipeline.NewInputFormat("truncated npy header")
	}
	header := string(data[headerStart : headerStart+headerLen])

	descr, err := headerField(header, "descr")
	if err != nil {
		return Array{}, err
	}
	fortran, err := headerBool(header, "fortran_order")
	if err != nil {
		return Array{}, err
	}
	shape, err := headerShape(header)
	if err != nil {
		return Array{}, err
	}
	if fortran && len(shape) > 1 {
		return Array{}, pipeline.NewInputFormat("fortran-order arrays are not supported")
	}
	if strings.HasPrefix(descr, "|O") || strings.HasPrefix(descr, "object") {
		return Array{}, pipeline.NewInputFormat("pickled object arrays are not supported")
	}

	a := Array{DType: DType(descr), Shape: shape, Raw: data[headerStart+headerLen:]}
	elemSize, err := a.elementSize()
	if err != nil {
		return Array{}, err
	}
	if want := a.Len() * elemSize; !a.IsBytes() && len(a.Raw) < want {
		return Array{}, pipeline.NewInputFormat("npy payload truncated: want %d bytes, have %d", want, len(a.Raw))
	}
	return a, nil
}

func headerField(header, key string) (string, error) {
	marker := "'" + key + "':"
	idx := strings.Index(header, marker)
	if idx < 0 {
		return "", pipeline.NewInputFormat("npy header missing %q", key)
	}
	rest := header[idx+len(marker):]
	start := strings.IndexByte(rest, '\'')
	if start < 0 {
		return "", pipeline.NewInputFormat("malformed npy header")
	}
	end := strings.IndexByte(rest[start+1:], '\'')
	if end < 0 {
		return "", pipeline.NewInputFormat("malformed npy header")
	}
	return rest[start+1 : start+1+end], nil
}

func headerBool(header, key string) (bool, error) {
	marker := "'" + key + "':"
	idx := strings.Index(header, marker)
	if idx < 0 {
		return false, pipeline.NewInputFormat("npy header missing %q", key)
	}
	rest := strings.TrimLeft(header[idx+len(marker):], " ")
	switch {
	case strings.HasPrefix(rest, "True"):
		return true, nil
	case strings.HasPrefix(rest, "False"):
		return false, nil
	}
	return false, pipeline.NewInputFormat("malformed npy header")
}

func headerShape(header string) ([]int, error) {
	marker := "'shape':"
	idx := strings.Index(header, marker)
	if idx < 0 {
		return nil, pipeline.NewInputFormat("npy header missing shape")
	}
	rest := header[idx+len(marker):]
	open := strings.IndexByte(rest, '(')
	closeIdx := strings.IndexByte(rest, ')')
	if open < 0 || closeIdx < open {
		return nil, pipeline.NewInputFormat("malformed npy shape")
	}
	inner := strings.TrimSpace(rest[open+1 : closeIdx])
	if inner == "" {
		return nil, nil
	}
	parts := strings.Split(inner, ",")
	var shape []int
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		dim, err := strconv.Atoi(part)
		if err != nil || dim < 0 {
			return nil, pipeline.NewInputFormat("malformed npy shape")
		}
		shape = append(shape, dim)
	}
	return shape, nil
}
