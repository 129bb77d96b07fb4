package npz

import (
	"path/filepath"
	"testing"

	"voxelpipe/internal/pipeline"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		array Array
	}{
		{"float32", FromFloat32([]float32{1.5, -2.25, 0, 1000}, 2, 2)},
		{"float16", FromFloat16([]float32{0, 0.5, 255, -16}, 4)},
		{"uint8", FromUint8([]uint8{0, 1, 2, 255}, 2, 2)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			payload, err := encodeNPY(tc.array)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			decoded, err := decodeNPY(payload)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if decoded.DType != tc.array.DType {
				t.Errorf("dtype = %s, want %s", decoded.DType, tc.array.DType)
			}
			if len(decoded.Shape) != len(tc.array.Shape) {
				t.Fatalf("shape = %v, want %v", decoded.Shape, tc.array.Shape)
			}
			want, err := tc.array.Float32s()
			if err != nil {
				t.Fatalf("source values: %v", err)
			}
			got, err := decoded.Float32s()
			if err != nil {
				t.Fatalf("decoded values: %v", err)
			}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("value[%d] = %v, want %v", i, got[i], want[i])
				}
			}
		})
	}
}

func TestBytesEntryRoundTrip(t *testing.T) {
	payload := []byte(`{"1": "liver", "instance_label": 0}`)
	encoded, err := encodeNPY(FromBytes(payload))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodeNPY(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.IsBytes() {
		t.Fatalf("expected byte entry, got dtype %s", decoded.DType)
	}
	if string(decoded.Raw[:len(payload)]) != string(payload) {
		t.Errorf("payload = %q, want %q", decoded.Raw[:len(payload)], payload)
	}
}

func TestDecodeRejectsObjectArrays(t *testing.T) {
	// A hand-built header declaring a pickled object array.
	a := Array{DType: "|O8", Shape: []int{1}, Raw: make([]byte, 8)}
	payload, err := encodeNPY(a)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := decodeNPY(payload); !pipeline.IsKind(err, pipeline.KindInputFormat) {
		t.Fatalf("object arrays must be rejected, got %v", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := decodeNPY([]byte("not an npy stream at all")); err == nil {
		t.Fatal("expected an error for a bad magic")
	}
}

func TestArchiveFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.npz")
	original := Archive{
		"imgs":    FromFloat16([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 2, 2, 2),
		"spacing": FromFloat32([]float32{2.5, 1, 1}, 3),
		"meta":    FromBytes([]byte(`{"instance_label": 0}`)),
	}
	if err := original.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	loaded, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("entries = %v, want 3", loaded.Names())
	}
	imgs, ok := loaded["imgs"]
	if !ok || imgs.DType != Float16 {
		t.Fatalf("imgs entry missing or wrong dtype: %+v", imgs)
	}
	values, err := imgs.Float32s()
	if err != nil {
		t.Fatalf("Float32s: %v", err)
	}
	for i, want := range []float32{1, 2, 3, 4, 5, 6, 7, 8} {
		if values[i] != want {
			t.Fatalf("imgs[%d] = %v, want %v", i, values[i], want)
		}
	}
}

func TestHeaderPadding(t *testing.T) {
	payload, err := encodeNPY(FromUint8([]uint8{1}, 1))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	headerLen := int(payload[8]) | int(payload[9])<<8
	if (10+headerLen)%64 != 0 {
		t.Errorf("preamble length %d is not 64-aligned", 10+headerLen)
	}
	if payload[10+headerLen-1] != '\n' {
		t.Errorf("header must end with a newline")
	}
}
