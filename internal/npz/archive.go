package npz

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"voxelpipe/internal/pipeline"
)

// Archive is an in-memory npz file: named arrays keyed without the ".npy"
// suffix numpy adds inside the zip.
type Archive map[string]Array

// Names returns the entry names in sorted order.
func (ar Archive) Names() []string {
	names := make([]string, 0, len(ar))
	for name := range ar {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Encode serializes the archive as an uncompressed zip, matching what
// numpy.savez produces.
func (ar Archive) Encode() ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range ar.Names() {
		payload, err := encodeNPY(ar[name])
		if err != nil {
			return nil, fmt.Errorf("encode entry %s: %w", name, err)
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name + ".npy", Method: zip.Store})
		if err != nil {
			return nil, fmt.Errorf("create entry %s: %w", name, err)
		}
		if _, err := w.Write(payload); err != nil {
			return nil, fmt.Errorf("write entry %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize npz: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses an npz payload into named arrays.
func Decode(data []byte) (Archive, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, pipeline.NewInputFormat("not an npz archive: %v", err)
	}

	ar := make(Archive, len(zr.File))
	for _, entry := range zr.File {
		name := strings.TrimSuffix(entry.Name, ".npy")
		rc, err := entry.Open()
		if err != nil {
			return nil, pipeline.NewInputFormat("open npz entry %s: %v", entry.Name, err)
		}
		payload, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, pipeline.NewInputFormat("read npz entry %s: %v", entry.Name, err)
		}
		array, err := decodeNPY(payload)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", entry.Name, err)
		}
		ar[name] = array
	}
	return ar, nil
}

// WriteFile writes the archive atomically: the file appears complete or not
// at all.
func (ar Archive) WriteFile(path string) error {
	data, err := ar.Encode()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".npz-*")
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

// ReadFile loads an npz archive from disk.
func ReadFile(path string) (Archive, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Decode(data)
}
