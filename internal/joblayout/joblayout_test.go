package joblayout

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLayoutPaths(t *testing.T) {
	l := ForJob("/jobs", "ext-1")
	if l.InputPath() != filepath.Join("/jobs", "ext-1", "input", "input.npz") {
		t.Errorf("InputPath = %s", l.InputPath())
	}
	if l.OutputPath() != filepath.Join("/jobs", "ext-1", "output", "pred_mask.npz") {
		t.Errorf("OutputPath = %s", l.OutputPath())
	}
	if l.StatusPath() != filepath.Join("/jobs", "ext-1", "status.txt") {
		t.Errorf("StatusPath = %s", l.StatusPath())
	}
}

func TestPrepareAndStatusRoundtrip(t *testing.T) {
	l := ForJob(t.TempDir(), "ext-1")
	if err := l.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	for _, dir := range []string{l.InputDir(), l.OutputDir()} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("%s should be a directory, err=%v", dir, err)
		}
	}

	// No marker yet.
	status, err := l.ReadStatus()
	if err != nil || status != "" {
		t.Fatalf("ReadStatus on empty = %q, %v", status, err)
	}

	if err := l.WriteStatus("running"); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}
	status, err = l.ReadStatus()
	if err != nil || status != "running" {
		t.Fatalf("ReadStatus = %q, %v", status, err)
	}

	// Last write wins.
	if err := l.WriteStatus("completed"); err != nil {
		t.Fatalf("WriteStatus: %v", err)
	}
	status, _ = l.ReadStatus()
	if status != "completed" {
		t.Errorf("status = %q, want %q", status, "completed")
	}
}

func TestHasOutput(t *testing.T) {
	l := ForJob(t.TempDir(), "ext-1")
	if err := l.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if l.HasOutput() {
		t.Error("HasOutput should be false before the task writes")
	}

	// An empty file does not count as output.
	if err := os.WriteFile(l.OutputPath(), nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if l.HasOutput() {
		t.Error("empty output file must not count")
	}

	if err := os.WriteFile(l.OutputPath(), []byte("mask"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !l.HasOutput() {
		t.Error("HasOutput should be true once the prediction exists")
	}
}
