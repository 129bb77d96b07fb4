// Package joblayout defines the on-disk contract between the dispatcher and
// the compute task. Both sides see the same job directory (an EFS mount in
// production) and exchange the canonical volume, the predicted mask, and a
// one-line status marker through it.
package joblayout

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	inputDirName   = "input"
	outputDirName  = "output"
	inputFileName  = "input.npz"
	outputFileName = "pred_mask.npz"
	statusFileName = "status.txt"
)

// Layout addresses the files of one job directory.
type Layout struct {
	Root string
}

// ForJob returns the layout of a job under the shared job root.
func ForJob(jobRoot, externalJobID string) Layout {
	return Layout{Root: filepath.Join(jobRoot, externalJobID)}
}

func (l Layout) InputDir() string   { return filepath.Join(l.Root, inputDirName) }
func (l Layout) OutputDir() string  { return filepath.Join(l.Root, outputDirName) }
func (l Layout) InputPath() string  { return filepath.Join(l.Root, inputDirName, inputFileName) }
func (l Layout) OutputPath() string { return filepath.Join(l.Root, outputDirName, outputFileName) }
func (l Layout) StatusPath() string { return filepath.Join(l.Root, statusFileName) }

// Prepare creates the input and output directories.
func (l Layout) Prepare() error {
	for _, dir := range []string{l.InputDir(), l.OutputDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create job directory %s: %w", dir, err)
		}
	}
	return nil
}

// WriteStatus replaces the status marker. The compute task overwrites the
// same file as it progresses, so last write wins.
func (l Layout) WriteStatus(status string) error {
	if err := os.MkdirAll(l.Root, 0o755); err != nil {
		return fmt.Errorf("create job directory %s: %w", l.Root, err)
	}
	if err := os.WriteFile(l.StatusPath(), []byte(status+"\n"), 0o644); err != nil {
		return fmt.Errorf("write status marker: %w", err)
	}
	return nil
}

// ReadStatus returns the current status marker, or empty when none exists.
func (l Layout) ReadStatus() (string, error) {
	data, err := os.ReadFile(l.StatusPath())
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read status marker: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// HasOutput reports whether the compute task wrote its prediction.
func (l Layout) HasOutput() bool {
	info, err := os.Stat(l.OutputPath())
	return err == nil && !info.IsDir() && info.Size() > 0
}
