package studies

import (
	"strings"
	"time"
)

// Status represents the canonical lifecycle of a study and its job.
type Status string

const (
	StatusSubmitted  Status = "SUBMITTED"
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"

	// StatusUnknown is the pass-through state for external vocabulary the
	// reconciler does not recognize. It is never persisted as a study status.
	StatusUnknown Status = "UNKNOWN"
)

var statusRank = map[Status]int{
	StatusSubmitted:  0,
	StatusQueued:     1,
	StatusProcessing: 2,
	StatusCompleted:  3,
	StatusFailed:     3,
}

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from one canonical status to another is
// legal. Transitions are monotonic, except that FAILED is reachable from any
// non-terminal state.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// ParseStatus converts a string into a known canonical status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToUpper(strings.TrimSpace(value)))
	if _, ok := statusRank[normalized]; ok {
		return normalized, true
	}
	return "", false
}

// Study represents one uploaded volume and its processing lifecycle. It
// outlives the queue message and owns the stored artifact keys.
type Study struct {
	ID           string
	OwnerScope   string
	Category     string
	Prompt       string
	Status       Status
	SourceKey    string
	ImageKey     string
	MaskKey      string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// Job tracks the inference execution for a study. Exactly one job exists per
// study.
type Job struct {
	ID              string
	StudyID         string
	ExternalJobID   string
	Status          Status
	ProgressPercent int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// IsCompleted reports whether the job finished successfully.
func (j *Job) IsCompleted() bool { return j.Status == StatusCompleted }

// IsFailed reports whether the job failed.
func (j *Job) IsFailed() bool { return j.Status == StatusFailed }
