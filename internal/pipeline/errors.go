package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures so callers can decide between rejecting a
// submission, failing a job, or swallowing a non-fatal materialization error.
type Kind string

const (
	KindInputFormat     Kind = "input_format"
	KindShape           Kind = "shape"
	KindSchema          Kind = "schema"
	KindTaskLaunch      Kind = "task_launch"
	KindTaskTimeout     Kind = "task_timeout"
	KindTaskFailed      Kind = "task_failed"
	KindResultMissing   Kind = "result_missing"
	KindMaterialization Kind = "materialization"
)

// Error is the concrete error type carried by every pipeline failure.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.cause }

// ErrorKind returns the string classification of the error.
func (e *Error) ErrorKind() string { return string(e.kind) }

// Kind returns the typed classification of the error.
func (e *Error) Kind() Kind { return e.kind }

func newError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), cause: cause}
}

// NewInputFormat reports an unusable upload (bad archive layout, unreadable
// series, unsupported encoding).
func NewInputFormat(format string, args ...any) *Error {
	return newError(KindInputFormat, nil, format, args...)
}

// NewShape reports a volume that is not 3-dimensional after squeezing.
func NewShape(format string, args ...any) *Error {
	return newError(KindShape, nil, format, args...)
}

// NewSchema reports a pre-canonical payload missing required entries.
func NewSchema(format string, args ...any) *Error {
	return newError(KindSchema, nil, format, args...)
}

// NewTaskLaunch wraps a failure to start the remote compute task.
func NewTaskLaunch(cause error, format string, args ...any) *Error {
	return newError(KindTaskLaunch, cause, format, args...)
}

// NewTaskTimeout reports a compute task that exceeded its hard timeout.
func NewTaskTimeout(format string, args ...any) *Error {
	return newError(KindTaskTimeout, nil, format, args...)
}

// NewTaskFailed reports a compute task that stopped with a non-zero exit.
func NewTaskFailed(format string, args ...any) *Error {
	return newError(KindTaskFailed, nil, format, args...)
}

// NewResultMissing reports an expected stage artifact that does not exist.
func NewResultMissing(format string, args ...any) *Error {
	return newError(KindResultMissing, nil, format, args...)
}

// NewMaterialization wraps a non-fatal artifact generation failure.
func NewMaterialization(cause error, format string, args ...any) *Error {
	return newError(KindMaterialization, cause, format, args...)
}

// KindOf extracts the pipeline classification from an error chain.
// Errors outside the taxonomy report an empty Kind.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.kind
	}
	return ""
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
