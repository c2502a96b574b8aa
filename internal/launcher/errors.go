package launcher

import (
	"errors"
	"fmt"
)

// Error kinds for launching the backend. Match with errors.Is.
var (
	ErrExecutableNotFound = errors.New("executable not found")
	ErrScriptNotFound     = errors.New("backend script not found")
	ErrDirectoryNotFound  = errors.New("backend directory not found")
	ErrSpawnFailure       = errors.New("spawn failed")
	ErrReadinessTimeout   = errors.New("backend not ready before timeout")
)

// OpError describes a failed lifecycle operation.
type OpError struct {
	// Op is the operation that failed (resolve, spawn, ready, stop, ...)
	Op string
	// Path is the file involved, if any
	Path string
	// Kind is one of the package error kinds
	Kind error
	// Err is the underlying cause, may be nil
	Err error
}

func (e *OpError) Error() string {
	msg := "failed"
	if e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Path != "" {
		return fmt.Sprintf("%s %q: %s", e.Op, e.Path, msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *OpError) Unwrap() []error {
	var out []error
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}
