package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrProcessDied is the reason every outstanding request fails with once
	// the engine is gone.
	ErrProcessDied = errors.New("engine process died")
	ErrExitedEarly = errors.New("engine exited during startup")
	ErrInvalidLine = errors.New("line contains a line break")
)

// LaunchError means the engine could not be brought up at all. It is not
// retried.
type LaunchError struct {
	Path   string
	Err    error
	Stderr []string
}

func (e *LaunchError) Error() string {
	msg := fmt.Sprintf("launching %s: %v", e.Path, e.Err)
	if len(e.Stderr) > 0 {
		msg += " (stderr: " + strings.Join(e.Stderr, " | ") + ")"
	}
	return msg
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// WriteError is a failed write to the engine stdin.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return "writing to engine: " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
