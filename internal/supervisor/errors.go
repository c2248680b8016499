package supervisor

import (
	"fmt"
	"strings"
)

// ProcessStartError means the child binary could not be launched at all
// (missing executable, permission denied, pipe setup failure).
type ProcessStartError struct {
	Stage string
	Path  string
	Err   error
}

func (e *ProcessStartError) Error() string {
	return fmt.Sprintf("failed to start %s process (%s): %v", e.Stage, e.Path, e.Err)
}

func (e *ProcessStartError) Unwrap() error { return e.Err }

// ProcessExecutionError means the child exited non-zero after logging at
// least one error-severity line. A non-zero exit without such a line is not
// an error.
type ProcessExecutionError struct {
	Stage    string
	ExitCode int
	Lines    []string
}

func (e *ProcessExecutionError) Error() string {
	return fmt.Sprintf("%s process exited with code %d\nStderr: %s", e.Stage, e.ExitCode, strings.Join(e.Lines, "\n"))
}
