package workspace

import "errors"

// ErrNotFound indicates the referenced workspace does not exist.
var ErrNotFound = errors.New("workspace not found")

// ErrPathViolation indicates a file path that resolves outside the workspace
// root. Rejected before any filesystem access.
var ErrPathViolation = errors.New("path escapes workspace root")

// ErrBusy indicates an operation is already in flight on the workspace, such
// as destroying one mid-compile.
var ErrBusy = errors.New("workspace is busy")

// ValidationError indicates an invalid input to a workspace operation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return e.Field + ": " + e.Message
	}
	return e.Message
}
