package chain

import "errors"

// ErrUnavailable indicates the chain process is gone or unreachable. Callers
// must not retry: a crashed process never comes back on its own.
var ErrUnavailable = errors.New("chain unavailable")

// ErrInvalidSnapshot indicates a revert target that is not on the instance's
// snapshot stack.
var ErrInvalidSnapshot = errors.New("snapshot not on stack")

// ErrNotFound indicates the referenced chain instance does not exist.
var ErrNotFound = errors.New("chain instance not found")

// ValidationError indicates an invalid chain configuration.
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

// RevertError carries the decoded revert reason of a failed call or
// transaction. Expected reverts are ordinary scenario data, so this is a
// distinct type callers can branch on.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return "execution reverted: " + e.Reason
}
