package process

import (
	"errors"
	"fmt"
	"os"
)

// ErrUnreachable means the container runtime (or remote control socket)
// could not be contacted, so the daemon's status is unknown.
var ErrUnreachable = errors.New("daemon runtime unreachable")

// ErrorKind classifies a SupervisorError.
type ErrorKind string

// Supervisor error kinds.
const (
	StartFailed      ErrorKind = "start_failed"
	Timeout          ErrorKind = "timeout"
	PermissionDenied ErrorKind = "permission_denied"
)

// SupervisorError reports a failed start, stop or restart. Output holds
// the tail of the daemon's output when available.
type SupervisorError struct {
	Kind   ErrorKind
	Err    error
	Output []byte
}

func (e *SupervisorError) Error() string {
	return fmt.Sprintf("supervisor %s: %v", e.Kind, e.Err)
}

func (e *SupervisorError) Unwrap() error { return e.Err }

// startError classifies a spawn or task-start failure.
func startError(err error) *SupervisorError {
	if errors.Is(err, os.ErrPermission) {
		return &SupervisorError{Kind: PermissionDenied, Err: err}
	}
	return &SupervisorError{Kind: StartFailed, Err: err}
}
