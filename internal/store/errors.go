package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a version id does not exist, or when no
// version has been activated yet.
var ErrNotFound = errors.New("configuration version not found")

// PersistenceError wraps a storage or filesystem failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
