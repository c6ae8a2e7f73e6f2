package storage

import "fmt"

// PersistenceError wraps database failures so callers can tell storage
// trouble apart from domain errors.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err}
}
