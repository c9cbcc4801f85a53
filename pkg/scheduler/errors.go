package scheduler

import (
	"errors"
	"fmt"
)

// TransientError marks a collaborator failure that is retried with backoff
// instead of stopping the worker.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. It returns nil for a nil error.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// PanicError is returned by a worker whose algorithm panicked.
type PanicError struct {
	Worker string
	Value  any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("worker %s panicked: %v", e.Worker, e.Value)
}
