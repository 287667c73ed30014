package db

import (
	"errors"
	"fmt"
)

// ErrJobExists is returned by InsertJob when the job ID is already taken.
var ErrJobExists = errors.New("job id already exists")

// ErrJobNotFound is returned when no job matches the requested ID.
var ErrJobNotFound = errors.New("job not found")

// StorageError wraps an I/O or corruption failure from the underlying
// database. Callers treat these as non-fatal for in-memory state: the
// scheduler logs them and emits a warning event instead of failing the job.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
