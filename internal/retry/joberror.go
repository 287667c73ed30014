// Package retry classifies job failures and schedules retry successors.
//
// A failed job never re-runs in place. When a failure is retryable the
// controller schedules a brand new job carrying the original input data,
// with an ID derived from the original. Chains of retries are tracked per
// original job ID so backoff and attempt ceilings survive across
// successors.
package retry

import (
	"errors"
	"fmt"
)

// Category buckets an error by what kind of recovery makes sense.
type Category string

const (
	CategoryValidation   Category = "validation"
	CategoryNotFound     Category = "not-found"
	CategoryPermission   Category = "permission"
	CategoryTimeout      Category = "timeout"
	CategoryRateLimit    Category = "rate-limit"
	CategoryTransientIO  Category = "transient-io"
	CategorySpawnFailure Category = "spawn-failure"
	CategoryCancelled    Category = "cancelled"
	CategoryUnknown      Category = "unknown"
)

// ErrCancelled marks a cooperative cancellation. Handlers that notice the
// cancel request return an error wrapping this sentinel.
var ErrCancelled = errors.New("job cancelled")

// IsCancelled reports whether err is a cooperative cancellation.
func IsCancelled(err error) bool {
	if errors.Is(err, ErrCancelled) {
		return true
	}
	var je *JobError
	return errors.As(err, &je) && je.Category == CategoryCancelled
}

// JobError carries an explicit category so handlers can skip inference.
// Retryable, when set, overrides the category's default policy (a spawn
// failure on a deleted working directory is the usual case).
type JobError struct {
	Category  Category
	Code      string
	Retryable *bool
	Err       error
}

func (e *JobError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Category)
}

func (e *JobError) Unwrap() error { return e.Err }

// NewJobError wraps err with an explicit category and optional code.
func NewJobError(cat Category, code string, err error) *JobError {
	return &JobError{Category: cat, Code: code, Err: err}
}

// Validationf builds a non-retryable bad-input error.
func Validationf(format string, args ...any) *JobError {
	return &JobError{Category: CategoryValidation, Err: fmt.Errorf(format, args...)}
}

// NotFoundf builds a non-retryable missing-target error.
func NotFoundf(format string, args ...any) *JobError {
	return &JobError{Category: CategoryNotFound, Err: fmt.Errorf(format, args...)}
}
