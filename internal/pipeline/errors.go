package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrNoImages     = errors.New("job has no images")
	ErrInvalidState = errors.New("job is not in uploaded state")
	ErrQueueFull    = errors.New("job queue is full")
	ErrPoolClosed   = errors.New("worker pool is closed")
	ErrJobQueued    = errors.New("job is already queued")
)

// Error codes stored on a failed job.
const (
	CodeConfiguration = "configuration_error"
	CodeJobStore      = "job_store_error"
	CodeDetector      = "detector_error"
	CodeInternal      = "internal_error"
)

// ConfigurationError reports an invalid job configuration found before
// processing starts.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// JobStoreError wraps a persistence failure. It is always fatal to the job.
type JobStoreError struct {
	Op  string
	Err error
}

func (e *JobStoreError) Error() string {
	return fmt.Sprintf("job store %s failed: %v", e.Op, e.Err)
}

func (e *JobStoreError) Unwrap() error {
	return e.Err
}
