package sdk

import (
	"errors"
	"fmt"
)

var (
	ErrConfig          = errors.New("config error")
	ErrSubstitution    = errors.New("substitution error")
	ErrResourceTimeout = errors.New("resource timeout")
	ErrStageExecution  = errors.New("stage execution error")
	ErrPersistence     = errors.New("persistence error")
)

// NewConfigError reports an invalid pipeline definition. Config errors abort
// a run before any stage leaves Pending.
func NewConfigError(msg string, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: %s: %w", ErrConfig, msg, cause)
	}
	return fmt.Errorf("%w: %s", ErrConfig, msg)
}

func NewSubstitutionError(jobID string, cause error) error {
	return fmt.Errorf("%w: unable to resolve stage %s: %w", ErrSubstitution, jobID, cause)
}

func NewResourceTimeoutError(jobID string) error {
	return fmt.Errorf("%w: stage %s was not admitted in time", ErrResourceTimeout, jobID)
}

func NewStageExecutionError(jobID string, exitCode int, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: stage %s: %w", ErrStageExecution, jobID, cause)
	}
	return fmt.Errorf("%w: stage %s exited with code %d", ErrStageExecution, jobID, exitCode)
}

func NewPersistenceError(msg string, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: %s: %w", ErrPersistence, msg, cause)
	}
	return fmt.Errorf("%w: %s", ErrPersistence, msg)
}
