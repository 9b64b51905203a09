package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// Submission-time failures. The call fails, no task state is created.
	ErrCycle             = errors.New("dependency cycle")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrDuplicateTask     = errors.New("duplicate task id")
	ErrAlreadyRunning    = errors.New("pipeline already running")

	// Run-time failures, contained at the task/pipeline boundary.
	ErrTaskTimeout = errors.New("task timeout")
	ErrRunNotFound = errors.New("run not found")
	ErrCancelled   = errors.New("run cancelled")
)

// CycleError reports the cycle found during graph validation.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return ErrCycle.Error()
	}
	return fmt.Sprintf("%s: %s", ErrCycle.Error(), strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// UnknownDependencyError reports a dependsOn id absent from the task set.
type UnknownDependencyError struct {
	TaskID    string
	DependsOn string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("%s: task %q depends on %q", ErrUnknownDependency.Error(), e.TaskID, e.DependsOn)
}

func (e *UnknownDependencyError) Unwrap() error { return ErrUnknownDependency }

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }

func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks err as terminal for the owning task: the scheduler
// fails the task immediately instead of consuming remaining attempts.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err (or any wrapped error) was marked
// with NonRetryable.
func IsNonRetryable(err error) bool {
	var target *nonRetryableError
	return errors.As(err, &target)
}
