package pipeline

import (
	"context"
	"time"
)

// Inputs carries the outputs of a task's direct dependencies. Outputs are
// shared, not copied; task bodies must treat them as read-only.
type Inputs struct {
	outputs map[string]any
}

// NewInputs builds an Inputs from task id to output. Mostly useful for
// testing task bodies outside a scheduler.
func NewInputs(outputs map[string]any) Inputs {
	return Inputs{outputs: outputs}
}

// Output returns the output of the dependency task with the given id.
func (in Inputs) Output(taskID string) (any, bool) {
	v, ok := in.outputs[taskID]
	return v, ok
}

// TaskFunc is an opaque unit of work. It must honor ctx cancellation: the
// scheduler abandons bodies that outlive their deadline, it does not kill
// them.
type TaskFunc func(ctx context.Context, in Inputs) (any, error)

// RetryPolicy controls how a failing task is re-attempted. The delay before
// attempt n (1-based) is BackoffBase * BackoffMultiplier^(n-1).
type RetryPolicy struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = time.Second
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = 2
	}
	return p
}

// TaskUnit is the immutable definition of one pipeline step.
type TaskUnit struct {
	ID        string
	DependsOn []string
	Run       TaskFunc
	Retry     RetryPolicy
	Timeout   time.Duration

	// Optional tasks may fail without failing the pipeline. Their
	// dependents are still skipped on failure.
	Optional bool
}

// Definition is a named set of TaskUnits forming a DAG. At most one run per
// Pipeline name may be active at a time.
type Definition struct {
	Pipeline string
	Tasks    []TaskUnit
}
