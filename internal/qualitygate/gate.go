// Package qualitygate evaluates numeric threshold checks against task
// outputs. Evaluation is a pure function of the output and the check
// list; the package holds no state and performs no I/O.
package qualitygate

import (
	"context"
	"fmt"
	"strings"

	"github.com/featureline-labs/featureline-go/internal/pipeline"
)

// ErrBlockingCheckFailed marks a gate evaluation where at least one
// blocking check did not pass.
var ErrBlockingCheckFailed = fmt.Errorf("blocking quality check failed")

// Severity decides whether a failing check fails the gate or only flags it.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityBlocking Severity = "blocking"
)

// Comparator selects how an observed value is compared to a threshold.
type Comparator string

const (
	OpGTE Comparator = ">="
	OpLTE Comparator = "<="
	OpEQ  Comparator = "=="
	OpNE  Comparator = "!="
	OpGT  Comparator = ">"
	OpLT  Comparator = "<"
)

// Check is one threshold assertion against a named metric. Extract, when
// set, overrides the metric lookup and pulls the observed value straight
// from the raw output.
type Check struct {
	Metric    string
	Op        Comparator
	Threshold float64
	Severity  Severity
	Extract   func(output any) (float64, bool)
}

func (c Check) Validate() error {
	if c.Metric == "" {
		return fmt.Errorf("check has no metric name")
	}
	switch c.Op {
	case OpGTE, OpLTE, OpEQ, OpNE, OpGT, OpLT:
	default:
		return fmt.Errorf("check %s has unsupported comparator %q", c.Metric, c.Op)
	}
	switch c.Severity {
	case SeverityWarning, SeverityBlocking:
	default:
		return fmt.Errorf("check %s has unsupported severity %q", c.Metric, c.Severity)
	}
	return nil
}

// Metrics is the numeric view of a task output.
type Metrics map[string]float64

// CheckResult reports the outcome of one check.
type CheckResult struct {
	Metric    string     `json:"metric"`
	Observed  float64    `json:"observed"`
	Threshold float64    `json:"threshold"`
	Op        Comparator `json:"op"`
	Severity  Severity   `json:"severity"`
	Passed    bool       `json:"passed"`
	Missing   bool       `json:"missing,omitempty"`
}

// Result is the full gate outcome. Passed is false only when a blocking
// check failed; warning failures are reported but do not fail the gate.
type Result struct {
	Passed bool          `json:"passed"`
	Checks []CheckResult `json:"checks"`
}

func (r Result) FailedBlocking() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.Passed && c.Severity == SeverityBlocking {
			out = append(out, c.Metric)
		}
	}
	return out
}

func (r Result) FailedWarnings() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.Passed && c.Severity == SeverityWarning {
			out = append(out, c.Metric)
		}
	}
	return out
}

// Evaluate runs every check against the output. A metric missing from the
// output fails its check regardless of severity settings on the value.
func Evaluate(output any, checks []Check) Result {
	metrics := ExtractMetrics(output)
	result := Result{Passed: true, Checks: make([]CheckResult, 0, len(checks))}
	for _, c := range checks {
		cr := CheckResult{
			Metric:    c.Metric,
			Threshold: c.Threshold,
			Op:        c.Op,
			Severity:  c.Severity,
		}
		var observed float64
		var ok bool
		if c.Extract != nil {
			observed, ok = c.Extract(output)
		} else {
			observed, ok = metrics[c.Metric]
		}
		if !ok {
			cr.Missing = true
			cr.Passed = false
		} else {
			cr.Observed = observed
			cr.Passed = compare(observed, c.Threshold, c.Op)
		}
		if !cr.Passed && c.Severity == SeverityBlocking {
			result.Passed = false
		}
		result.Checks = append(result.Checks, cr)
	}
	return result
}

// GateTask wraps a gate evaluation as a pipeline task. The task reads the
// output of the source task, evaluates the checks, and fails without
// retrying when a blocking check fails. The gate result is the task output
// either way, so downstream tasks and run reports can see warnings.
func GateTask(source string, checks []Check) pipeline.TaskFunc {
	return func(ctx context.Context, in pipeline.Inputs) (any, error) {
		for _, c := range checks {
			if err := c.Validate(); err != nil {
				return nil, pipeline.NonRetryable(err)
			}
		}
		output, ok := in.Output(source)
		if !ok {
			return nil, pipeline.NonRetryable(fmt.Errorf("gate source task %s produced no output", source))
		}
		result := Evaluate(output, checks)
		if !result.Passed {
			return result, pipeline.NonRetryable(fmt.Errorf("%w: %s",
				ErrBlockingCheckFailed, strings.Join(result.FailedBlocking(), ", ")))
		}
		return result, nil
	}
}

// ExtractMetrics coerces a task output into a flat metric map. Outputs
// that are not map-shaped yield no metrics.
func ExtractMetrics(output any) Metrics {
	switch v := output.(type) {
	case nil:
		return Metrics{}
	case Metrics:
		return v
	case map[string]float64:
		return Metrics(v)
	case map[string]any:
		m := make(Metrics, len(v))
		for k, raw := range v {
			if f, ok := toFloat(raw); ok {
				m[k] = f
			}
		}
		return m
	default:
		return Metrics{}
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func compare(observed, threshold float64, op Comparator) bool {
	switch op {
	case OpGTE:
		return observed >= threshold
	case OpLTE:
		return observed <= threshold
	case OpEQ:
		return observed == threshold
	case OpNE:
		return observed != threshold
	case OpGT:
		return observed > threshold
	case OpLT:
		return observed < threshold
	default:
		return false
	}
}
