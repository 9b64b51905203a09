package qualitygate

import (
	"context"
	"errors"
	"testing"

	"github.com/featureline-labs/featureline-go/internal/pipeline"
)

func TestEvaluateComparators(t *testing.T) {
	cases := []struct {
		name      string
		op        Comparator
		observed  float64
		threshold float64
		pass      bool
	}{
		{"gte pass", OpGTE, 5, 5, true},
		{"gte fail", OpGTE, 4.9, 5, false},
		{"lte pass", OpLTE, 5, 5, true},
		{"lte fail", OpLTE, 5.1, 5, false},
		{"eq pass", OpEQ, 0, 0, true},
		{"eq fail", OpEQ, 0.001, 0, false},
		{"ne pass", OpNE, 1, 0, true},
		{"ne fail", OpNE, 0, 0, false},
		{"gt pass", OpGT, 5.1, 5, true},
		{"gt fail", OpGT, 5, 5, false},
		{"lt pass", OpLT, 4.9, 5, true},
		{"lt fail", OpLT, 5, 5, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := Evaluate(Metrics{"m": tc.observed}, []Check{
				{Metric: "m", Op: tc.op, Threshold: tc.threshold, Severity: SeverityBlocking},
			})
			if result.Passed != tc.pass {
				t.Fatalf("passed=%v, want %v", result.Passed, tc.pass)
			}
		})
	}
}

func TestEvaluateZeroNullRateBlockingPasses(t *testing.T) {
	output := map[string]any{"null_rate": 0.0, "total_users": 1500}
	result := Evaluate(output, []Check{
		{Metric: "null_rate", Op: OpEQ, Threshold: 0, Severity: SeverityBlocking},
		{Metric: "total_users", Op: OpGTE, Threshold: 100, Severity: SeverityBlocking},
	})
	if !result.Passed {
		t.Fatalf("gate failed: %+v", result.Checks)
	}
}

func TestEvaluateWarningDoesNotFailGate(t *testing.T) {
	result := Evaluate(Metrics{"churn_rate_percent": 95}, []Check{
		{Metric: "churn_rate_percent", Op: OpLTE, Threshold: 90, Severity: SeverityWarning},
	})
	if !result.Passed {
		t.Fatal("warning failure must not fail the gate")
	}
	warnings := result.FailedWarnings()
	if len(warnings) != 1 || warnings[0] != "churn_rate_percent" {
		t.Fatalf("warnings=%v, want [churn_rate_percent]", warnings)
	}
}

func TestEvaluateBlockingFailsGate(t *testing.T) {
	result := Evaluate(Metrics{"total_users": 50}, []Check{
		{Metric: "total_users", Op: OpGTE, Threshold: 100, Severity: SeverityBlocking},
		{Metric: "total_users", Op: OpGTE, Threshold: 10, Severity: SeverityBlocking},
	})
	if result.Passed {
		t.Fatal("gate should fail on blocking check")
	}
	blocking := result.FailedBlocking()
	if len(blocking) != 1 || blocking[0] != "total_users" {
		t.Fatalf("blocking=%v, want one total_users entry", blocking)
	}
}

func TestEvaluateMissingMetricFailsCheck(t *testing.T) {
	result := Evaluate(Metrics{}, []Check{
		{Metric: "absent", Op: OpGTE, Threshold: 0, Severity: SeverityBlocking},
	})
	if result.Passed {
		t.Fatal("missing metric must fail a blocking check")
	}
	if !result.Checks[0].Missing {
		t.Fatal("check result should be marked missing")
	}
}

func TestEvaluateExtractOverride(t *testing.T) {
	type custom struct{ n float64 }
	result := Evaluate(custom{n: 7}, []Check{
		{
			Metric:    "n",
			Op:        OpGTE,
			Threshold: 5,
			Severity:  SeverityBlocking,
			Extract: func(output any) (float64, bool) {
				c, ok := output.(custom)
				return c.n, ok
			},
		},
	})
	if !result.Passed {
		t.Fatalf("extract override failed: %+v", result.Checks)
	}
}

func TestExtractMetricsFromMap(t *testing.T) {
	m := ExtractMetrics(map[string]any{
		"count":  int64(10),
		"rate":   0.5,
		"flag":   true,
		"label":  "skip me",
		"int32v": int32(3),
	})
	if m["count"] != 10 || m["rate"] != 0.5 || m["flag"] != 1 || m["int32v"] != 3 {
		t.Fatalf("metrics=%v", m)
	}
	if _, ok := m["label"]; ok {
		t.Fatal("non-numeric values must be dropped")
	}
}

func TestExtractMetricsNonMapOutput(t *testing.T) {
	if got := ExtractMetrics("not a map"); len(got) != 0 {
		t.Fatalf("metrics=%v, want empty", got)
	}
	if got := ExtractMetrics(nil); len(got) != 0 {
		t.Fatalf("metrics=%v, want empty", got)
	}
}

func TestCheckValidate(t *testing.T) {
	if err := (Check{Metric: "m", Op: OpGTE, Severity: SeverityBlocking}).Validate(); err != nil {
		t.Fatalf("valid check rejected: %v", err)
	}
	if err := (Check{Op: OpGTE, Severity: SeverityBlocking}).Validate(); err == nil {
		t.Fatal("empty metric accepted")
	}
	if err := (Check{Metric: "m", Op: "~", Severity: SeverityBlocking}).Validate(); err == nil {
		t.Fatal("bad comparator accepted")
	}
	if err := (Check{Metric: "m", Op: OpGTE, Severity: "fatal"}).Validate(); err == nil {
		t.Fatal("bad severity accepted")
	}
}

func TestGateTaskFailsNonRetryable(t *testing.T) {
	fn := GateTask("source", []Check{
		{Metric: "rows", Op: OpGTE, Threshold: 100, Severity: SeverityBlocking},
	})
	in := pipeline.NewInputs(map[string]any{
		"source": map[string]any{"rows": 10},
	})

	out, err := fn(context.Background(), in)
	if err == nil {
		t.Fatal("gate should fail")
	}
	if !errors.Is(err, ErrBlockingCheckFailed) {
		t.Fatalf("err=%v, want ErrBlockingCheckFailed", err)
	}
	if !pipeline.IsNonRetryable(err) {
		t.Fatal("gate failure must be non-retryable")
	}
	result, ok := out.(Result)
	if !ok || result.Passed {
		t.Fatalf("output=%v, want failed Result", out)
	}
}

func TestGateTaskPassesWithResultOutput(t *testing.T) {
	fn := GateTask("source", []Check{
		{Metric: "rows", Op: OpGTE, Threshold: 1, Severity: SeverityBlocking},
	})
	in := pipeline.NewInputs(map[string]any{
		"source": map[string]any{"rows": 10},
	})

	out, err := fn(context.Background(), in)
	if err != nil {
		t.Fatalf("gate failed: %v", err)
	}
	result, ok := out.(Result)
	if !ok || !result.Passed {
		t.Fatalf("output=%v, want passing Result", out)
	}
}

func TestGateTaskMissingSourceOutput(t *testing.T) {
	fn := GateTask("source", []Check{
		{Metric: "rows", Op: OpGTE, Threshold: 1, Severity: SeverityBlocking},
	})
	_, err := fn(context.Background(), pipeline.NewInputs(nil))
	if err == nil {
		t.Fatal("missing source output should fail the gate")
	}
	if !pipeline.IsNonRetryable(err) {
		t.Fatal("missing source output must be non-retryable")
	}
}
