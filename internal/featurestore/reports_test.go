package featurestore

import (
	"errors"
	"testing"
	"time"

	"github.com/featureline-labs/featureline-go/internal/pipeline"
)

func TestBuildReport(t *testing.T) {
	started := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	finished := started.Add(90 * time.Second)
	run := pipeline.PipelineRun{
		RunID:      "run-1",
		Pipeline:   "churn_features",
		Status:     pipeline.StatusFailed,
		StartedAt:  started,
		FinishedAt: finished,
		Tasks: map[string]pipeline.TaskRun{
			"load": {
				TaskID:     "load",
				State:      pipeline.StateSucceeded,
				Attempt:    2,
				StartedAt:  started,
				FinishedAt: started.Add(30 * time.Second),
			},
			"validate": {
				TaskID:     "validate",
				State:      pipeline.StateFailed,
				Attempt:    1,
				StartedAt:  started.Add(30 * time.Second),
				FinishedAt: finished,
				Err:        errors.New("null user ids"),
			},
			"transform": {
				TaskID: "transform",
				State:  pipeline.StateSkipped,
			},
		},
	}

	report := buildReport(run)
	if report.Schema != runReportSchema {
		t.Fatalf("schema=%q", report.Schema)
	}
	if report.RunID != "run-1" || report.Pipeline != "churn_features" {
		t.Fatalf("identity fields wrong: %+v", report)
	}
	if report.DurationMs != 90_000 {
		t.Fatalf("duration_ms=%d, want 90000", report.DurationMs)
	}
	if report.Counts["succeeded"] != 1 || report.Counts["failed"] != 1 || report.Counts["skipped"] != 1 {
		t.Fatalf("counts=%v", report.Counts)
	}

	// Tasks are sorted by id for stable report diffs.
	wantOrder := []string{"load", "transform", "validate"}
	if len(report.Tasks) != len(wantOrder) {
		t.Fatalf("tasks=%d, want %d", len(report.Tasks), len(wantOrder))
	}
	for i, id := range wantOrder {
		if report.Tasks[i].TaskID != id {
			t.Fatalf("task %d=%s, want %s", i, report.Tasks[i].TaskID, id)
		}
	}

	load := report.Tasks[0]
	if load.Attempt != 2 || load.DurationMs != 30_000 {
		t.Fatalf("load report=%+v", load)
	}
	validate := report.Tasks[2]
	if validate.Error != "null user ids" {
		t.Fatalf("validate error=%q", validate.Error)
	}
	skipped := report.Tasks[1]
	if skipped.DurationMs != 0 || skipped.Error != "" {
		t.Fatalf("skipped report=%+v", skipped)
	}
}

func TestBuildReportUnfinishedRunHasNoDuration(t *testing.T) {
	run := pipeline.PipelineRun{
		RunID:     "run-2",
		Pipeline:  "churn_features",
		Status:    pipeline.StatusRunning,
		StartedAt: time.Now().UTC(),
		Tasks:     map[string]pipeline.TaskRun{},
	}
	report := buildReport(run)
	if report.DurationMs != 0 {
		t.Fatalf("duration_ms=%d, want 0 while running", report.DurationMs)
	}
}
