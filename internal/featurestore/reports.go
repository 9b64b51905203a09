package featurestore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/featureline-labs/featureline-go/internal/pipeline"
)

const runReportSchema = "featureline.pipeline.run_report.v1"

// RunReport is the archived record of one pipeline run.
type RunReport struct {
	Schema     string           `json:"schema"`
	RunID      string           `json:"run_id"`
	Pipeline   string           `json:"pipeline"`
	Status     pipeline.Status  `json:"status"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	DurationMs int64            `json:"duration_ms"`
	Tasks      []TaskReport     `json:"tasks"`
	Counts     map[string]int   `json:"counts"`
}

// TaskReport is one task's slice of a RunReport.
type TaskReport struct {
	TaskID     string         `json:"task_id"`
	State      pipeline.State `json:"state"`
	Attempt    int            `json:"attempt"`
	StartedAt  time.Time      `json:"started_at,omitzero"`
	FinishedAt time.Time      `json:"finished_at,omitzero"`
	DurationMs int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
}

// ReportArchiver writes run reports to the object store.
type ReportArchiver struct {
	client *minio.Client
	bucket string
}

func NewReportArchiver(client *minio.Client, bucket string) *ReportArchiver {
	return &ReportArchiver{client: client, bucket: bucket}
}

// Archive serializes the run and stores it under
// runs/<pipeline>/<run_id>.json, returning the object key and the
// content sha256.
func (a *ReportArchiver) Archive(ctx context.Context, run pipeline.PipelineRun) (string, string, error) {
	report := buildReport(run)
	body, err := json.Marshal(report)
	if err != nil {
		return "", "", fmt.Errorf("marshal run report: %w", err)
	}
	sum := sha256.Sum256(body)
	contentSHA256 := hex.EncodeToString(sum[:])

	key := fmt.Sprintf("runs/%s/%s.json", run.Pipeline, run.RunID)
	putCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err = a.client.PutObject(
		putCtx,
		a.bucket,
		key,
		bytes.NewReader(body),
		int64(len(body)),
		minio.PutObjectOptions{
			ContentType:  "application/json",
			UserMetadata: map[string]string{"Content-Sha256": contentSHA256},
		},
	)
	if err != nil {
		return "", "", fmt.Errorf("put run report: %w", err)
	}
	return key, contentSHA256, nil
}

func buildReport(run pipeline.PipelineRun) RunReport {
	report := RunReport{
		Schema:     runReportSchema,
		RunID:      run.RunID,
		Pipeline:   run.Pipeline,
		Status:     run.Status,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Counts:     make(map[string]int),
	}
	if !run.FinishedAt.IsZero() {
		report.DurationMs = run.FinishedAt.Sub(run.StartedAt).Milliseconds()
	}
	for state, n := range run.CountByState() {
		report.Counts[string(state)] = n
	}
	for _, id := range sortedTaskIDs(run.Tasks) {
		tr := run.Tasks[id]
		task := TaskReport{
			TaskID:     tr.TaskID,
			State:      tr.State,
			Attempt:    tr.Attempt,
			StartedAt:  tr.StartedAt,
			FinishedAt: tr.FinishedAt,
		}
		if !tr.StartedAt.IsZero() && !tr.FinishedAt.IsZero() {
			task.DurationMs = tr.FinishedAt.Sub(tr.StartedAt).Milliseconds()
		}
		if tr.Err != nil {
			task.Error = tr.Err.Error()
		}
		report.Tasks = append(report.Tasks, task)
	}
	return report
}

func sortedTaskIDs(tasks map[string]pipeline.TaskRun) []string {
	ids := make([]string, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
