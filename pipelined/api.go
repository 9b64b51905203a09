package main

import (
	"embed"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/featureline-labs/featureline-go/internal/pipeline"
	"github.com/featureline-labs/featureline-go/internal/pipelinedef"
)

//go:embed pipelines/*.yaml
var pipelineFiles embed.FS

type pipelineAPI struct {
	logger    *slog.Logger
	scheduler *pipeline.Scheduler
	registry  map[string]pipeline.TaskFunc
	defs      map[string]pipelinedef.File
}

func newPipelineAPI(logger *slog.Logger, scheduler *pipeline.Scheduler, registry map[string]pipeline.TaskFunc) *pipelineAPI {
	api := &pipelineAPI{
		logger:    logger,
		scheduler: scheduler,
		registry:  registry,
		defs:      make(map[string]pipelinedef.File),
	}
	entries, err := fs.ReadDir(pipelineFiles, "pipelines")
	if err != nil {
		logger.Error("read embedded pipelines", "error", err)
		return api
	}
	for _, entry := range entries {
		data, err := pipelineFiles.ReadFile("pipelines/" + entry.Name())
		if err != nil {
			logger.Error("read pipeline definition", "file", entry.Name(), "error", err)
			continue
		}
		def, err := pipelinedef.Parse(data)
		if err != nil {
			logger.Error("invalid pipeline definition", "file", entry.Name(), "error", err)
			continue
		}
		api.defs[def.Pipeline] = def
	}
	return api
}

func (api *pipelineAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /pipelines", api.handleListPipelines)
	mux.HandleFunc("POST /runs", api.handleSubmitRun)
	mux.HandleFunc("GET /runs", api.handleListRuns)
	mux.HandleFunc("GET /runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("POST /runs/{run_id}/cancel", api.handleCancelRun)
}

func (api *pipelineAPI) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(api.defs))
	for name := range api.defs {
		names = append(names, name)
	}
	sort.Strings(names)

	type pipelineInfo struct {
		Pipeline string   `json:"pipeline"`
		Tasks    []string `json:"tasks"`
	}
	out := make([]pipelineInfo, 0, len(names))
	for _, name := range names {
		def := api.defs[name]
		tasks := make([]string, 0, len(def.Tasks))
		for _, t := range def.Tasks {
			tasks = append(tasks, t.ID)
		}
		out = append(out, pipelineInfo{Pipeline: name, Tasks: tasks})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"pipelines": out})
}

type submitRunRequest struct {
	Pipeline string `json:"pipeline"`
}

func (api *pipelineAPI) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	name := strings.TrimSpace(req.Pipeline)
	if name == "" {
		api.writeError(w, r, http.StatusBadRequest, "pipeline_required")
		return
	}
	file, ok := api.defs[name]
	if !ok {
		api.writeError(w, r, http.StatusNotFound, "unknown_pipeline")
		return
	}

	def, err := pipelinedef.Bind(file, api.registry)
	if err != nil {
		api.logger.Error("bind pipeline", "pipeline", name, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	runID, err := api.scheduler.Submit(def)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrAlreadyRunning):
			api.writeError(w, r, http.StatusConflict, "pipeline_already_running")
		case errors.Is(err, pipeline.ErrCycle), errors.Is(err, pipeline.ErrUnknownDependency), errors.Is(err, pipeline.ErrDuplicateTask):
			api.writeError(w, r, http.StatusBadRequest, "invalid_pipeline")
		default:
			api.logger.Error("submit run", "pipeline", name, "error", err)
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		}
		return
	}

	api.writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":       runID,
		"pipeline":     name,
		"status":       string(pipeline.StatusRunning),
		"submitted_at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (api *pipelineAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = n
	}
	runs := api.scheduler.Recent(limit)
	out := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		out = append(out, runSummary(run))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (api *pipelineAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	run, err := api.scheduler.Status(runID)
	if err != nil {
		if errors.Is(err, pipeline.ErrRunNotFound) {
			api.writeError(w, r, http.StatusNotFound, "run_not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	body := runSummary(run)
	body["tasks"] = taskDetails(run)
	api.writeJSON(w, http.StatusOK, body)
}

func (api *pipelineAPI) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if err := api.scheduler.Cancel(runID); err != nil {
		if errors.Is(err, pipeline.ErrRunNotFound) {
			api.writeError(w, r, http.StatusNotFound, "run_not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": runID,
		"status": "cancelling",
	})
}

func runSummary(run pipeline.PipelineRun) map[string]any {
	counts := make(map[string]int)
	for state, n := range run.CountByState() {
		counts[string(state)] = n
	}
	body := map[string]any{
		"run_id":     run.RunID,
		"pipeline":   run.Pipeline,
		"status":     string(run.Status),
		"started_at": run.StartedAt.Format(time.RFC3339),
		"counts":     counts,
	}
	if !run.FinishedAt.IsZero() {
		body["finished_at"] = run.FinishedAt.Format(time.RFC3339)
		body["duration_ms"] = run.FinishedAt.Sub(run.StartedAt).Milliseconds()
	}
	return body
}

func taskDetails(run pipeline.PipelineRun) []map[string]any {
	ids := make([]string, 0, len(run.Tasks))
	for id := range run.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		tr := run.Tasks[id]
		detail := map[string]any{
			"task_id": tr.TaskID,
			"state":   string(tr.State),
			"attempt": tr.Attempt,
		}
		if !tr.StartedAt.IsZero() {
			detail["started_at"] = tr.StartedAt.Format(time.RFC3339)
		}
		if !tr.FinishedAt.IsZero() {
			detail["finished_at"] = tr.FinishedAt.Format(time.RFC3339)
		}
		if tr.Err != nil {
			detail["error"] = tr.Err.Error()
		}
		out = append(out, detail)
	}
	return out
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 4<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *pipelineAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *pipelineAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}
