package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const (
	defaultMaxConcurrent = 4
	defaultHistoryLimit  = 32
)

// Config tunes a Scheduler. Zero values take defaults.
type Config struct {
	// MaxConcurrent bounds how many tasks run at once across all pipelines.
	MaxConcurrent int
	// HistoryLimit bounds how many finished runs stay queryable.
	HistoryLimit int
	// OnFinish, when set, is called with the final snapshot of every run
	// on its own goroutine.
	OnFinish func(PipelineRun)
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = defaultHistoryLimit
	}
	return c
}

// Scheduler executes task graphs. At most one run per pipeline name is
// active at a time; tasks across runs share one concurrency budget.
type Scheduler struct {
	cfg      Config
	observer Observer
	sem      chan struct{}

	mu      sync.Mutex
	active  map[string]string // pipeline name -> running run id
	runs    map[string]*run
	history []string // finished run ids, newest first
}

func NewScheduler(cfg Config, observer Observer) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:      cfg,
		observer: observer,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		active:   make(map[string]string),
		runs:     make(map[string]*run),
	}
}

type run struct {
	id       string
	pipeline string
	graph    *graph
	cancel   context.CancelFunc

	mu         sync.Mutex
	status     Status
	startedAt  time.Time
	finishedAt time.Time
	tasks      map[string]*TaskRun
}

// Submit validates a definition and, if valid, starts it asynchronously.
// Validation failures leave the scheduler untouched.
func (s *Scheduler) Submit(def Definition) (string, error) {
	if def.Pipeline == "" {
		return "", fmt.Errorf("pipeline name is required")
	}
	g, err := buildGraph(def.Tasks)
	if err != nil {
		return "", err
	}

	r := &run{
		id:        uuid.NewString(),
		pipeline:  def.Pipeline,
		graph:     g,
		status:    StatusRunning,
		startedAt: time.Now().UTC(),
		tasks:     make(map[string]*TaskRun, len(g.tasks)),
	}
	for id := range g.tasks {
		r.tasks[id] = &TaskRun{TaskID: id, State: StatePending}
	}

	s.mu.Lock()
	if runID, ok := s.active[def.Pipeline]; ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: pipeline %s (run %s)", ErrAlreadyRunning, def.Pipeline, runID)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	s.active[def.Pipeline] = r.id
	s.runs[r.id] = r
	s.mu.Unlock()

	go s.execute(runCtx, r)
	return r.id, nil
}

// Status returns a detached snapshot of a run.
func (s *Scheduler) Status(runID string) (PipelineRun, error) {
	s.mu.Lock()
	r, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return PipelineRun{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r.snapshot(), nil
}

// Cancel requests cooperative cancellation of a run. In-flight tasks see
// their context cancelled; pending tasks are skipped.
func (s *Scheduler) Cancel(runID string) error {
	s.mu.Lock()
	r, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	r.cancel()
	return nil
}

// Recent returns snapshots of the most recently finished runs, newest first.
func (s *Scheduler) Recent(n int) []PipelineRun {
	s.mu.Lock()
	ids := make([]string, 0, n)
	for _, id := range s.history {
		if len(ids) == n {
			break
		}
		ids = append(ids, id)
	}
	runs := make([]*run, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.runs[id]; ok {
			runs = append(runs, r)
		}
	}
	s.mu.Unlock()

	out := make([]PipelineRun, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.snapshot())
	}
	return out
}

type taskDone struct {
	id       string
	output   any
	attempts int
	err      error
}

// execute is the coordinator goroutine for one run. It alone mutates the
// ready set; task goroutines only report results on the done channel.
func (s *Scheduler) execute(ctx context.Context, r *run) {
	g := r.graph

	remaining := make(map[string]int, len(g.tasks))
	for id := range g.tasks {
		remaining[id] = len(g.deps[id])
	}
	done := make(chan taskDone, len(g.tasks))
	dispatched := make(map[string]bool, len(g.tasks))
	terminal := 0
	inflight := 0
	requiredFailed := false
	cancelled := false

	dispatch := func(id string) {
		dispatched[id] = true
		inflight++
		t := g.tasks[id]
		in := r.inputs(g.deps[id])
		go func() {
			select {
			case s.sem <- struct{}{}:
			case <-ctx.Done():
				done <- taskDone{id: id, err: ErrCancelled}
				return
			}
			defer func() { <-s.sem }()
			// The semaphore send and ctx.Done can both be ready; never
			// start a task once the run is cancelled.
			if ctx.Err() != nil {
				done <- taskDone{id: id, err: ErrCancelled}
				return
			}
			out, attempts, err := s.runTask(ctx, r, t, in)
			done <- taskDone{id: id, output: out, attempts: attempts, err: err}
		}()
	}

	skip := func(id string) {
		if dispatched[id] || r.state(id).Terminal() {
			return
		}
		dispatched[id] = true
		terminal++
		s.transition(r, id, 0, StateSkipped, nil)
	}

	for _, id := range g.order {
		if remaining[id] == 0 {
			dispatch(id)
		}
	}

	ctxDone := ctx.Done()
	for terminal+inflight > 0 && terminal < len(g.tasks) {
		select {
		case <-ctxDone:
			ctxDone = nil // cancel handled once; drain in-flight tasks below
			cancelled = true
			for _, id := range g.order {
				skip(id)
			}
			if inflight == 0 {
				s.finish(r, StatusCancelled)
				return
			}
		case d := <-done:
			inflight--
			terminal++
			if errors.Is(d.err, ErrCancelled) {
				// Dispatched but never started: the run was cancelled
				// while the task waited for the concurrency budget.
				cancelled = true
				s.transition(r, d.id, d.attempts, StateSkipped, ErrCancelled)
				continue
			}
			if d.err != nil {
				s.transition(r, d.id, d.attempts, StateFailed, d.err)
				if !g.tasks[d.id].Optional {
					requiredFailed = true
				}
				for _, dep := range g.transitiveDependents(d.id) {
					skip(dep)
				}
				continue
			}
			r.setOutput(d.id, d.output)
			s.transition(r, d.id, d.attempts, StateSucceeded, nil)
			for _, dep := range g.dependents[d.id] {
				remaining[dep]--
				if remaining[dep] == 0 && !dispatched[dep] && !cancelled {
					dispatch(dep)
				}
			}
		}
	}

	switch {
	case cancelled:
		s.finish(r, StatusCancelled)
	case requiredFailed:
		s.finish(r, StatusFailed)
	default:
		s.finish(r, StatusSucceeded)
	}
}

// runTask executes one task with its retry policy. Returns the final
// output, the number of attempts made, and the final error if all
// attempts failed.
func (s *Scheduler) runTask(ctx context.Context, r *run, t TaskUnit, in Inputs) (any, int, error) {
	policy := t.Retry
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.BackoffBase
	bo.Multiplier = policy.BackoffMultiplier
	bo.RandomizationFactor = 0
	bo.MaxInterval = 24 * time.Hour
	bo.MaxElapsedTime = 0
	bo.Reset()

	attempt := 0
	operation := func() (any, error) {
		attempt++
		s.transition(r, t.ID, attempt, StateRunning, nil)
		out, err := s.invoke(ctx, t, in)
		if err != nil && IsNonRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return out, err
	}

	out, err := backoff.RetryWithData(operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(policy.MaxAttempts-1)), ctx))
	return out, attempt, err
}

// invoke runs the task body once, applying the per-attempt timeout and
// containing panics.
func (s *Scheduler) invoke(ctx context.Context, t TaskUnit, in Inputs) (out any, err error) {
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = NonRetryable(fmt.Errorf("task %s panicked: %v", t.ID, rec))
		}
	}()
	out, err = t.Run(ctx, in)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: task %s after %s: %v", ErrTaskTimeout, t.ID, t.Timeout, err)
	}
	return out, err
}

// transition records a task state change and notifies the observer.
func (s *Scheduler) transition(r *run, taskID string, attempt int, to State, taskErr error) {
	r.mu.Lock()
	tr := r.tasks[taskID]
	from := tr.State
	tr.State = to
	tr.Err = taskErr
	if attempt > 0 {
		tr.Attempt = attempt
	}
	now := time.Now().UTC()
	if to == StateRunning && tr.StartedAt.IsZero() {
		tr.StartedAt = now
	}
	if to.Terminal() {
		tr.FinishedAt = now
	}
	r.mu.Unlock()

	if s.observer != nil {
		s.observer(Event{
			RunID:    r.id,
			Pipeline: r.pipeline,
			TaskID:   taskID,
			Attempt:  attempt,
			From:     from,
			To:       to,
			Err:      taskErr,
			At:       now,
		})
	}
}

func (s *Scheduler) finish(r *run, status Status) {
	r.mu.Lock()
	r.status = status
	r.finishedAt = time.Now().UTC()
	r.mu.Unlock()

	s.mu.Lock()
	if s.active[r.pipeline] == r.id {
		delete(s.active, r.pipeline)
	}
	s.history = append([]string{r.id}, s.history...)
	for len(s.history) > s.cfg.HistoryLimit {
		last := s.history[len(s.history)-1]
		s.history = s.history[:len(s.history)-1]
		delete(s.runs, last)
	}
	s.mu.Unlock()

	if s.cfg.OnFinish != nil {
		go s.cfg.OnFinish(r.snapshot())
	}
}

func (r *run) state(taskID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[taskID].State
}

func (r *run) setOutput(taskID string, out any) {
	r.mu.Lock()
	r.tasks[taskID].Output = out
	r.mu.Unlock()
}

// inputs snapshots the outputs of the given dependencies. All of them are
// terminal by the time a task is dispatched.
func (r *run) inputs(deps []string) Inputs {
	r.mu.Lock()
	defer r.mu.Unlock()
	outputs := make(map[string]any, len(deps))
	for _, dep := range deps {
		outputs[dep] = r.tasks[dep].Output
	}
	return Inputs{outputs: outputs}
}

func (r *run) snapshot() PipelineRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	tasks := make(map[string]TaskRun, len(r.tasks))
	for id, tr := range r.tasks {
		tasks[id] = *tr
	}
	return PipelineRun{
		RunID:      r.id,
		Pipeline:   r.pipeline,
		Status:     r.status,
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
		Tasks:      tasks,
	}
}
