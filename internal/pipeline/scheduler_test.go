package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitForRun polls until the run leaves StatusRunning or the deadline hits.
func waitForRun(t *testing.T, s *Scheduler, runID string) PipelineRun {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := s.Status(runID)
		require.NoError(t, err)
		if run.Status != StatusRunning {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("run did not finish in time")
	return PipelineRun{}
}

type orderRecorder struct {
	mu    sync.Mutex
	order []string
}

func (rec *orderRecorder) task(id string) TaskFunc {
	return func(ctx context.Context, in Inputs) (any, error) {
		rec.mu.Lock()
		rec.order = append(rec.order, id)
		rec.mu.Unlock()
		return id, nil
	}
}

func (rec *orderRecorder) index(id string) int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, got := range rec.order {
		if got == id {
			return i
		}
	}
	return -1
}

func TestSchedulerRunsInDependencyOrder(t *testing.T) {
	rec := &orderRecorder{}
	s := NewScheduler(Config{MaxConcurrent: 2}, nil)

	runID, err := s.Submit(Definition{
		Pipeline: "order",
		Tasks: []TaskUnit{
			{ID: "extract", Run: rec.task("extract")},
			{ID: "transform", DependsOn: []string{"extract"}, Run: rec.task("transform")},
			{ID: "load", DependsOn: []string{"transform"}, Run: rec.task("load")},
		},
	})
	require.NoError(t, err)

	run := waitForRun(t, s, runID)
	assert.Equal(t, StatusSucceeded, run.Status)
	assert.Less(t, rec.index("extract"), rec.index("transform"))
	assert.Less(t, rec.index("transform"), rec.index("load"))
	for _, tr := range run.Tasks {
		assert.Equal(t, StateSucceeded, tr.State)
	}
}

func TestSchedulerPassesOutputsDownstream(t *testing.T) {
	s := NewScheduler(Config{}, nil)

	var got any
	runID, err := s.Submit(Definition{
		Pipeline: "outputs",
		Tasks: []TaskUnit{
			{ID: "produce", Run: func(ctx context.Context, in Inputs) (any, error) {
				return 42, nil
			}},
			{ID: "consume", DependsOn: []string{"produce"}, Run: func(ctx context.Context, in Inputs) (any, error) {
				v, ok := in.Output("produce")
				if !ok {
					return nil, errors.New("missing upstream output")
				}
				got = v
				return nil, nil
			}},
		},
	})
	require.NoError(t, err)

	run := waitForRun(t, s, runID)
	assert.Equal(t, StatusSucceeded, run.Status)
	assert.Equal(t, 42, got)
}

func TestSchedulerInvalidSubmitHasNoSideEffects(t *testing.T) {
	s := NewScheduler(Config{}, nil)

	_, err := s.Submit(Definition{
		Pipeline: "bad",
		Tasks: []TaskUnit{
			{ID: "a", DependsOn: []string{"b"}, Run: noop},
			{ID: "b", DependsOn: []string{"a"}, Run: noop},
		},
	})
	require.ErrorIs(t, err, ErrCycle)

	// The pipeline name must not be locked by the failed submit.
	runID, err := s.Submit(Definition{
		Pipeline: "bad",
		Tasks:    []TaskUnit{{ID: "a", Run: noop}},
	})
	require.NoError(t, err)
	run := waitForRun(t, s, runID)
	assert.Equal(t, StatusSucceeded, run.Status)
}

func TestSchedulerRejectsConcurrentRunOfSamePipeline(t *testing.T) {
	s := NewScheduler(Config{}, nil)
	release := make(chan struct{})

	runID, err := s.Submit(Definition{
		Pipeline: "exclusive",
		Tasks: []TaskUnit{
			{ID: "wait", Run: func(ctx context.Context, in Inputs) (any, error) {
				<-release
				return nil, nil
			}},
		},
	})
	require.NoError(t, err)

	_, err = s.Submit(Definition{
		Pipeline: "exclusive",
		Tasks:    []TaskUnit{{ID: "wait", Run: noop}},
	})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	run := waitForRun(t, s, runID)
	assert.Equal(t, StatusSucceeded, run.Status)

	// After the first run finishes the name is free again.
	runID2, err := s.Submit(Definition{
		Pipeline: "exclusive",
		Tasks:    []TaskUnit{{ID: "wait", Run: noop}},
	})
	require.NoError(t, err)
	waitForRun(t, s, runID2)
}

func TestSchedulerRetriesUpToMaxAttempts(t *testing.T) {
	s := NewScheduler(Config{}, nil)

	var calls int
	var mu sync.Mutex
	runID, err := s.Submit(Definition{
		Pipeline: "retry",
		Tasks: []TaskUnit{
			{
				ID: "flaky",
				Retry: RetryPolicy{
					MaxAttempts:       3,
					BackoffBase:       time.Millisecond,
					BackoffMultiplier: 1,
				},
				Run: func(ctx context.Context, in Inputs) (any, error) {
					mu.Lock()
					calls++
					n := calls
					mu.Unlock()
					if n < 3 {
						return nil, fmt.Errorf("transient failure %d", n)
					}
					return "ok", nil
				},
			},
		},
	})
	require.NoError(t, err)

	run := waitForRun(t, s, runID)
	assert.Equal(t, StatusSucceeded, run.Status)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, run.Tasks["flaky"].Attempt)
}

func TestSchedulerExhaustedRetriesFailTask(t *testing.T) {
	s := NewScheduler(Config{}, nil)

	var calls int
	var mu sync.Mutex
	runID, err := s.Submit(Definition{
		Pipeline: "exhaust",
		Tasks: []TaskUnit{
			{
				ID: "broken",
				Retry: RetryPolicy{
					MaxAttempts:       2,
					BackoffBase:       time.Millisecond,
					BackoffMultiplier: 1,
				},
				Run: func(ctx context.Context, in Inputs) (any, error) {
					mu.Lock()
					calls++
					mu.Unlock()
					return nil, errors.New("always fails")
				},
			},
		},
	})
	require.NoError(t, err)

	run := waitForRun(t, s, runID)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, 2, calls)
	assert.Equal(t, StateFailed, run.Tasks["broken"].State)
}

func TestSchedulerNonRetryableFailsImmediately(t *testing.T) {
	s := NewScheduler(Config{}, nil)

	var calls int
	var mu sync.Mutex
	runID, err := s.Submit(Definition{
		Pipeline: "permanent",
		Tasks: []TaskUnit{
			{
				ID: "hard",
				Retry: RetryPolicy{
					MaxAttempts:       5,
					BackoffBase:       time.Millisecond,
					BackoffMultiplier: 1,
				},
				Run: func(ctx context.Context, in Inputs) (any, error) {
					mu.Lock()
					calls++
					mu.Unlock()
					return nil, NonRetryable(errors.New("bad input"))
				},
			},
		},
	})
	require.NoError(t, err)

	run := waitForRun(t, s, runID)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, 1, calls)
}

func TestSchedulerSkipCascade(t *testing.T) {
	s := NewScheduler(Config{}, nil)
	var ran sync.Map

	record := func(id string, err error) TaskFunc {
		return func(ctx context.Context, in Inputs) (any, error) {
			ran.Store(id, true)
			return nil, err
		}
	}

	runID, err := s.Submit(Definition{
		Pipeline: "cascade",
		Tasks: []TaskUnit{
			{ID: "root", Run: record("root", nil)},
			{ID: "bad", DependsOn: []string{"root"}, Run: record("bad", errors.New("boom"))},
			{ID: "child", DependsOn: []string{"bad"}, Run: record("child", nil)},
			{ID: "grandchild", DependsOn: []string{"child"}, Run: record("grandchild", nil)},
			{ID: "unrelated", DependsOn: []string{"root"}, Run: record("unrelated", nil)},
		},
	})
	require.NoError(t, err)

	run := waitForRun(t, s, runID)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, StateFailed, run.Tasks["bad"].State)
	assert.Equal(t, StateSkipped, run.Tasks["child"].State)
	assert.Equal(t, StateSkipped, run.Tasks["grandchild"].State)
	assert.Equal(t, StateSucceeded, run.Tasks["unrelated"].State)

	_, childRan := ran.Load("child")
	_, grandchildRan := ran.Load("grandchild")
	assert.False(t, childRan)
	assert.False(t, grandchildRan)
}

func TestSchedulerOptionalFailureDoesNotFailRun(t *testing.T) {
	s := NewScheduler(Config{}, nil)

	runID, err := s.Submit(Definition{
		Pipeline: "optional",
		Tasks: []TaskUnit{
			{ID: "main", Run: noop},
			{ID: "extra", DependsOn: []string{"main"}, Optional: true, Run: func(ctx context.Context, in Inputs) (any, error) {
				return nil, errors.New("nice to have")
			}},
			{ID: "downstream", DependsOn: []string{"extra"}, Run: noop},
		},
	})
	require.NoError(t, err)

	run := waitForRun(t, s, runID)
	assert.Equal(t, StatusSucceeded, run.Status)
	assert.Equal(t, StateFailed, run.Tasks["extra"].State)
	assert.Equal(t, StateSkipped, run.Tasks["downstream"].State)
}

func TestSchedulerTaskTimeout(t *testing.T) {
	s := NewScheduler(Config{}, nil)

	runID, err := s.Submit(Definition{
		Pipeline: "timeout",
		Tasks: []TaskUnit{
			{
				ID:      "slow",
				Timeout: 20 * time.Millisecond,
				Run: func(ctx context.Context, in Inputs) (any, error) {
					select {
					case <-time.After(5 * time.Second):
						return nil, nil
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				},
			},
		},
	})
	require.NoError(t, err)

	run := waitForRun(t, s, runID)
	assert.Equal(t, StatusFailed, run.Status)
	assert.ErrorIs(t, run.Tasks["slow"].Err, ErrTaskTimeout)
}

func TestSchedulerPanicContained(t *testing.T) {
	s := NewScheduler(Config{}, nil)

	runID, err := s.Submit(Definition{
		Pipeline: "panicky",
		Tasks: []TaskUnit{
			{ID: "boom", Run: func(ctx context.Context, in Inputs) (any, error) {
				panic("unexpected")
			}},
			{ID: "after", DependsOn: []string{"boom"}, Run: noop},
		},
	})
	require.NoError(t, err)

	run := waitForRun(t, s, runID)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, StateFailed, run.Tasks["boom"].State)
	assert.Contains(t, run.Tasks["boom"].Err.Error(), "panicked")
	assert.Equal(t, StateSkipped, run.Tasks["after"].State)
}

func TestSchedulerCancelSkipsPending(t *testing.T) {
	s := NewScheduler(Config{MaxConcurrent: 1}, nil)
	started := make(chan struct{})
	release := make(chan struct{})

	runID, err := s.Submit(Definition{
		Pipeline: "cancel",
		Tasks: []TaskUnit{
			{ID: "first", Run: func(ctx context.Context, in Inputs) (any, error) {
				close(started)
				select {
				case <-release:
					return nil, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}},
			{ID: "second", DependsOn: []string{"first"}, Run: noop},
		},
	})
	require.NoError(t, err)

	<-started
	require.NoError(t, s.Cancel(runID))

	run := waitForRun(t, s, runID)
	assert.Equal(t, StatusCancelled, run.Status)
	assert.Equal(t, StateSkipped, run.Tasks["second"].State)
}

func TestSchedulerCancelSkipsTaskQueuedOnConcurrencyBudget(t *testing.T) {
	s := NewScheduler(Config{MaxConcurrent: 1}, nil)
	started := make(chan string, 2)
	block := func(id string) TaskFunc {
		return func(ctx context.Context, in Inputs) (any, error) {
			started <- id
			<-ctx.Done()
			return nil, ctx.Err()
		}
	}

	// Two independent tasks, one execution slot: whichever starts first
	// holds the slot, the other sits queued on the semaphore.
	runID, err := s.Submit(Definition{
		Pipeline: "queued-cancel",
		Tasks: []TaskUnit{
			{ID: "left", Run: block("left")},
			{ID: "right", Run: block("right")},
		},
	})
	require.NoError(t, err)

	running := <-started
	require.NoError(t, s.Cancel(runID))

	run := waitForRun(t, s, runID)
	assert.Equal(t, StatusCancelled, run.Status)

	queued := "right"
	if running == "right" {
		queued = "left"
	}
	// The queued task never ran; it must not read as a failure.
	assert.Equal(t, StateSkipped, run.Tasks[queued].State)
	assert.ErrorIs(t, run.Tasks[queued].Err, ErrCancelled)
	assert.Equal(t, StateFailed, run.Tasks[running].State)
}

func TestSchedulerStatusUnknownRun(t *testing.T) {
	s := NewScheduler(Config{}, nil)
	_, err := s.Status("missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, s.Cancel("missing"), ErrRunNotFound)
}

func TestSchedulerHistoryEviction(t *testing.T) {
	s := NewScheduler(Config{HistoryLimit: 2}, nil)

	var ids []string
	for i := 0; i < 3; i++ {
		runID, err := s.Submit(Definition{
			Pipeline: fmt.Sprintf("hist-%d", i),
			Tasks:    []TaskUnit{{ID: "a", Run: noop}},
		})
		require.NoError(t, err)
		waitForRun(t, s, runID)
		ids = append(ids, runID)
	}

	recent := s.Recent(10)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[2], recent[0].RunID)
	assert.Equal(t, ids[1], recent[1].RunID)

	_, err := s.Status(ids[0])
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestSchedulerObserverSeesTransitions(t *testing.T) {
	var mu sync.Mutex
	var events []Event
	s := NewScheduler(Config{}, func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	runID, err := s.Submit(Definition{
		Pipeline: "observed",
		Tasks:    []TaskUnit{{ID: "a", Run: noop}},
	})
	require.NoError(t, err)
	waitForRun(t, s, runID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, StateRunning, events[0].To)
	assert.Equal(t, StateSucceeded, events[1].To)
	assert.Equal(t, runID, events[0].RunID)
}

func TestSchedulerOnFinishHook(t *testing.T) {
	finished := make(chan PipelineRun, 1)
	s := NewScheduler(Config{OnFinish: func(run PipelineRun) {
		finished <- run
	}}, nil)

	runID, err := s.Submit(Definition{
		Pipeline: "hooked",
		Tasks:    []TaskUnit{{ID: "a", Run: noop}},
	})
	require.NoError(t, err)

	select {
	case run := <-finished:
		assert.Equal(t, runID, run.RunID)
		assert.Equal(t, StatusSucceeded, run.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("OnFinish not called")
	}
}
