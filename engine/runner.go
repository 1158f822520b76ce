package engine

import (
	"context"
	"sync"
	"time"

	"github.com/crawlmesh/crawlmesh/core"
	"github.com/crawlmesh/crawlmesh/logging"
	"github.com/crawlmesh/crawlmesh/trace"
)

// DefaultHandleRetention is how long a terminal run's handle stays in the
// Runner before it is pruned. The trace store remains the durable lookup.
const DefaultHandleRetention = time.Hour

// RunStatus reports the lifecycle stage of a submitted run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusDone     RunStatus = "done"
	RunStatusCanceled RunStatus = "canceled"
)

// RunHandle is the lookup view of a submitted run. Result is nil while the
// run is in progress.
type RunHandle struct {
	RunID  string
	Status RunStatus
	Result *core.RunResult
}

// Runner layers asynchronous submission on the Engine. Public methods are
// safe for concurrent use; each run executes on its own goroutine with an
// independent RunContext.
type Runner struct {
	engine    *Engine
	store     trace.Store
	logger    logging.Logger
	retention time.Duration
	now       func() time.Time

	mu   sync.RWMutex
	runs map[string]*runSlot
}

type runSlot struct {
	cancel     context.CancelFunc
	status     RunStatus
	result     *core.RunResult
	finishedAt time.Time
}

// RunnerOptions holds construction overrides for NewRunner.
type RunnerOptions struct {
	// Store persists terminal run summaries. Defaults to an in-memory store.
	Store trace.Store
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
	// HandleRetention bounds how long finished run handles stay resolvable
	// through GetRun. Defaults to DefaultHandleRetention.
	HandleRetention time.Duration
	// Now is the clock used for retention decisions in tests.
	Now func() time.Time
}

// NewRunner constructs a Runner over an Engine.
func NewRunner(engine *Engine, optFns ...func(o *RunnerOptions)) *Runner {
	opts := RunnerOptions{
		Store:           trace.NewInMemoryStore(),
		Logger:          logging.NoOpLogger{},
		HandleRetention: DefaultHandleRetention,
		Now:             time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Runner{
		engine:    engine,
		store:     opts.Store,
		logger:    opts.Logger,
		retention: opts.HandleRetention,
		now:       opts.Now,
		runs:      make(map[string]*runSlot),
	}
}

// SubmitRun accepts a task for asynchronous execution and returns its run
// ID immediately. An invalid config is reported synchronously and nothing
// is started.
func (r *Runner) SubmitRun(ctx context.Context, task string, config core.RunConfig) (string, error) {
	if err := config.Validate(); err != nil {
		return "", err
	}

	runID := core.NewID()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	r.mu.Lock()
	r.pruneLocked()
	r.runs[runID] = &runSlot{cancel: cancel, status: RunStatusRunning}
	r.mu.Unlock()

	go func() {
		defer cancel()
		result, _ := r.engine.RunTask(runCtx, task, config)
		// The engine mints its own internal ID; the submission ID is the one
		// callers hold, so the stored result carries it.
		result.RunID = runID

		r.mu.Lock()
		slot := r.runs[runID]
		slot.result = &result
		slot.finishedAt = r.now()
		if slot.status != RunStatusCanceled {
			slot.status = RunStatusDone
		}
		r.mu.Unlock()

		if err := r.store.Persist(result); err != nil {
			r.logger.Error("Failed to persist run summary", "run_id", runID, "error", err.Error())
		}
	}()

	return runID, nil
}

// GetRun returns the current view of a run, or false when the ID is
// unknown.
func (r *Runner) GetRun(runID string) (RunHandle, bool) {
	r.mu.RLock()
	slot, ok := r.runs[runID]
	r.mu.RUnlock()
	if !ok {
		return RunHandle{}, false
	}
	return RunHandle{RunID: runID, Status: slot.status, Result: slot.result}, true
}

// Cancel stops an in-flight run. Canceling a finished or unknown run is a
// no-op returning false.
func (r *Runner) Cancel(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.runs[runID]
	if !ok || slot.status != RunStatusRunning {
		return false
	}
	slot.status = RunStatusCanceled
	slot.cancel()
	return true
}

// pruneLocked drops terminal handles that have outlived the retention
// window. Their summaries stay loadable from the trace store. Caller holds
// r.mu.
func (r *Runner) pruneLocked() {
	cutoff := r.now().Add(-r.retention)
	for id, slot := range r.runs {
		if slot.status != RunStatusRunning && !slot.finishedAt.IsZero() && slot.finishedAt.Before(cutoff) {
			delete(r.runs, id)
		}
	}
}

// ActiveRunCount reports the number of runs currently executing. The mesh
// coordinator advertises it as part of NodeLoad.
func (r *Runner) ActiveRunCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, slot := range r.runs {
		if slot.status == RunStatusRunning {
			n++
		}
	}
	return n
}
