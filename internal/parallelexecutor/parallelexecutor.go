// Package parallelexecutor runs a one-shot batch of tasks to completion,
// honouring inter-task dependencies, finite shared-resource budgets, and
// per-dependency circuit breakers, with a concurrency cap independent of
// the Task Queue's own worker count (spec.md §4.2).
//
// Grounded in original_source/dukat/core/parallel_executor.py's
// ParallelTaskExecutor (ready-set cohort loop, the "no dependencies at all"
// shortcut, priority-then-id ordering within a cohort, per-task resource
// allocate/release around execution), translated from asyncio.gather +
// asyncio.Semaphore into a buffered-channel semaphore and sync.WaitGroup,
// the teacher's idiom for bounding fan-out (internal/worker.Pool).
package parallelexecutor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chuliyu/taskkernel/internal/circuitbreaker"
	"github.com/chuliyu/taskkernel/internal/depgraph"
	"github.com/chuliyu/taskkernel/internal/errorkit"
	"github.com/chuliyu/taskkernel/internal/resourcepool"
	"github.com/chuliyu/taskkernel/pkg/kerneltypes"
)

// Spec is one task registered with Add.
type Spec struct {
	ID          kerneltypes.TaskID
	Priority    int
	Prereqs     []kerneltypes.TaskID
	Resources   []kerneltypes.ResourceRequirement
	BreakerName string
	Timeout     time.Duration
	Callable    kerneltypes.Callable
	Args        []any
	KwArgs      map[string]any
}

// Metrics is returned by Executor.Metrics, per spec.md §4.2.
type Metrics struct {
	ByStatus         map[kerneltypes.Status]int
	ResourceUsage    map[string]float64
	BreakerStates    map[string]circuitbreaker.State
}

// Executor drives one batch to completion. It is single-use: construct,
// Add every task, call ExecuteAll once.
type Executor struct {
	maxConcurrency int
	pool           *resourcepool.Pool
	breakers       *circuitbreaker.Registry
	graph          *depgraph.Graph

	mu    sync.Mutex
	specs map[kerneltypes.TaskID]Spec
	tasks map[kerneltypes.TaskID]*kerneltypes.Task
	order []kerneltypes.TaskID // registration order, for deterministic iteration
}

// New constructs an Executor. pool and breakers may be shared with the rest
// of the kernel (spec.md §4.4 "a registry maps breaker name -> breaker
// instance to allow cross-component sharing"); either may be nil, in which
// case a private instance is created.
func New(maxConcurrency int, pool *resourcepool.Pool, breakers *circuitbreaker.Registry) *Executor {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	if pool == nil {
		pool = resourcepool.New()
	}
	if breakers == nil {
		breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{})
	}
	return &Executor{
		maxConcurrency: maxConcurrency,
		pool:           pool,
		breakers:       breakers,
		graph:          depgraph.New(),
		specs:          make(map[kerneltypes.TaskID]Spec),
		tasks:          make(map[kerneltypes.TaskID]*kerneltypes.Task),
	}
}

// Add registers spec, its prerequisites, and its resource/breaker
// associations. Add is not safe to call concurrently with ExecuteAll.
func (ex *Executor) Add(spec Spec) {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	ex.specs[spec.ID] = spec
	ex.tasks[spec.ID] = &kerneltypes.Task{
		ID:          spec.ID,
		Priority:    spec.Priority,
		Prereqs:     spec.Prereqs,
		Resources:   spec.Resources,
		BreakerName: spec.BreakerName,
		Status:      kerneltypes.StatusPending,
		CreatedAt:   time.Now().UnixMilli(),
	}
	ex.order = append(ex.order, spec.ID)

	ex.graph.AddNode(spec.ID)
	for _, dep := range spec.Prereqs {
		ex.graph.AddEdge(spec.ID, dep)
	}
}

// Cancel marks id CANCELLED, releasing any resources it held. If cascade,
// every transitive dependent is cancelled too.
func (ex *Executor) Cancel(id kerneltypes.TaskID, cascade bool) bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.cancelLocked(id, cascade, make(map[kerneltypes.TaskID]bool))
}

func (ex *Executor) cancelLocked(id kerneltypes.TaskID, cascade bool, seen map[kerneltypes.TaskID]bool) bool {
	if seen[id] {
		return false
	}
	seen[id] = true

	task, ok := ex.tasks[id]
	if !ok || task.Status.Terminal() {
		return false
	}
	task.Status = kerneltypes.StatusCancelled
	now := time.Now().UnixMilli()
	task.CompletedAt = &now
	ex.pool.Release(id)

	if cascade {
		for _, dep := range ex.graph.DependentsOf(id) {
			ex.cancelLocked(dep, cascade, seen)
		}
	}
	return true
}

// ExecuteAll drives the batch to completion, returning one result per
// registered task: nil for FAILED or CANCELLED tasks, the callable's return
// value otherwise. It refuses with ErrCycleDetected up front if the
// registered graph is cyclic.
func (ex *Executor) ExecuteAll(ctx context.Context) (map[kerneltypes.TaskID]any, error) {
	if ex.graph.HasCycle() {
		return nil, errorkit.ErrCycleDetected
	}

	ex.mu.Lock()
	allIDs := append([]kerneltypes.TaskID(nil), ex.order...)
	hasEdges := ex.graph.HasEdges()
	ex.mu.Unlock()

	results := make(map[kerneltypes.TaskID]any, len(allIDs))

	if !hasEdges {
		// Shortcut (spec.md §4.2): no dependencies at all, one cohort.
		ex.runCohort(ctx, ex.priorityOrder(allIDs), results)
		return results, nil
	}

	remaining := make(map[kerneltypes.TaskID]bool, len(allIDs))
	for _, id := range allIDs {
		remaining[id] = true
	}

	for len(remaining) > 0 {
		ready := ex.graph.Ready(ex.snapshotCompleted())
		cohort := ready[:0:0]
		for _, id := range ready {
			if remaining[id] {
				cohort = append(cohort, id)
			}
		}
		if len(cohort) == 0 {
			break // no cycle (checked above) but nothing left is reachable; stop rather than spin
		}

		ex.runCohort(ctx, ex.priorityOrder(cohort), results)

		for _, id := range cohort {
			delete(remaining, id)
		}
	}

	// Anything left in `remaining` has an unsatisfiable prerequisite (a
	// FAILED or CANCELLED task upstream) and never ran; its entry is ∅.
	for id := range remaining {
		results[id] = nil
	}

	return results, nil
}

func (ex *Executor) snapshotCompleted() map[kerneltypes.TaskID]bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	out := make(map[kerneltypes.TaskID]bool)
	for id, t := range ex.tasks {
		if t.Status == kerneltypes.StatusCompleted {
			out[id] = true
		}
	}
	return out
}

// priorityOrder sorts ids highest-priority-first, then lexicographically by
// id, matching spec.md §4.2's "Tie-break within a ready cohort".
func (ex *Executor) priorityOrder(ids []kerneltypes.TaskID) []kerneltypes.TaskID {
	ex.mu.Lock()
	sorted := append([]kerneltypes.TaskID(nil), ids...)
	priority := make(map[kerneltypes.TaskID]int, len(ids))
	for _, id := range ids {
		priority[id] = ex.tasks[id].Priority
	}
	ex.mu.Unlock()

	sort.Slice(sorted, func(i, j int) bool {
		if priority[sorted[i]] != priority[sorted[j]] {
			return priority[sorted[i]] > priority[sorted[j]]
		}
		return sorted[i] < sorted[j]
	})
	return sorted
}

// runCohort launches every task in ids concurrently, subject to the
// executor's semaphore, and waits for all of them to reach a terminal
// state before returning.
func (ex *Executor) runCohort(ctx context.Context, ids []kerneltypes.TaskID, results map[kerneltypes.TaskID]any) {
	sem := make(chan struct{}, ex.maxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, id := range ids {
		ex.mu.Lock()
		task := ex.tasks[id]
		ex.mu.Unlock()
		if task.Status.Terminal() {
			mu.Lock()
			results[id] = nil // cancelled before this cohort launched
			mu.Unlock()
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(id kerneltypes.TaskID) {
			defer wg.Done()
			defer func() { <-sem }()

			value, err := ex.runOne(ctx, id)

			mu.Lock()
			if err == nil {
				results[id] = value
			} else {
				results[id] = nil
			}
			mu.Unlock()
		}(id)
	}

	wg.Wait()
}

// runOne executes a single task: breaker check, resource allocation,
// timeout-bounded invocation, then release + breaker bookkeeping. It always
// transitions the task to a terminal state before returning.
func (ex *Executor) runOne(ctx context.Context, id kerneltypes.TaskID) (any, error) {
	ex.mu.Lock()
	spec := ex.specs[id]
	task := ex.tasks[id]
	ex.mu.Unlock()

	var breaker *circuitbreaker.Breaker
	if spec.BreakerName != "" {
		breaker = ex.breakers.GetOrCreate(spec.BreakerName)
		if !breaker.Allow() {
			return ex.failTask(id, errorkit.ErrCircuitOpen)
		}
	}

	if !ex.pool.Allocate(id, spec.Resources) {
		return ex.failTask(id, errorkit.ErrResourceUnavailable)
	}
	defer ex.pool.Release(id)

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	ex.mu.Lock()
	now := time.Now().UnixMilli()
	task.Status = kerneltypes.StatusRunning
	task.StartedAt = &now
	ex.mu.Unlock()

	type outcome struct {
		value any
		err   error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- outcome{err: fmt.Errorf("task panicked: %v", r)}
			}
		}()
		value, err := spec.Callable(kerneltypes.CallContext{Context: runCtx, Args: spec.Args, KwArgs: spec.KwArgs})
		resultCh <- outcome{value: value, err: err}
	}()

	var out outcome
	select {
	case out = <-resultCh:
	case <-runCtx.Done():
		if runCtx.Err() == context.DeadlineExceeded {
			out = outcome{err: errorkit.ErrTimedOut}
		} else {
			out = outcome{err: runCtx.Err()}
		}
		go func() { <-resultCh }()
	}

	if out.err == nil {
		if breaker != nil {
			breaker.RecordSuccess()
		}
		ex.mu.Lock()
		completedAt := time.Now().UnixMilli()
		task.Status = kerneltypes.StatusCompleted
		task.CompletedAt = &completedAt
		task.Result = out.value
		ex.mu.Unlock()
		return out.value, nil
	}

	if breaker != nil {
		breaker.RecordFailure(out.err)
	}
	return ex.failTask(id, out.err)
}

func (ex *Executor) failTask(id kerneltypes.TaskID, cause error) (any, error) {
	ex.mu.Lock()
	task := ex.tasks[id]
	now := time.Now().UnixMilli()
	task.Status = kerneltypes.StatusFailed
	task.CompletedAt = &now
	task.Error = cause.Error()
	ex.mu.Unlock()
	return nil, cause
}

// Metrics reports per-status counts, per-resource-class utilisation, and
// per-breaker state, per spec.md §4.2.
func (ex *Executor) Metrics() Metrics {
	ex.mu.Lock()
	counts := make(map[kerneltypes.Status]int, 5)
	for _, t := range ex.tasks {
		counts[t.Status]++
	}
	ex.mu.Unlock()

	return Metrics{
		ByStatus:      counts,
		ResourceUsage: ex.pool.Utilization(),
		BreakerStates: ex.breakers.States(),
	}
}
