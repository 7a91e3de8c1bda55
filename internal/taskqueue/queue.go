// Package taskqueue is the single dispatch point for independent work: a
// priority queue drained by a bounded worker pool, with retry, timeout,
// cooperative cancellation, and optional periodic snapshots.
//
// Grounded in the teacher's internal/jobmanager.JobManager (the task table:
// one mutex guarding a map plus a pending ordering) and internal/worker.Pool
// /Worker (the per-task context.WithTimeout + execute pattern), generalised
// from a fixed-payload job record to an arbitrary kerneltypes.Callable and
// from FIFO to a priority heap with dependency gating, per spec.md §4.1.
package taskqueue

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chuliyu/taskkernel/internal/errorkit"
	"github.com/chuliyu/taskkernel/pkg/kerneltypes"
)

// dispatchBackoff is how long a worker waits before re-scanning the heap
// when nothing is ready to run (spec.md §4.1: "re-queued with a minimal
// back-off (≈100 ms) to avoid starvation").
const dispatchBackoff = 100 * time.Millisecond

// Recorder receives lifecycle events for metrics export. internal/metrics.
// Collector satisfies this; it is optional (New accepts a nil recorder).
type Recorder interface {
	RecordEnqueue()
	RecordDispatch()
	RecordCompleted(latency time.Duration)
	RecordFailed()
	UpdateQueueStats(pending, running int)
}

// Queue is the task queue described in spec.md §4.1. The zero value is not
// usable; construct with New.
type Queue struct {
	cfg      Config
	recorder Recorder

	mu       sync.Mutex
	entries  map[kerneltypes.TaskID]*entry
	pending  priorityHeap
	seq      uint64
	autoID   uint64
	started  bool
	stopping bool
	stopCh   chan struct{}
	workers  int

	wg sync.WaitGroup
}

// New constructs a Queue. Call Start before submitting work.
func New(cfg Config, recorder Recorder) *Queue {
	return &Queue{
		cfg:      cfg,
		recorder: recorder,
		entries:  make(map[kerneltypes.TaskID]*entry),
	}
}

// Start spawns workerCount worker goroutines (minimum 1) and, if
// persistence is configured, the periodic snapshot loop. Start is not
// idempotent: calling it twice without an intervening Stop returns a
// VALIDATION error, matching spec.md §9's "reject double start/init".
func (q *Queue) Start(workerCount int) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return errorkit.New(errorkit.KindValidation, "queue already started")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	q.started = true
	q.stopping = false
	q.stopCh = make(chan struct{})
	q.workers = workerCount
	q.mu.Unlock()

	q.wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go q.workerLoop(i)
	}

	if q.cfg.Store != nil && q.cfg.SnapshotInterval > 0 {
		q.wg.Add(1)
		go q.snapshotLoop()
	}
	return nil
}

// Stop signals shutdown, waits for every worker to finish the task it is
// currently running (no further dispatches are made), and takes a final
// snapshot if persistence is enabled. Stop is idempotent.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started || q.stopping {
		q.mu.Unlock()
		return
	}
	q.stopping = true
	close(q.stopCh)
	q.mu.Unlock()

	q.wg.Wait()

	if q.cfg.Store != nil {
		if err := q.takeSnapshot(); err != nil {
			slog.Default().Error("final snapshot write failed", "error", err)
		}
	}

	q.mu.Lock()
	q.started = false
	q.mu.Unlock()
}

// Submit registers spec and returns its task id. It refuses with
// ErrQueueFull if the pending count meets Config.MaxQueueSize, or
// ErrDuplicateID if spec.ID is already tracked.
func (q *Queue) Submit(spec TaskSpec) (kerneltypes.TaskID, error) {
	if spec.Callable == nil {
		return "", errorkit.New(errorkit.KindValidation, "task spec has no callable")
	}

	q.mu.Lock()
	id := spec.ID
	if id == "" {
		q.autoID++
		id = kerneltypes.TaskID(fmt.Sprintf("task-%d", q.autoID))
	}
	if _, exists := q.entries[id]; exists {
		q.mu.Unlock()
		return "", errorkit.ErrDuplicateID
	}
	if q.cfg.MaxQueueSize > 0 && q.pending.Len() >= q.cfg.MaxQueueSize {
		q.mu.Unlock()
		return "", errorkit.ErrQueueFull
	}

	q.seq++
	seq := q.seq
	e := newEntry(spec, id, seq, nowMillis())
	q.entries[id] = e
	heap.Push(&q.pending, &heapItem{id: id, priority: e.task.Priority, seq: seq})
	q.mu.Unlock()

	if q.recorder != nil {
		q.recorder.RecordEnqueue()
	}
	return id, nil
}

// Get returns a read-only snapshot of the task with the given id.
func (q *Queue) Get(id kerneltypes.TaskID) (kerneltypes.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return kerneltypes.Task{}, false
	}
	return e.task, true
}

// Cancel transitions a PENDING or RUNNING task to CANCELLED and reports
// whether the transition happened. For a RUNNING task this also requests
// cooperative cancellation of its context; the queue never kills in-flight
// work outright.
func (q *Queue) Cancel(id kerneltypes.TaskID) bool {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return false
	}

	switch e.task.Status {
	case kerneltypes.StatusPending, kerneltypes.StatusRunning:
		now := nowMillis()
		e.task.Status = kerneltypes.StatusCancelled
		e.task.CompletedAt = &now
		cancel := e.cancelFunc
		tracker := e.progressTracker
		close(e.done)
		q.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if tracker != nil {
			tracker.Cancel("")
		}
		return true
	default:
		q.mu.Unlock()
		return false
	}
}

// Await blocks until id reaches a terminal state or timeout elapses
// (timeout <= 0 means wait indefinitely). It returns the stored result and
// true only if the task ended COMPLETED.
func (q *Queue) Await(id kerneltypes.TaskID, timeout time.Duration) (any, bool) {
	q.mu.Lock()
	e, ok := q.entries[id]
	q.mu.Unlock()
	if !ok {
		return nil, false
	}

	if timeout > 0 {
		select {
		case <-e.done:
		case <-time.After(timeout):
			return nil, false
		}
	} else {
		<-e.done
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if e.task.Status == kerneltypes.StatusCompleted {
		return e.task.Result, true
	}
	return nil, false
}

// Stats reports queue size, worker count, and per-status counts.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := make(map[kerneltypes.Status]int, 5)
	for _, e := range q.entries {
		counts[e.task.Status]++
	}
	return Stats{
		QueueSize:   q.pending.Len(),
		WorkerCount: q.workers,
		ByStatus:    counts,
	}
}

// workerLoop is the body of one worker goroutine: pull the next ready task,
// run it, repeat until told to stop.
func (q *Queue) workerLoop(id int) {
	defer q.wg.Done()
	for {
		e, ok := q.nextReady()
		if !ok {
			return
		}
		q.runTask(id, e)
	}
}

// nextReady pops the highest-priority ready task from the heap, skipping
// (and reinserting) entries whose prerequisites are unmet or which have
// already reached a terminal state by the time they are considered. It
// blocks, polling every dispatchBackoff, until a task is ready or the queue
// is stopping.
func (q *Queue) nextReady() (*entry, bool) {
	for {
		q.mu.Lock()
		if q.stopping {
			q.mu.Unlock()
			return nil, false
		}

		var skipped []*heapItem
		var chosen *entry
		for q.pending.Len() > 0 {
			item := heap.Pop(&q.pending).(*heapItem)
			e, ok := q.entries[item.id]
			if !ok || e.task.Status.Terminal() {
				continue // stale: cancelled-while-pending or otherwise gone
			}
			if !q.prereqsMetLocked(e) {
				skipped = append(skipped, item)
				continue
			}
			chosen = e
			break
		}
		for _, it := range skipped {
			heap.Push(&q.pending, it)
		}
		q.mu.Unlock()

		if chosen != nil {
			return chosen, true
		}

		select {
		case <-q.stopCh:
			return nil, false
		case <-time.After(dispatchBackoff):
		}
	}
}

func (q *Queue) prereqsMetLocked(e *entry) bool {
	for _, p := range e.task.Prereqs {
		pe, ok := q.entries[p]
		if !ok || pe.task.Status != kerneltypes.StatusCompleted {
			return false
		}
	}
	return true
}

type callOutcome struct {
	value any
	err   error
}

// runTask dispatches e: marks it RUNNING, invokes its callable under a
// timeout-derived context, and routes the outcome to completion or retry.
// If the context's deadline fires before the callable returns, the timeout
// is routed through completeAttempt as an ordinary failure (it consumes the
// same retry budget as any other error, per spec.md §9) and the callable's
// eventual return value (if it ever returns) is discarded.
func (q *Queue) runTask(workerID int, e *entry) {
	q.mu.Lock()
	if e.task.Status != kerneltypes.StatusPending {
		q.mu.Unlock() // raced with Cancel between selection and dispatch
		return
	}
	now := nowMillis()
	e.task.Status = kerneltypes.StatusRunning
	e.task.StartedAt = &now

	var ctx context.Context
	var cancel context.CancelFunc
	if e.task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), e.task.Timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	e.cancelFunc = cancel
	tracker := e.progressTracker
	q.mu.Unlock()
	defer cancel()

	if tracker != nil {
		tracker.Start("")
	}
	if q.recorder != nil {
		q.recorder.RecordDispatch()
	}
	startedAt := time.Now()

	resultCh := make(chan callOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- callOutcome{err: fmt.Errorf("task panicked: %v", r)}
			}
		}()
		value, err := e.callable(kerneltypes.CallContext{
			Context:  ctx,
			Args:     e.args,
			KwArgs:   e.kwargs,
			Progress: e.progressHandle(),
		})
		resultCh <- callOutcome{value: value, err: err}
	}()

	select {
	case out := <-resultCh:
		q.completeAttempt(e, out, time.Since(startedAt))
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			// spec.md §9: timeout is a failure subject to the same retry
			// budget as any other callable error, not an automatic FAILED.
			q.completeAttempt(e, callOutcome{err: errorkit.ErrTimedOut}, time.Since(startedAt))
		}
		// ctx.Err() == context.Canceled: Cancel() already finalised the
		// task; nothing left to do here.
		go func() { <-resultCh }() // drain and discard the late result
	}
	_ = workerID
}

// completeAttempt routes one finished invocation: success always finishes
// the task; failure retries if retries remain (the worker itself waits
// retry_delay, per spec.md §4.1), otherwise finishes FAILED.
func (q *Queue) completeAttempt(e *entry, out callOutcome, latency time.Duration) {
	if out.err == nil {
		if q.finishIfRunning(e, kerneltypes.StatusCompleted, out.value, "") && q.recorder != nil {
			q.recorder.RecordCompleted(latency)
		}
		return
	}

	q.mu.Lock()
	if e.task.Status != kerneltypes.StatusRunning {
		q.mu.Unlock()
		return // already force-terminated by Cancel racing in
	}
	if e.task.RetriesLeft > 0 {
		e.task.RetriesLeft--
		e.task.Status = kerneltypes.StatusPending
		e.task.StartedAt = nil
		delay := e.task.RetryDelay
		priority, seq := e.task.Priority, e.task.Seq()
		q.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}

		q.mu.Lock()
		if e.task.Status == kerneltypes.StatusPending {
			heap.Push(&q.pending, &heapItem{id: e.task.ID, priority: priority, seq: seq})
		}
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	if q.finishIfRunning(e, kerneltypes.StatusFailed, nil, out.err.Error()) && q.recorder != nil {
		q.recorder.RecordFailed()
	}
}

// finishIfRunning transitions e to a terminal status if (and only if) it is
// still RUNNING, closes its done channel exactly once, and advances its
// progress tracker to the matching terminal state. It reports whether the
// transition happened, so callers can tell a genuine completion from one
// that lost a race with Cancel.
func (q *Queue) finishIfRunning(e *entry, status kerneltypes.Status, result any, errMsg string) bool {
	q.mu.Lock()
	if e.task.Status != kerneltypes.StatusRunning {
		q.mu.Unlock()
		return false
	}
	now := nowMillis()
	e.task.Status = status
	e.task.CompletedAt = &now
	e.task.Result = result
	e.task.Error = errMsg
	tracker := e.progressTracker
	close(e.done)
	q.mu.Unlock()

	if tracker != nil {
		switch status {
		case kerneltypes.StatusCompleted:
			tracker.Complete("")
		case kerneltypes.StatusFailed:
			tracker.Fail(errMsg)
		case kerneltypes.StatusCancelled:
			tracker.Cancel("")
		}
	}
	return true
}

func nowMillis() int64 { return time.Now().UnixMilli() }
