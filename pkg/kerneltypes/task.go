// Package kerneltypes defines the core domain models shared across the task
// kernel: the task record itself, its resource requirements, and the
// snapshot payload used for best-effort persistence.
//
// Design Principles:
//  1. Domain-driven types - callers never pass around bare strings/maps where
//     a named type documents intent.
//  2. JSON Serialization - every exported field round-trips through the
//     snapshot format described in SPEC_FULL.md §6.
//  3. No schema versioning - SnapshotData has no version field.
//
// Task timestamps are Unix milliseconds, for cross-platform JSON portability
// and precise timeout math; SnapshotData.Timestamp is Unix seconds.
package kerneltypes

import "time"

// TaskID uniquely identifies a task within one kernel instance.
type TaskID string

// Status represents a task's position in its lifecycle. Once a task reaches
// a terminal status (Completed, Failed, Cancelled) it never transitions
// again.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is one of the three final states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ResourceRequirement is a single (class, amount, exclusive?) triple a task
// declares against the resource pool. Amount is a fraction of the class's
// single named budget, in [0, 1].
type ResourceRequirement struct {
	Class     string  `json:"class"`
	Amount    float64 `json:"amount"`
	Exclusive bool    `json:"exclusive"`
}

// Callable is the contract a task's work unit satisfies. It receives the
// context the queue derived from the task's timeout/cancellation, the
// positional and keyword arguments the caller supplied at submit time, and
// an optional progress handle (nil if the task declared neither total steps
// nor a description). It should check ctx.Done() periodically so cancellation is
// actually cooperative.
type Callable func(ctx CallContext) (any, error)

// CallContext is what a Callable receives on invocation.
type CallContext struct {
	Context  interface {
		Done() <-chan struct{}
		Err() error
	}
	Args     []any
	KwArgs   map[string]any
	Progress ProgressHandle
}

// ProgressHandle is the minimal surface a Callable needs to report progress.
// internal/progress.Tracker satisfies this; kept here (rather than imported
// from internal/progress) so pkg/kerneltypes has no dependency on internal/.
type ProgressHandle interface {
	UpdateStep(step int, message string) error
	UpdatePercentage(percentage float64, message string) error
}

// Task is a single scheduled unit of work: identity, payload reference,
// policy, and mutable lifecycle state.
//
// Invariants (spec.md §3):
//   - a task id appears in at most one of {pending queue, in-flight table,
//     terminal table} at a time;
//   - terminal statuses are final;
//   - StartedAt <= CompletedAt once both are set.
type Task struct {
	ID   TaskID `json:"task_id"`
	Name string `json:"func_name"` // label of the callable, for snapshots/logging

	// Policy
	Priority     int           `json:"priority"`
	Timeout      time.Duration `json:"timeout"`
	MaxRetries   int           `json:"retry_count"`
	RetryDelay   time.Duration `json:"retry_delay"`
	Prereqs      []TaskID      `json:"dependencies,omitempty"`
	Resources    []ResourceRequirement `json:"resources,omitempty"`
	BreakerName  string        `json:"breaker_name,omitempty"`
	TotalSteps   int           `json:"total_steps,omitempty"`
	Description  string        `json:"description,omitempty"`
	// FuncModule has no real referent in Go (no equivalent of a Python
	// module to name) but is kept on the wire format for snapshot-field
	// parity with the original system's func_module entry; always empty.
	FuncModule   string        `json:"func_module"`

	// Mutable lifecycle state
	Status       Status `json:"status"`
	CreatedAt    int64  `json:"created_at"`
	StartedAt    *int64 `json:"started_at"`
	CompletedAt  *int64 `json:"completed_at"`
	RetriesLeft  int    `json:"retries_left"`
	Result       any    `json:"result"`
	Error        string `json:"error"`

	// insertionSeq breaks ties between equal-priority tasks in the queue;
	// it is not part of the serialised snapshot contract (spec.md §6 does
	// not list it), so it is unexported.
	insertionSeq uint64
}

// SetSeq records this task's arrival order; only internal/taskqueue calls
// this, at Submit time.
func (t *Task) SetSeq(seq uint64) { t.insertionSeq = seq }

// Seq returns the arrival order set by SetSeq.
func (t *Task) Seq() uint64 { return t.insertionSeq }

// SnapshotData is the top-level payload of a Task Queue snapshot file, per
// SPEC_FULL.md §6 / spec.md §6.
type SnapshotData struct {
	Timestamp     int64           `json:"timestamp"`
	MaxWorkers    int             `json:"max_workers"`
	MaxQueueSize  int             `json:"max_queue_size"`
	Tasks         map[TaskID]Task `json:"tasks"`
}
