package taskqueue

import (
	"context"
	"time"

	"github.com/chuliyu/taskkernel/internal/progress"
	"github.com/chuliyu/taskkernel/pkg/kerneltypes"
)

// TaskSpec is what a caller hands to Submit. Only Callable is required; every
// other field has a documented default.
type TaskSpec struct {
	ID          kerneltypes.TaskID // if empty, a sequential "task-N" id is generated
	Name        string             // label stored as Task.Name / func_name
	Priority    int                // higher runs first; default 0
	Timeout     time.Duration      // 0 means no deadline
	MaxRetries  int                // additional attempts after the first failure
	RetryDelay  time.Duration      // wait between attempts; default 0
	Prereqs     []kerneltypes.TaskID
	Resources   []kerneltypes.ResourceRequirement
	BreakerName string
	TotalSteps  int    // >0 makes the attached progress tracker step-based
	Description string

	Callable kerneltypes.Callable
	Args     []any
	KwArgs   map[string]any
}

// Store is the minimal persistence contract the Task Queue needs, per
// SPEC_FULL.md §6: "A minimal read(path)/write(path, bytes)/list(prefix)/
// delete(path) interface; the filesystem implementation satisfies it."
// internal/persistence.FSStore implements this.
type Store interface {
	Write(path string, data []byte) error
	Read(path string) ([]byte, error)
	List(prefix string) ([]string, error)
	Delete(path string) error
}

// Config configures a Queue at construction time.
type Config struct {
	MaxQueueSize int // 0 means unbounded

	// Persistence is optional and enabled by a non-nil Store. Snapshot files
	// are named relative to the Store's own root; the queue does not read
	// PersistenceDir, which only records the directory the Store was opened on.
	Store            Store
	PersistenceDir   string
	SnapshotInterval time.Duration // 0 disables the periodic snapshot timer
	MaxHistoryFiles  int           // retention count; default 5 if Store is set
}

// Stats is the result of Queue.Stats, per spec.md §4.1.
type Stats struct {
	QueueSize   int
	WorkerCount int
	ByStatus    map[kerneltypes.Status]int
}

// entry is a Queue's internal bookkeeping record for one task. entry.task is
// the serialisable, caller-visible half; the rest is dispatch plumbing.
type entry struct {
	task kerneltypes.Task

	callable kerneltypes.Callable
	args     []any
	kwargs   map[string]any

	progressTracker *progress.Tracker

	done       chan struct{}
	cancelFunc context.CancelFunc
}

func newEntry(spec TaskSpec, id kerneltypes.TaskID, seq uint64, now int64) *entry {
	maxRetries := spec.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	task := kerneltypes.Task{
		ID:          id,
		Name:        spec.Name,
		Priority:    spec.Priority,
		Timeout:     spec.Timeout,
		MaxRetries:  maxRetries,
		RetryDelay:  spec.RetryDelay,
		Prereqs:     spec.Prereqs,
		Resources:   spec.Resources,
		BreakerName: spec.BreakerName,
		TotalSteps:  spec.TotalSteps,
		Description: spec.Description,
		Status:      kerneltypes.StatusPending,
		CreatedAt:   now,
		RetriesLeft: maxRetries,
	}
	task.SetSeq(seq)

	e := &entry{
		task:     task,
		callable: spec.Callable,
		args:     spec.Args,
		kwargs:   spec.KwArgs,
		done:     make(chan struct{}),
	}
	if spec.TotalSteps > 0 {
		e.progressTracker = progress.New(string(id), progress.WithSteps(spec.TotalSteps), progress.WithDescription(spec.Description))
	} else if spec.Description != "" {
		e.progressTracker = progress.New(string(id), progress.WithDescription(spec.Description))
	}
	return e
}

// progressHandle returns e.progressTracker as a kerneltypes.ProgressHandle,
// taking care not to smuggle a typed-nil interface value through when no
// tracker was created.
func (e *entry) progressHandle() kerneltypes.ProgressHandle {
	if e.progressTracker == nil {
		return nil
	}
	return e.progressTracker
}
