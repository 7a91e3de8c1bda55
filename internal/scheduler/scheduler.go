// Package scheduler fires tasks at an absolute time, or periodically at a
// fixed interval, forwarding each firing into the Task Queue (spec.md
// §4.3). Grounded in original_source/augment_adam/core/task_scheduler.py's
// TaskScheduler (a min-heap of ScheduledTask keyed by next_run_time, a
// single polling loop, update_next_run_time's drift-free "now + interval"
// recomputation), expressed with container/heap and a time.Ticker in the
// teacher's single-cooperative-loop idiom (internal/controller.Controller's
// timeoutLoop/snapshotLoop).
package scheduler

import (
	"container/heap"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chuliyu/taskkernel/internal/taskqueue"
	"github.com/chuliyu/taskkernel/pkg/kerneltypes"
)

// Submitter is the Task Queue surface the scheduler forwards firings into.
// *taskqueue.Queue satisfies it directly.
type Submitter interface {
	Submit(spec taskqueue.TaskSpec) (kerneltypes.TaskID, error)
}

// Spec describes one call to Schedule.
type Spec struct {
	ID         string // scheduled-entry id; auto-generated if empty
	When       time.Time
	Interval   time.Duration // zero means one-shot
	MaxRuns    int           // zero means unlimited when Interval is set
	Priority   int
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	Callable   kerneltypes.Callable
	Args       []any
	KwArgs     map[string]any
}

// Entry is the introspectable state of one scheduled registration.
type Entry struct {
	ID          string
	NextRunTime time.Time
	LastRunTime time.Time
	Runs        int
	MaxRuns     int
	Interval    time.Duration
	Active      bool
}

type heapEntry struct {
	id          string
	nextRunTime time.Time
	seq         uint64 // tiebreak for equal next_run_time, insertion order
	index       int    // maintained by container/heap
}

type entryHeap []*heapEntry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if !h[i].nextRunTime.Equal(h[j].nextRunTime) {
		return h[i].nextRunTime.Before(h[j].nextRunTime)
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *entryHeap) Push(x any) {
	e := x.(*heapEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

type registration struct {
	spec   Spec
	runs   int
	last   time.Time
	next   time.Time
	active bool
}

// Scheduler is the component described in spec.md §4.3. The zero value is
// not usable; construct with New.
type Scheduler struct {
	submitter    Submitter
	pollInterval time.Duration

	mu   sync.Mutex
	regs map[string]*registration
	heap entryHeap
	seq  uint64

	autoID  uint64
	stopCh  chan struct{}
	running bool
	wg      sync.WaitGroup
}

// New constructs a Scheduler that forwards firings to submitter, polling
// every pollInterval (default 1s, per spec.md §4.3).
func New(submitter Submitter, pollInterval time.Duration) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Scheduler{
		submitter:    submitter,
		pollInterval: pollInterval,
		regs:         make(map[string]*registration),
	}
}

// Start spawns the single dispatch loop. Idempotent: calling it while
// already running is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()
}

// Stop signals the dispatch loop to exit and waits for it. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
}

// Schedule registers spec and returns its scheduled-entry id. When is
// normalised to now if zero. Interval set makes the entry periodic; with no
// MaxRuns it fires indefinitely until Cancel.
func (s *Scheduler) Schedule(spec Spec) string {
	when := spec.When
	if when.IsZero() {
		when = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := spec.ID
	if id == "" {
		s.autoID++
		id = fmt.Sprintf("sched-%d", s.autoID)
	}
	spec.When = when

	reg := &registration{spec: spec, next: when, active: true}
	s.regs[id] = reg

	s.seq++
	heap.Push(&s.heap, &heapEntry{id: id, nextRunTime: when, seq: s.seq})
	return id
}

// Cancel marks id inactive; it will not fire again. Task instances already
// submitted to the queue are unaffected. Reports whether id was known.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.regs[id]
	if !ok {
		return false
	}
	reg.active = false
	return true
}

// Lookup returns the introspectable state of id.
func (s *Scheduler) Lookup(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.regs[id]
	if !ok {
		return Entry{}, false
	}
	return entryFrom(id, reg), true
}

// ListAll returns every registered entry.
func (s *Scheduler) ListAll() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.regs))
	for id, reg := range s.regs {
		out = append(out, entryFrom(id, reg))
	}
	return out
}

func entryFrom(id string, reg *registration) Entry {
	return Entry{
		ID:          id,
		NextRunTime: reg.next,
		LastRunTime: reg.last,
		Runs:        reg.runs,
		MaxRuns:     reg.spec.MaxRuns,
		Interval:    reg.spec.Interval,
		Active:      reg.active,
	}
}

// loop is the single cooperative dispatch loop (spec.md §4.3). On each wake
// it pops every entry whose next_run_time is now <= wall clock, fires it,
// and reinserts it (with a recomputed next_run_time) if it is periodic and
// has runs remaining.
func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.dispatchDue()
		}
	}
}

func (s *Scheduler) dispatchDue() {
	now := time.Now()

	for {
		s.mu.Lock()
		if s.heap.Len() == 0 || s.heap[0].nextRunTime.After(now) {
			s.mu.Unlock()
			return
		}
		he := heap.Pop(&s.heap).(*heapEntry)
		reg, ok := s.regs[he.id]
		s.mu.Unlock()

		if !ok || !reg.active {
			continue // cancelled since it was scheduled; drop silently
		}

		s.fire(he.id, reg)

		s.mu.Lock()
		reg.runs++
		reg.last = now
		again := reg.active && reg.spec.Interval > 0 && (reg.spec.MaxRuns <= 0 || reg.runs < reg.spec.MaxRuns)
		if again {
			reg.next = time.Now().Add(reg.spec.Interval)
			s.seq++
			heap.Push(&s.heap, &heapEntry{id: he.id, nextRunTime: reg.next, seq: s.seq})
		} else {
			reg.active = false
		}
		s.mu.Unlock()
	}
}

// fire submits one instance of reg's task to the queue, with an id derived
// from the scheduled id and the run counter so every firing has a unique
// queue-level id (spec.md §4.3).
func (s *Scheduler) fire(id string, reg *registration) {
	queueID := kerneltypes.TaskID(fmt.Sprintf("%s#%d", id, reg.runs+1))
	_, err := s.submitter.Submit(taskqueue.TaskSpec{
		ID:         queueID,
		Name:       id,
		Priority:   reg.spec.Priority,
		Timeout:    reg.spec.Timeout,
		MaxRetries: reg.spec.MaxRetries,
		RetryDelay: reg.spec.RetryDelay,
		Callable:   reg.spec.Callable,
		Args:       reg.spec.Args,
		KwArgs:     reg.spec.KwArgs,
	})
	if err != nil {
		slog.Default().Warn("scheduled firing failed to submit", "scheduled_id", id, "error", err)
	}
}
