// Package progress implements the hierarchical progress state described in
// spec.md §3/§4.7: a tracker that is either step-based or percentage-based,
// whose parent recomputes its own percentage as the weight-normalised sum
// of its children's percentages on every child update.
//
// Grounded in original_source/dukat/core/progress.py's ProgressTracker
// (state machine, update_step/update_percentage validation, add_child
// weight normalisation, _update_from_children, get_estimated_time_remaining),
// translated into Go: callbacks run synchronously and panics/errors from
// them are caught and logged rather than left to propagate, per spec.md §7.
package progress

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chuliyu/taskkernel/internal/errorkit"
)

// State mirrors spec.md §3's progress tracker states.
type State string

const (
	NotStarted State = "not_started"
	InProgress State = "in_progress"
	Completed  State = "completed"
	Failed     State = "failed"
	Cancelled  State = "cancelled"
)

// Event is the shape handed to callbacks and returned by Tracker.Event, per
// SPEC_FULL.md §6's progress event shape.
type Event struct {
	TaskID            string           `json:"task_id"`
	State             State            `json:"state"`
	Description       string           `json:"description"`
	CurrentStep       *int             `json:"current_step,omitempty"`
	TotalSteps        *int             `json:"total_steps,omitempty"`
	CurrentPercentage float64          `json:"current_percentage"`
	TotalPercentage   float64          `json:"total_percentage"`
	Message           string           `json:"message"`
	Details           map[string]any   `json:"details"`
	StartTime         time.Time        `json:"start_time"`
	EndTime           time.Time        `json:"end_time"`
	ElapsedTime       time.Duration    `json:"elapsed_time"`
	Children          map[string]Event `json:"children,omitempty"`
}

// Callback is notified on every state change and every update. It must not
// block indefinitely; a panicking or erroring callback is caught and logged,
// never propagated to the updater.
type Callback func(Event)

// Tracker is a single node in a progress hierarchy.
type Tracker struct {
	mu sync.Mutex

	taskID          string
	description     string
	stepBased       bool
	totalSteps      int
	totalPercentage float64

	state             State
	currentStep       int
	currentPercentage float64
	startTime         time.Time
	endTime           time.Time
	message           string
	details           map[string]any

	weight   float64
	parent   *Tracker
	children map[string]*Tracker
	order    []string // child insertion order; Event visits children in this order (Event.Children itself is a map)

	callbacks []Callback
}

// Option configures a Tracker in New; see WithSteps, WithTotalPercentage,
// and WithDescription.
type Option func(*Tracker)

// WithSteps makes the tracker step-based with the given total step count.
func WithSteps(total int) Option {
	return func(t *Tracker) {
		t.stepBased = true
		t.totalSteps = total
	}
}

// WithTotalPercentage overrides the default total percentage of 100.
func WithTotalPercentage(total float64) Option {
	return func(t *Tracker) { t.totalPercentage = total }
}

// WithDescription sets the tracker's human-readable description.
func WithDescription(desc string) Option {
	return func(t *Tracker) { t.description = desc }
}

// New creates a tracker for taskID in NOT_STARTED state.
func New(taskID string, opts ...Option) *Tracker {
	t := &Tracker{
		taskID:          taskID,
		totalPercentage: 100.0,
		state:           NotStarted,
		details:         make(map[string]any),
		children:        make(map[string]*Tracker),
		weight:          1.0,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// AddCallback registers cb to run on every state change / update.
func (t *Tracker) AddCallback(cb Callback) {
	t.mu.Lock()
	t.callbacks = append(t.callbacks, cb)
	t.mu.Unlock()
}

// Start transitions NOT_STARTED -> IN_PROGRESS.
func (t *Tracker) Start(message string) {
	t.mu.Lock()
	if t.state != NotStarted {
		t.mu.Unlock()
		return
	}
	t.state = InProgress
	t.startTime = time.Now()
	if message != "" {
		t.message = message
	}
	t.mu.Unlock()
	t.notify()
}

// Complete forces the tracker's percentage/step to its total and
// transitions to COMPLETED.
func (t *Tracker) Complete(message string) {
	t.mu.Lock()
	if t.state != InProgress {
		t.mu.Unlock()
		return
	}
	if t.stepBased {
		t.currentStep = t.totalSteps
	}
	t.currentPercentage = t.totalPercentage
	t.state = Completed
	t.endTime = time.Now()
	if message != "" {
		t.message = message
	}
	t.mu.Unlock()
	t.notify()
}

// Fail transitions to FAILED, preserving the last observed percentage.
func (t *Tracker) Fail(message string) {
	t.mu.Lock()
	if t.state != NotStarted && t.state != InProgress {
		t.mu.Unlock()
		return
	}
	t.state = Failed
	t.endTime = time.Now()
	if message != "" {
		t.message = message
	}
	t.mu.Unlock()
	t.notify()
}

// Cancel transitions to CANCELLED, preserving the last observed percentage.
func (t *Tracker) Cancel(message string) {
	t.mu.Lock()
	if t.state != NotStarted && t.state != InProgress {
		t.mu.Unlock()
		return
	}
	t.state = Cancelled
	t.endTime = time.Now()
	if message != "" {
		t.message = message
	}
	t.mu.Unlock()
	t.notify()
}

// UpdateStep sets the current step for a step-based tracker. Satisfies
// kerneltypes.ProgressHandle.
func (t *Tracker) UpdateStep(step int, message string) error {
	t.mu.Lock()
	if t.state != InProgress {
		t.mu.Unlock()
		return nil
	}
	if !t.stepBased {
		t.mu.Unlock()
		return errorkit.New(errorkit.KindValidation, "tracker is percentage-based, not step-based")
	}
	if step < 0 || step > t.totalSteps {
		t.mu.Unlock()
		return errorkit.New(errorkit.KindValidation, fmt.Sprintf("step %d out of range [0, %d]", step, t.totalSteps))
	}

	t.currentStep = step
	t.currentPercentage = (float64(step) / float64(t.totalSteps)) * t.totalPercentage
	if message != "" {
		t.message = message
	}
	t.mu.Unlock()
	t.notify()
	return nil
}

// UpdatePercentage sets the current percentage directly. Satisfies
// kerneltypes.ProgressHandle.
func (t *Tracker) UpdatePercentage(percentage float64, message string) error {
	t.mu.Lock()
	if t.state != InProgress {
		t.mu.Unlock()
		return nil
	}
	if percentage < 0 || percentage > t.totalPercentage {
		t.mu.Unlock()
		return errorkit.New(errorkit.KindValidation, fmt.Sprintf("percentage %.2f out of range [0, %.2f]", percentage, t.totalPercentage))
	}

	t.currentPercentage = percentage
	if t.stepBased {
		t.currentStep = int((percentage / t.totalPercentage) * float64(t.totalSteps))
	}
	if message != "" {
		t.message = message
	}
	t.mu.Unlock()
	t.notify()
	return nil
}

// AddChild creates and attaches a child tracker with the given weight,
// wiring it so every child update recomputes this tracker's percentage.
// Weights need not sum to 1 across siblings — updateFromChildren
// normalises by their sum on every recompute — but a zero or negative
// weight can never be normalised away, so it is rejected with VALIDATION
// rather than silently clamped.
func (t *Tracker) AddChild(childID string, weight float64, opts ...Option) (*Tracker, error) {
	if weight <= 0.0 {
		return nil, errorkit.New(errorkit.KindValidation, fmt.Sprintf("child weight %.4f must be positive", weight))
	}

	t.mu.Lock()
	if existing, ok := t.children[childID]; ok {
		t.mu.Unlock()
		return existing, nil
	}

	child := New(fmt.Sprintf("%s.%s", t.taskID, childID), opts...)
	child.parent = t
	child.weight = weight

	t.children[childID] = child
	t.order = append(t.order, childID)
	t.mu.Unlock()

	child.AddCallback(t.updateFromChildren)
	return child, nil
}

// Child returns a previously added child, if any.
func (t *Tracker) Child(childID string) (*Tracker, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.children[childID]
	return c, ok
}

// RemoveChild detaches a child tracker.
func (t *Tracker) RemoveChild(childID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.children, childID)
	for i, id := range t.order {
		if id == childID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// updateFromChildren recomputes this tracker's percentage as the
// weight-normalised sum of its children's percentages (spec.md §4.7).
func (t *Tracker) updateFromChildren(_ Event) {
	t.mu.Lock()
	if len(t.children) == 0 {
		t.mu.Unlock()
		return
	}

	totalWeight := 0.0
	for _, c := range t.children {
		totalWeight += c.weight
	}
	weightFactor := 1.0
	if totalWeight > 0.0 && totalWeight != 1.0 {
		weightFactor = 1.0 / totalWeight
	}

	weighted := 0.0
	for _, c := range t.children {
		c.mu.Lock()
		childPct := c.currentPercentage
		childTotal := c.totalPercentage
		c.mu.Unlock()
		if childTotal <= 0 {
			continue
		}
		normalizedWeight := c.weight * weightFactor
		weighted += (childPct / childTotal) * normalizedWeight * t.totalPercentage
	}
	t.mu.Unlock()

	_ = t.UpdatePercentage(weighted, "")
}

// ElapsedTime returns end-or-now minus start, or zero if not started.
func (t *Tracker) ElapsedTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsedLocked()
}

func (t *Tracker) elapsedLocked() time.Duration {
	if t.startTime.IsZero() {
		return 0
	}
	if !t.endTime.IsZero() {
		return t.endTime.Sub(t.startTime)
	}
	return time.Since(t.startTime)
}

// EstimatedRemaining returns the estimated remaining duration, or false if
// not currently estimable (not in progress, or zero progress so far).
func (t *Tracker) EstimatedRemaining() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != InProgress || t.currentPercentage == 0 {
		return 0, false
	}
	elapsed := t.elapsedLocked()
	if elapsed == 0 {
		return 0, false
	}
	ratio := t.currentPercentage / t.totalPercentage
	if ratio == 0 {
		return 0, false
	}
	total := time.Duration(float64(elapsed) / ratio)
	remaining := total - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// State returns the tracker's current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Event snapshots the tracker (and, recursively, its children) into the
// wire shape described in SPEC_FULL.md §6.
func (t *Tracker) Event() Event {
	t.mu.Lock()
	ev := Event{
		TaskID:            t.taskID,
		State:             t.state,
		Description:       t.description,
		CurrentPercentage: t.currentPercentage,
		TotalPercentage:   t.totalPercentage,
		Message:           t.message,
		Details:           t.details,
		StartTime:         t.startTime,
		EndTime:           t.endTime,
		ElapsedTime:       t.elapsedLocked(),
	}
	if t.stepBased {
		step, total := t.currentStep, t.totalSteps
		ev.CurrentStep = &step
		ev.TotalSteps = &total
	}
	var order []string
	var children map[string]*Tracker
	if len(t.children) > 0 {
		order = append(order, t.order...)
		children = make(map[string]*Tracker, len(t.children))
		for k, v := range t.children {
			children[k] = v
		}
	}
	t.mu.Unlock()

	if len(children) > 0 {
		ev.Children = make(map[string]Event, len(children))
		for _, id := range order {
			ev.Children[id] = children[id].Event()
		}
	}
	return ev
}

func (t *Tracker) notify() {
	t.mu.Lock()
	cbs := make([]Callback, len(t.callbacks))
	copy(cbs, t.callbacks)
	t.mu.Unlock()

	if len(cbs) == 0 {
		return
	}
	ev := t.Event()
	for _, cb := range cbs {
		runCallback(t.taskID, cb, ev)
	}
}

func runCallback(taskID string, cb Callback, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Default().Error("progress callback panicked", "task_id", taskID, "recovered", r)
		}
	}()
	cb(ev)
}
