// Package resourcepool implements the fractional shared-resource accounting
// described in spec.md §3/§4.5: a mapping of resource class -> available
// fraction (default 1.0), with shared and exclusive holds. Allocation is
// all-or-nothing and atomic across a multi-class request; release returns
// everything a given task id holds. There is no blocking/queuing inside the
// pool — waiting for resources is the caller's concern (internal.
// parallelexecutor's semaphore plays that role at the task layer).
//
// No Go analogue exists in the teacher or the original Python source (the
// source has no resource-budget concept); built directly from spec.md in
// the teacher's mutex-guarded-struct idiom (internal/jobmanager.JobManager).
package resourcepool

import (
	"sync"

	"github.com/chuliyu/taskkernel/internal/errorkit"
	"github.com/chuliyu/taskkernel/pkg/kerneltypes"
)

// Pool tracks availability and holders for a set of named resource classes.
// Every class not yet seen implicitly starts at available = 1.0.
type Pool struct {
	mu          sync.Mutex
	available   map[string]float64
	exclusiveBy map[string]string                        // class -> holder task id
	allocations map[kerneltypes.TaskID]map[string]float64 // task id -> class -> amount held
}

// New creates an empty resource pool; every class starts fully available.
func New() *Pool {
	return &Pool{
		available:   make(map[string]float64),
		exclusiveBy: make(map[string]string),
		allocations: make(map[kerneltypes.TaskID]map[string]float64),
	}
}

func (p *Pool) availableLocked(class string) float64 {
	if v, ok := p.available[class]; ok {
		return v
	}
	return 1.0
}

// CanAllocate reports, without mutating state, whether every requirement in
// reqs could currently be satisfied.
func (p *Pool) CanAllocate(reqs []kerneltypes.ResourceRequirement) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fitsLocked(reqs)
}

func (p *Pool) fitsLocked(reqs []kerneltypes.ResourceRequirement) bool {
	for _, r := range reqs {
		if holder, locked := p.exclusiveBy[r.Class]; locked {
			_ = holder
			return false
		}
		if r.Exclusive {
			// An exclusive request needs the class to have no concurrent
			// holder at all, shared or exclusive.
			if p.availableLocked(r.Class) < 1.0 {
				return false
			}
			continue
		}
		if p.availableLocked(r.Class) < r.Amount {
			return false
		}
	}
	return true
}

// Allocate attempts to atomically grant every requirement in reqs to
// taskID. On success it returns true and mutates the pool; on failure it
// returns false and leaves the pool untouched.
func (p *Pool) Allocate(taskID kerneltypes.TaskID, reqs []kerneltypes.ResourceRequirement) bool {
	if len(reqs) == 0 {
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.fitsLocked(reqs) {
		return false
	}

	held, ok := p.allocations[taskID]
	if !ok {
		held = make(map[string]float64)
		p.allocations[taskID] = held
	}

	for _, r := range reqs {
		if r.Exclusive {
			p.exclusiveBy[r.Class] = string(taskID)
			p.available[r.Class] = 0
			held[r.Class] += 1.0
			continue
		}
		p.available[r.Class] = p.availableLocked(r.Class) - r.Amount
		held[r.Class] += r.Amount
	}
	return true
}

// Release returns every amount taskID currently holds and clears any
// exclusive lock it held. It is safe to call for a task that holds nothing.
func (p *Pool) Release(taskID kerneltypes.TaskID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	held, ok := p.allocations[taskID]
	if !ok {
		return
	}

	for class, amount := range held {
		if p.exclusiveBy[class] == string(taskID) {
			delete(p.exclusiveBy, class)
			p.available[class] = 1.0
			continue
		}
		p.available[class] = p.availableLocked(class) + amount
		if p.available[class] > 1.0 {
			p.available[class] = 1.0
		}
	}
	delete(p.allocations, taskID)
}

// AllocateOrError is a convenience wrapper returning a kernel error of kind
// Resource when allocation fails, for callers that want to propagate a
// typed error rather than a bool.
func (p *Pool) AllocateOrError(taskID kerneltypes.TaskID, reqs []kerneltypes.ResourceRequirement) error {
	if p.Allocate(taskID, reqs) {
		return nil
	}
	return errorkit.ErrResourceUnavailable
}

// Utilization returns, per known resource class, the fraction currently
// allocated (1 - available). Classes never requested are omitted.
func (p *Pool) Utilization() map[string]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]float64, len(p.available))
	for class, avail := range p.available {
		out[class] = 1.0 - avail
	}
	return out
}
