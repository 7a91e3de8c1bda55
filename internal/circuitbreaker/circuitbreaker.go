// Package circuitbreaker implements the per-named-dependency circuit
// breaker described in spec.md §4.4: a CLOSED/OPEN/HALF_OPEN state machine
// with a consecutive-failure threshold and a recovery timeout.
//
// It is grounded in original_source/dukat/core/errors.py's CircuitBreaker
// (state property, call(), _handle_success/_handle_failure, on_open/
// on_close/on_half_open callbacks), translated from a Python decorator into
// a Go struct with an explicit Call method, and from "expected exception
// types" into "excluded error kinds" (errorkit.Kind) since Go has no
// exception hierarchy to match against.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/chuliyu/taskkernel/internal/errorkit"
)

// State is one of the three circuit states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config configures a single Breaker.
type Config struct {
	Name             string
	FailureThreshold int           // consecutive failures before opening; default 5
	RecoveryTimeout  time.Duration // time OPEN waits before probing; default 60s
	ExcludedKinds    []errorkit.Kind

	OnOpen     func(name string, cause error)
	OnClose    func(name string)
	OnHalfOpen func(name string)
}

// Breaker guards calls to one named dependency.
type Breaker struct {
	mu sync.Mutex

	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	excluded         map[errorkit.Kind]bool

	onOpen     func(name string, cause error)
	onClose    func(name string)
	onHalfOpen func(name string)

	state           State
	failureCount    int
	lastFailureTime time.Time
	lastSuccessTime time.Time
}

// New creates a Breaker from cfg, filling in the same defaults the Python
// source used (threshold 5, recovery 60s).
func New(cfg Config) *Breaker {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	recovery := cfg.RecoveryTimeout
	if recovery <= 0 {
		recovery = 60 * time.Second
	}
	excluded := make(map[errorkit.Kind]bool, len(cfg.ExcludedKinds))
	for _, k := range cfg.ExcludedKinds {
		excluded[k] = true
	}
	return &Breaker{
		name:             cfg.Name,
		failureThreshold: threshold,
		recoveryTimeout:  recovery,
		excluded:         excluded,
		onOpen:           cfg.OnOpen,
		onClose:          cfg.OnClose,
		onHalfOpen:       cfg.OnHalfOpen,
		state:            Closed,
	}
}

// Name returns the breaker's configured name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, first resolving an OPEN->HALF_OPEN
// transition if recoveryTimeout has elapsed since the last failure — the
// same lazy-transition approach as the Python `state` property.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == Open && time.Since(b.lastFailureTime) >= b.recoveryTimeout {
		b.state = HalfOpen
		if b.onHalfOpen != nil {
			b.onHalfOpen(b.name)
		}
	}
	return b.state
}

// Allow reports whether a call may proceed right now, resolving the lazy
// OPEN->HALF_OPEN transition as a side effect. Callers that cannot run the
// protected function through Call (e.g. internal/parallelexecutor, which
// wants to fail fast without invoking anything) use this directly.
func (b *Breaker) Allow() bool {
	return b.State() != Open
}

// Call runs fn under the breaker's protection: refuses immediately with
// errorkit.ErrCircuitOpen while OPEN, otherwise invokes fn and records the
// outcome.
func (b *Breaker) Call(fn func() (any, error)) (any, error) {
	if !b.Allow() {
		return nil, errorkit.ErrCircuitOpen
	}

	result, err := fn()
	if err == nil {
		b.RecordSuccess()
		return result, nil
	}

	b.RecordFailure(err)
	return nil, err
}

// RecordSuccess reports a successful call to the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSuccessTime = time.Now()

	switch b.state {
	case HalfOpen:
		b.state = Closed
		b.failureCount = 0
		if b.onClose != nil {
			b.onClose(b.name)
		}
	case Closed:
		b.failureCount = 0
	}
}

// RecordFailure reports a failed call. Failures whose errorkit.Kind is in
// the excluded set do not count against the breaker, mirroring the Python
// source's expected_exceptions allow-list (inverted: here we list the kinds
// that do NOT count, since most kernel calls ARE expected to fail sometimes
// and only dependency-style failures should trip the breaker).
func (b *Breaker) RecordFailure(cause error) {
	if len(b.excluded) > 0 && b.excluded[errorkit.KindOf(cause)] {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureTime = time.Now()

	switch b.state {
	case Closed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.state = Open
			if b.onOpen != nil {
				b.onOpen(b.name, cause)
			}
		}
	case HalfOpen:
		b.state = Open
		if b.onOpen != nil {
			b.onOpen(b.name, cause)
		}
	}
}

// Reset forces the breaker back to CLOSED with a zeroed failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.state = Closed
	b.failureCount = 0
	b.lastFailureTime = time.Time{}
	b.lastSuccessTime = time.Time{}
	onClose := b.onClose
	name := b.name
	b.mu.Unlock()

	if onClose != nil {
		onClose(name)
	}
}

// FailureCount returns the current consecutive-failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Registry maps breaker name -> Breaker, so the Parallel Executor and any
// user-declared external-dependency call can share breakers across the
// kernel (spec.md §4.4 "A registry maps breaker name -> breaker instance").
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	defaults Config
}

// NewRegistry creates an empty registry. defaults supplies the
// FailureThreshold/RecoveryTimeout/ExcludedKinds used for breakers created
// on demand via GetOrCreate when no explicit Config is given.
func NewRegistry(defaults Config) *Registry {
	return &Registry{breakers: make(map[string]*Breaker), defaults: defaults}
}

// Register installs an explicitly configured breaker under cfg.Name,
// replacing any existing breaker of that name.
func (r *Registry) Register(cfg Config) *Breaker {
	b := New(cfg)
	r.mu.Lock()
	r.breakers[cfg.Name] = b
	r.mu.Unlock()
	return b
}

// GetOrCreate returns the named breaker, creating one from the registry's
// defaults if it does not yet exist.
func (r *Registry) GetOrCreate(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg := r.defaults
	cfg.Name = name
	b := New(cfg)
	r.breakers[name] = b
	return b
}

// Get returns the named breaker and whether it exists.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	return b, ok
}

// States returns a snapshot of every registered breaker's current state,
// for internal/parallelexecutor.Metrics and the metrics exporter.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	breakers := make([]*Breaker, 0, len(r.breakers))
	for name, b := range r.breakers {
		names = append(names, name)
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make(map[string]State, len(names))
	for i, name := range names {
		out[name] = breakers[i].State()
	}
	return out
}
