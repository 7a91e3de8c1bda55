// Package kernel wires the task queue, parallel executor, scheduler,
// circuit breaker registry, resource pool, and metrics collector into one
// value with a single start/stop lifecycle, per spec.md §9's instruction to
// reject double-init rather than silently allow a second instance to share
// state with the first.
//
// Grounded in internal/controller.Controller — the teacher's
// "coordinator of coordinators" shape (one Config struct, one mutex guarding
// lifecycle flags, NewXxx constructs every subordinate component up front,
// Start/Stop fan out to each one) — generalised from controller's four
// WAL/snapshot/dispatch/result loops (which only ever drive one job queue)
// to a kernel that additionally owns a scheduler and a resource pool shared
// across ad-hoc executor batches.
package kernel

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chuliyu/taskkernel/internal/circuitbreaker"
	"github.com/chuliyu/taskkernel/internal/errorkit"
	"github.com/chuliyu/taskkernel/internal/metrics"
	"github.com/chuliyu/taskkernel/internal/parallelexecutor"
	"github.com/chuliyu/taskkernel/internal/persistence"
	"github.com/chuliyu/taskkernel/internal/resourcepool"
	"github.com/chuliyu/taskkernel/internal/scheduler"
	"github.com/chuliyu/taskkernel/internal/taskqueue"
	"github.com/chuliyu/taskkernel/pkg/kerneltypes"
)

var log = slog.Default()

// Config holds every setting needed to construct a Kernel.
type Config struct {
	WorkerCount        int           // Task Queue worker goroutines; default 4
	QueueCapacity      int           // 0 means unbounded
	ExecutorConcurrency int          // Parallel Executor's semaphore size; default 10

	BreakerFailureThreshold int           // default 5
	BreakerRecoveryTimeout  time.Duration // default 60s

	SchedulerPollInterval time.Duration // default 1s

	SnapshotDir      string        // empty disables persistence entirely
	SnapshotInterval time.Duration // 0 disables the periodic timer
	SnapshotRetention int          // default 5

	MetricsEnabled bool
	MetricsPort    int // default 9090
}

// Kernel is the single wired instance of the task system. Construct with
// New, then Start before submitting any work.
type Kernel struct {
	cfg Config

	Queue     *taskqueue.Queue
	Scheduler *scheduler.Scheduler
	Breakers  *circuitbreaker.Registry
	Pool      *resourcepool.Pool
	Metrics   *metrics.Collector

	mu      sync.Mutex
	started bool
}

// New constructs every subordinate component but starts none of them.
func New(cfg Config) (*Kernel, error) {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.ExecutorConcurrency <= 0 {
		cfg.ExecutorConcurrency = 10
	}
	if cfg.SchedulerPollInterval <= 0 {
		cfg.SchedulerPollInterval = time.Second
	}
	if cfg.MetricsPort <= 0 {
		cfg.MetricsPort = 9090
	}

	var collector *metrics.Collector
	var recorder taskqueue.Recorder // left nil when metrics are disabled, never a typed-nil *Collector
	if cfg.MetricsEnabled {
		collector = metrics.NewCollector()
		recorder = collector
	}

	var store taskqueue.Store
	if cfg.SnapshotDir != "" {
		fsStore, err := persistence.NewFSStore(cfg.SnapshotDir)
		if err != nil {
			return nil, fmt.Errorf("kernel: open snapshot store: %w", err)
		}
		store = fsStore
	}

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
	})
	pool := resourcepool.New()

	queue := taskqueue.New(taskqueue.Config{
		MaxQueueSize:     cfg.QueueCapacity,
		Store:            store,
		PersistenceDir:   cfg.SnapshotDir,
		SnapshotInterval: cfg.SnapshotInterval,
		MaxHistoryFiles:  cfg.SnapshotRetention,
	}, recorder)

	sched := scheduler.New(queue, cfg.SchedulerPollInterval)

	return &Kernel{
		cfg:       cfg,
		Queue:     queue,
		Scheduler: sched,
		Breakers:  breakers,
		Pool:      pool,
		Metrics:   collector,
	}, nil
}

// Start brings every subordinate component online: the queue's worker pool,
// the scheduler's dispatch loop, and (if configured) the metrics HTTP
// server. Calling Start twice without an intervening Stop is rejected, per
// spec.md §9.
func (k *Kernel) Start() error {
	k.mu.Lock()
	if k.started {
		k.mu.Unlock()
		return errorkit.New(errorkit.KindValidation, "kernel already started")
	}
	k.started = true
	k.mu.Unlock()

	if err := k.Queue.Start(k.cfg.WorkerCount); err != nil {
		return fmt.Errorf("kernel: start task queue: %w", err)
	}
	k.Scheduler.Start()

	if k.cfg.MetricsEnabled {
		go func() {
			if err := metrics.StartServer(k.cfg.MetricsPort, k.Metrics); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	log.Info("kernel started", "workers", k.cfg.WorkerCount, "metrics", k.cfg.MetricsEnabled)
	return nil
}

// Stop drains the scheduler and task queue in that order — so no new
// scheduled firing races a queue already mid-shutdown — then marks the
// kernel stopped. Idempotent.
func (k *Kernel) Stop() {
	k.mu.Lock()
	if !k.started {
		k.mu.Unlock()
		return
	}
	k.started = false
	k.mu.Unlock()

	k.Scheduler.Stop()
	k.Queue.Stop()
	log.Info("kernel stopped")
}

// NewExecutor returns a fresh, single-use Parallel Executor batch sharing
// this kernel's resource pool and breaker registry, per spec.md §4.4's
// "a registry maps breaker name -> breaker instance to allow cross-component
// sharing".
func (k *Kernel) NewExecutor() *parallelexecutor.Executor {
	return parallelexecutor.New(k.cfg.ExecutorConcurrency, k.Pool, k.Breakers)
}

// Submit forwards spec to the Task Queue.
func (k *Kernel) Submit(spec taskqueue.TaskSpec) (kerneltypes.TaskID, error) {
	return k.Queue.Submit(spec)
}

// Status is a point-in-time snapshot of the whole kernel, for the CLI's
// status command.
type Status struct {
	Queue    taskqueue.Stats
	Schedule []scheduler.Entry
	Breakers map[string]circuitbreaker.State
	Pool     map[string]float64
}

// Status gathers a consistent-enough snapshot across every component. There
// is no cross-component lock — each piece reports its own point-in-time
// state — which matches spec.md §6's "best-effort" framing for anything
// outside the task queue's own invariants.
func (k *Kernel) Status() Status {
	return Status{
		Queue:    k.Queue.Stats(),
		Schedule: k.Scheduler.ListAll(),
		Breakers: k.Breakers.States(),
		Pool:     k.Pool.Utilization(),
	}
}
