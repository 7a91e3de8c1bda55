// Package metrics collects and exposes Prometheus metrics for the task
// kernel, covering the Task Queue (RED: rate/errors/duration), the Parallel
// Executor's resource pool (USE: utilization), and circuit breaker state.
//
// Grounded in the teacher's internal/metrics.Collector (one struct holding
// pre-registered prometheus.Counter/Gauge/Histogram fields, a mutex that in
// practice only guards StartServer, simple Record*/Set* methods), adapted
// from the teacher's job-queue metric names (queue_jobs_*) to the kernel's
// domain (taskqueue_*, executor_resource_*, executor_breaker_state) and from
// a float64-seconds RecordCompleted to a time.Duration one so Collector
// satisfies internal/taskqueue.Recorder directly. Unlike the teacher, which
// registers against prometheus.DefaultRegisterer, Collector owns a private
// *prometheus.Registry so more than one instance can exist in a process
// (tests, multiple kernels) without a global-registration panic.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for one kernel instance.
type Collector struct {
	registry *prometheus.Registry

	tasksEnqueued   prometheus.Counter
	tasksDispatched prometheus.Counter
	tasksCompleted  prometheus.Counter
	tasksFailed     prometheus.Counter

	taskLatency prometheus.Histogram

	queuePending prometheus.Gauge
	queueRunning prometheus.Gauge

	resourceUtilization *prometheus.GaugeVec
	breakerState        *prometheus.GaugeVec
}

// NewCollector creates a Collector registered against its own private
// registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		tasksEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskqueue_tasks_enqueued_total",
			Help: "Total number of tasks submitted to the queue",
		}),
		tasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskqueue_tasks_dispatched_total",
			Help: "Total number of tasks handed to a worker",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskqueue_tasks_completed_total",
			Help: "Total number of tasks that completed successfully",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskqueue_tasks_failed_total",
			Help: "Total number of tasks that exhausted retries or timed out",
		}),
		taskLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskqueue_task_latency_seconds",
			Help:    "Task execution latency in seconds, per completed attempt",
			Buckets: prometheus.DefBuckets,
		}),
		queuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskqueue_tasks_pending",
			Help: "Current number of tasks waiting to run",
		}),
		queueRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskqueue_tasks_running",
			Help: "Current number of tasks being executed by a worker",
		}),
		resourceUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "executor_resource_utilization",
			Help: "Fraction of each resource class currently allocated",
		}, []string{"class"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "executor_breaker_state",
			Help: "Circuit breaker state per dependency: 0=closed, 1=half_open, 2=open",
		}, []string{"name"}),
	}

	c.registry.MustRegister(
		c.tasksEnqueued,
		c.tasksDispatched,
		c.tasksCompleted,
		c.tasksFailed,
		c.taskLatency,
		c.queuePending,
		c.queueRunning,
		c.resourceUtilization,
		c.breakerState,
	)

	return c
}

// RecordEnqueue records a task submission.
func (c *Collector) RecordEnqueue() {
	c.tasksEnqueued.Inc()
}

// RecordDispatch records a task being handed to a worker.
func (c *Collector) RecordDispatch() {
	c.tasksDispatched.Inc()
}

// RecordCompleted records a successful completion and its latency. Satisfies
// internal/taskqueue.Recorder.
func (c *Collector) RecordCompleted(latency time.Duration) {
	c.tasksCompleted.Inc()
	c.taskLatency.Observe(latency.Seconds())
}

// RecordFailed records a task that ended FAILED (retries exhausted or timed
// out).
func (c *Collector) RecordFailed() {
	c.tasksFailed.Inc()
}

// UpdateQueueStats sets the current pending/running gauges.
func (c *Collector) UpdateQueueStats(pending, running int) {
	c.queuePending.Set(float64(pending))
	c.queueRunning.Set(float64(running))
}

// SetResourceUtilization sets the utilization gauge for one resource class,
// per internal/parallelexecutor.Metrics.ResourceUsage.
func (c *Collector) SetResourceUtilization(class string, fraction float64) {
	c.resourceUtilization.WithLabelValues(class).Set(fraction)
}

// breakerStateCode maps a circuit breaker state name to the numeric code
// documented on the executor_breaker_state gauge, without importing
// internal/circuitbreaker (its State is just a string already).
func breakerStateCode(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// SetBreakerState sets the breaker-state gauge for one named breaker, per
// internal/parallelexecutor.Metrics.BreakerStates.
func (c *Collector) SetBreakerState(name, state string) {
	c.breakerState.WithLabelValues(name).Set(breakerStateCode(state))
}

// Handler returns an http.Handler serving this collector's metrics in
// Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer starts an HTTP server exposing c's metrics at /metrics.
func StartServer(port int, c *Collector) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
