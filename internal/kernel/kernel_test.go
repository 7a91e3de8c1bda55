package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chuliyu/taskkernel/internal/parallelexecutor"
	"github.com/chuliyu/taskkernel/internal/scheduler"
	"github.com/chuliyu/taskkernel/internal/taskqueue"
	"github.com/chuliyu/taskkernel/pkg/kerneltypes"
)

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	k, err := New(Config{WorkerCount: 2, SchedulerPollInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, k.Start())
	t.Cleanup(k.Stop)
	return k
}

func echo(ctx kerneltypes.CallContext) (any, error) {
	return ctx.Args, nil
}

func TestNewAppliesDefaults(t *testing.T) {
	k, err := New(Config{})
	require.NoError(t, err)
	assert.NotNil(t, k.Queue)
	assert.NotNil(t, k.Scheduler)
	assert.NotNil(t, k.Breakers)
	assert.NotNil(t, k.Pool)
	assert.Nil(t, k.Metrics, "metrics are opt-in")

	assert.Equal(t, 4, k.cfg.WorkerCount)
	assert.Equal(t, 10, k.cfg.ExecutorConcurrency)
	assert.Equal(t, time.Second, k.cfg.SchedulerPollInterval)
	assert.Equal(t, 9090, k.cfg.MetricsPort)
}

func TestStartTwiceIsRejected(t *testing.T) {
	k := newTestKernel(t)
	err := k.Start()
	assert.Error(t, err)
}

func TestStopIsIdempotent(t *testing.T) {
	k := newTestKernel(t)
	k.Stop()
	assert.NotPanics(t, func() { k.Stop() })
}

func TestSubmitRunsATask(t *testing.T) {
	k := newTestKernel(t)

	id, err := k.Submit(taskqueue.TaskSpec{Name: "echo", Callable: echo, Args: []any{1}})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		stats := k.Status().Queue
		return stats.ByStatus[kerneltypes.StatusCompleted] == 1
	}, time.Second, 10*time.Millisecond)
}

func TestScheduleFiresIntoTheQueue(t *testing.T) {
	k := newTestKernel(t)

	k.Scheduler.Schedule(scheduler.Spec{When: time.Now(), Callable: echo})

	require.Eventually(t, func() bool {
		return k.Status().Queue.ByStatus[kerneltypes.StatusCompleted] >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestNewExecutorSharesPoolAndBreakers(t *testing.T) {
	k := newTestKernel(t)
	ex := k.NewExecutor()
	require.NotNil(t, ex)

	require.True(t, k.Pool.Allocate("outside", []kerneltypes.ResourceRequirement{{Class: "gpu", Amount: 1.0}}))

	ex.Add(parallelexecutor.Spec{ID: "only", BreakerName: "shared-dep", Callable: echo, Args: []any{1}})
	ex.Add(parallelexecutor.Spec{
		ID:        "needs-gpu",
		Resources: []kerneltypes.ResourceRequirement{{Class: "gpu", Amount: 0.5}},
		Callable:  echo,
		Args:      []any{2},
	})
	results, err := ex.ExecuteAll(context.Background())
	require.NoError(t, err)
	assert.Contains(t, results, kerneltypes.TaskID("only"))
	assert.NotNil(t, results["only"])
	assert.Nil(t, results["needs-gpu"], "the kernel pool's gpu is fully held, so the executor must see it")

	_, ok := k.Breakers.Get("shared-dep")
	assert.True(t, ok, "the executor's breaker must land in the kernel's registry")
}

func TestStatusReportsEveryComponent(t *testing.T) {
	k := newTestKernel(t)
	status := k.Status()
	assert.NotNil(t, status.Breakers)
	assert.NotNil(t, status.Pool)
	assert.Equal(t, 2, status.Queue.WorkerCount)
}
