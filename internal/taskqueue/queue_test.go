package taskqueue

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chuliyu/taskkernel/internal/errorkit"
	"github.com/chuliyu/taskkernel/pkg/kerneltypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoCallable(value any) kerneltypes.Callable {
	return func(kerneltypes.CallContext) (any, error) {
		return value, nil
	}
}

func TestSubmitAndAwaitCompleted(t *testing.T) {
	q := New(Config{}, nil)
	require.NoError(t, q.Start(2))
	defer q.Stop()

	id, err := q.Submit(TaskSpec{Callable: echoCallable(42)})
	require.NoError(t, err)

	result, ok := q.Await(id, 2*time.Second)
	assert.True(t, ok)
	assert.Equal(t, 42, result)

	task, found := q.Get(id)
	require.True(t, found)
	assert.Equal(t, kerneltypes.StatusCompleted, task.Status)
}

func TestSubmitDuplicateID(t *testing.T) {
	q := New(Config{}, nil)
	require.NoError(t, q.Start(1))
	defer q.Stop()

	_, err := q.Submit(TaskSpec{ID: "dup", Callable: echoCallable(nil)})
	require.NoError(t, err)

	_, err = q.Submit(TaskSpec{ID: "dup", Callable: echoCallable(nil)})
	assert.ErrorIs(t, err, errorkit.ErrDuplicateID)
}

func TestSubmitQueueFull(t *testing.T) {
	q := New(Config{MaxQueueSize: 1}, nil)

	block := make(chan struct{})
	blocking := kerneltypes.Callable(func(ctx kerneltypes.CallContext) (any, error) {
		<-block
		return nil, nil
	})

	require.NoError(t, q.Start(1))
	defer func() {
		close(block)
		q.Stop()
	}()

	_, err := q.Submit(TaskSpec{ID: "a", Callable: blocking})
	require.NoError(t, err)
	// give the single worker a chance to pick "a" up so the heap is empty
	// again, then fill it with "b" and overflow with "c".
	time.Sleep(50 * time.Millisecond)

	_, err = q.Submit(TaskSpec{ID: "b", Callable: echoCallable(nil)})
	require.NoError(t, err)

	_, err = q.Submit(TaskSpec{ID: "c", Callable: echoCallable(nil)})
	assert.ErrorIs(t, err, errorkit.ErrQueueFull)
}

func TestPriorityOrdering(t *testing.T) {
	q := New(Config{}, nil)

	var mu sync.Mutex
	var order []string

	gate := make(chan struct{})
	record := func(label string) kerneltypes.Callable {
		return func(kerneltypes.CallContext) (any, error) {
			<-gate
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
			return nil, nil
		}
	}

	// Single worker so submissions strictly serialise by the heap's order.
	require.NoError(t, q.Start(1))
	defer q.Stop()

	lowID, err := q.Submit(TaskSpec{ID: "low", Priority: 1, Callable: record("low")})
	require.NoError(t, err)
	highID, err := q.Submit(TaskSpec{ID: "high", Priority: 10, Callable: record("high")})
	require.NoError(t, err)

	close(gate)
	q.Await(lowID, 2*time.Second)
	q.Await(highID, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 2)
	assert.Equal(t, "high", order[0], "higher priority task must dispatch first")
}

func TestRetryThenSucceed(t *testing.T) {
	q := New(Config{}, nil)
	require.NoError(t, q.Start(1))
	defer q.Stop()

	var attempts int32
	flaky := kerneltypes.Callable(func(kerneltypes.CallContext) (any, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return nil, fmt.Errorf("not yet")
		}
		return "ok", nil
	})

	id, err := q.Submit(TaskSpec{Callable: flaky, MaxRetries: 3, RetryDelay: time.Millisecond})
	require.NoError(t, err)

	result, ok := q.Await(id, 2*time.Second)
	assert.True(t, ok)
	assert.Equal(t, "ok", result)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestRetriesExhaustedFails(t *testing.T) {
	q := New(Config{}, nil)
	require.NoError(t, q.Start(1))
	defer q.Stop()

	alwaysFails := kerneltypes.Callable(func(kerneltypes.CallContext) (any, error) {
		return nil, fmt.Errorf("boom")
	})

	id, err := q.Submit(TaskSpec{Callable: alwaysFails, MaxRetries: 1, RetryDelay: time.Millisecond})
	require.NoError(t, err)

	_, ok := q.Await(id, 2*time.Second)
	assert.False(t, ok)

	task, found := q.Get(id)
	require.True(t, found)
	assert.Equal(t, kerneltypes.StatusFailed, task.Status)
	assert.Contains(t, task.Error, "boom")
}

func TestTimeoutFailsTask(t *testing.T) {
	q := New(Config{}, nil)
	require.NoError(t, q.Start(1))
	defer q.Stop()

	neverReturns := kerneltypes.Callable(func(ctx kerneltypes.CallContext) (any, error) {
		<-ctx.Context.Done()
		select {} // never returns on its own; queue must not wait for it
	})

	id, err := q.Submit(TaskSpec{Callable: neverReturns, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, ok := q.Await(id, 2*time.Second)
	assert.False(t, ok)

	task, found := q.Get(id)
	require.True(t, found)
	assert.Equal(t, kerneltypes.StatusFailed, task.Status)
	assert.Equal(t, errorkit.ErrTimedOut.Error(), task.Error)
}

func TestTimeoutRetriesBeforeFailing(t *testing.T) {
	q := New(Config{}, nil)
	require.NoError(t, q.Start(1))
	defer q.Stop()

	neverReturns := kerneltypes.Callable(func(ctx kerneltypes.CallContext) (any, error) {
		<-ctx.Context.Done()
		select {}
	})

	id, err := q.Submit(TaskSpec{
		Callable:   neverReturns,
		Timeout:    20 * time.Millisecond,
		MaxRetries: 1,
		RetryDelay: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	_, ok := q.Await(id, 2*time.Second)
	assert.False(t, ok)

	task, found := q.Get(id)
	require.True(t, found)
	assert.Equal(t, kerneltypes.StatusFailed, task.Status)
	assert.Equal(t, 0, task.RetriesLeft, "both the original attempt and its one retry must have timed out")
}

func TestTimeoutThenSuccessOnRetry(t *testing.T) {
	q := New(Config{}, nil)
	require.NoError(t, q.Start(1))
	defer q.Stop()

	var attempt int32
	callable := kerneltypes.Callable(func(ctx kerneltypes.CallContext) (any, error) {
		n := atomic.AddInt32(&attempt, 1)
		if n == 1 {
			<-ctx.Context.Done()
			<-make(chan struct{}) // first attempt times out
		}
		return "ok", nil // the retry returns promptly
	})

	id, err := q.Submit(TaskSpec{
		Callable:   callable,
		Timeout:    20 * time.Millisecond,
		MaxRetries: 1,
		RetryDelay: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	result, ok := q.Await(id, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, "ok", result)

	task, found := q.Get(id)
	require.True(t, found)
	assert.Equal(t, kerneltypes.StatusCompleted, task.Status)
}

func TestDependencyRespected(t *testing.T) {
	q := New(Config{}, nil)
	require.NoError(t, q.Start(2))
	defer q.Stop()

	var mu sync.Mutex
	var order []string
	record := func(label string) kerneltypes.Callable {
		return func(kerneltypes.CallContext) (any, error) {
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
			return nil, nil
		}
	}

	childID, err := q.Submit(TaskSpec{ID: "child", Prereqs: []kerneltypes.TaskID{"parent"}, Callable: record("child")})
	require.NoError(t, err)
	parentID, err := q.Submit(TaskSpec{ID: "parent", Callable: record("parent")})
	require.NoError(t, err)

	q.Await(parentID, 2*time.Second)
	q.Await(childID, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 2)
	assert.Equal(t, "parent", order[0])
	assert.Equal(t, "child", order[1])
}

func TestCancelPendingTask(t *testing.T) {
	q := New(Config{}, nil)
	require.NoError(t, q.Start(0)) // still spawns a minimum of 1
	defer q.Stop()

	block := make(chan struct{})
	defer close(block)
	busy := kerneltypes.Callable(func(kerneltypes.CallContext) (any, error) {
		<-block
		return nil, nil
	})
	_, err := q.Submit(TaskSpec{ID: "busy", Callable: busy})
	require.NoError(t, err)

	id, err := q.Submit(TaskSpec{ID: "waiting", Callable: echoCallable(nil)})
	require.NoError(t, err)

	ok := q.Cancel(id)
	assert.True(t, ok)

	task, found := q.Get(id)
	require.True(t, found)
	assert.Equal(t, kerneltypes.StatusCancelled, task.Status)
}

func TestCancelUnknownTask(t *testing.T) {
	q := New(Config{}, nil)
	require.NoError(t, q.Start(1))
	defer q.Stop()

	assert.False(t, q.Cancel("does-not-exist"))
}

func TestStatsCountsByStatus(t *testing.T) {
	q := New(Config{}, nil)
	require.NoError(t, q.Start(2))
	defer q.Stop()

	id, err := q.Submit(TaskSpec{Callable: echoCallable(nil)})
	require.NoError(t, err)
	q.Await(id, 2*time.Second)

	stats := q.Stats()
	assert.Equal(t, 2, stats.WorkerCount)
	assert.Equal(t, 1, stats.ByStatus[kerneltypes.StatusCompleted])
}

func TestStartTwiceRejected(t *testing.T) {
	q := New(Config{}, nil)
	require.NoError(t, q.Start(1))
	defer q.Stop()

	err := q.Start(1)
	assert.Error(t, err)
}
