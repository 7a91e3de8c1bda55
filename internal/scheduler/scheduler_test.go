package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/chuliyu/taskkernel/internal/taskqueue"
	"github.com/chuliyu/taskkernel/pkg/kerneltypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(kerneltypes.CallContext) (any, error) { return nil, nil }

func newRunningQueue(t *testing.T) *taskqueue.Queue {
	t.Helper()
	q := taskqueue.New(taskqueue.Config{}, nil)
	require.NoError(t, q.Start(2))
	t.Cleanup(q.Stop)
	return q
}

func TestScheduleOneShotFiresOnce(t *testing.T) {
	q := newRunningQueue(t)
	s := New(q, 10*time.Millisecond)
	s.Start()
	defer s.Stop()

	var calls int32
	s.Schedule(Spec{
		ID:   "once",
		When: time.Now(),
		Callable: func(kerneltypes.CallContext) (any, error) {
			atomic.AddInt32(&calls, 1)
			return nil, nil
		},
	})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "one-shot entry must not fire again")

	entry, ok := s.Lookup("once")
	require.True(t, ok)
	assert.False(t, entry.Active)
	assert.Equal(t, 1, entry.Runs)
}

func TestSchedulePeriodicFiresRepeatedlyUpToMaxRuns(t *testing.T) {
	q := newRunningQueue(t)
	s := New(q, 10*time.Millisecond)
	s.Start()
	defer s.Stop()

	var calls int32
	s.Schedule(Spec{
		ID:       "periodic",
		When:     time.Now(),
		Interval: 20 * time.Millisecond,
		MaxRuns:  3,
		Callable: func(kerneltypes.CallContext) (any, error) {
			atomic.AddInt32(&calls, 1)
			return nil, nil
		},
	})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 3
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "must stop after max_runs")

	entry, ok := s.Lookup("periodic")
	require.True(t, ok)
	assert.False(t, entry.Active)
	assert.Equal(t, 3, entry.Runs)
}

func TestCancelPreventsFutureFirings(t *testing.T) {
	q := newRunningQueue(t)
	s := New(q, 10*time.Millisecond)
	s.Start()
	defer s.Stop()

	var calls int32
	s.Schedule(Spec{
		ID:       "cancel-me",
		When:     time.Now().Add(30 * time.Millisecond),
		Interval: 10 * time.Millisecond,
		Callable: func(kerneltypes.CallContext) (any, error) {
			atomic.AddInt32(&calls, 1)
			return nil, nil
		},
	})

	ok := s.Cancel("cancel-me")
	assert.True(t, ok)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestCancelUnknownEntry(t *testing.T) {
	q := newRunningQueue(t)
	s := New(q, 10*time.Millisecond)
	assert.False(t, s.Cancel("does-not-exist"))
}

func TestListAllReportsEveryEntry(t *testing.T) {
	q := newRunningQueue(t)
	s := New(q, 10*time.Millisecond)

	s.Schedule(Spec{ID: "a", When: time.Now().Add(time.Hour), Callable: noop})
	s.Schedule(Spec{ID: "b", When: time.Now().Add(time.Hour), Callable: noop})

	all := s.ListAll()
	assert.Len(t, all, 2)
}

func TestEachFiringGetsAUniqueQueueID(t *testing.T) {
	q := newRunningQueue(t)
	s := New(q, 10*time.Millisecond)
	s.Start()
	defer s.Stop()

	var calls int32
	s.Schedule(Spec{
		ID:       "ids",
		When:     time.Now(),
		Interval: 15 * time.Millisecond,
		MaxRuns:  2,
		Callable: func(kerneltypes.CallContext) (any, error) {
			atomic.AddInt32(&calls, 1)
			return nil, nil
		},
	})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 2
	}, 2*time.Second, 10*time.Millisecond)

	_, firstOK := q.Get("ids#1")
	_, secondOK := q.Get("ids#2")
	assert.True(t, firstOK)
	assert.True(t, secondOK)
}

func TestStartIsIdempotent(t *testing.T) {
	q := newRunningQueue(t)
	s := New(q, 10*time.Millisecond)
	s.Start()
	s.Start()
	defer s.Stop()
}
