package taskqueue

import (
	"testing"
	"time"

	"github.com/chuliyu/taskkernel/internal/persistence"
	"github.com/chuliyu/taskkernel/pkg/kerneltypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSnapshotRestoreRoundTrip exercises Config.Store end to end: a queue
// with a blocked worker takes a snapshot of its non-terminal tasks, and a
// second, independently constructed Queue restores the same max_workers,
// max_queue_size, and non-terminal task id set from it, per spec.md §8.
func TestSnapshotRestoreRoundTrip(t *testing.T) {
	store, err := persistence.NewFSStore(t.TempDir())
	require.NoError(t, err)

	cfg := Config{MaxQueueSize: 7, Store: store, MaxHistoryFiles: 5}
	q := New(cfg, nil)
	require.NoError(t, q.Start(3))

	block := make(chan struct{})
	blocking := kerneltypes.Callable(func(ctx kerneltypes.CallContext) (any, error) {
		<-block
		return nil, nil
	})

	pendingID, err := q.Submit(TaskSpec{
		ID:       "pending",
		Prereqs:  []kerneltypes.TaskID{"never-submitted"},
		Callable: blocking,
	})
	require.NoError(t, err)

	runningID, err := q.Submit(TaskSpec{ID: "running", Callable: blocking})
	require.NoError(t, err)
	// give the worker pool a chance to pick "running" up before snapshotting.
	time.Sleep(50 * time.Millisecond)

	doneID, err := q.Submit(TaskSpec{ID: "done", Callable: echoCallable(nil)})
	require.NoError(t, err)
	_, ok := q.Await(doneID, 2*time.Second)
	require.True(t, ok)

	require.NoError(t, q.takeSnapshot())

	// Restore before stopping q: Stop writes its own final snapshot, by which
	// time "running" has finished, and that newer file would be the one read.
	fresh := New(Config{Store: store}, nil)
	data, err := fresh.Restore()
	require.NoError(t, err)
	close(block)
	q.Stop()

	assert.Equal(t, 3, data.MaxWorkers)
	assert.Equal(t, 7, data.MaxQueueSize)

	nonTerminal := make(map[kerneltypes.TaskID]struct{}, len(data.Tasks))
	for id := range data.Tasks {
		nonTerminal[id] = struct{}{}
	}
	assert.Equal(t, map[kerneltypes.TaskID]struct{}{
		pendingID: {},
		runningID: {},
	}, nonTerminal)
	assert.NotContains(t, nonTerminal, doneID)
}
