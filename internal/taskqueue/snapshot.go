package taskqueue

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/chuliyu/taskkernel/pkg/kerneltypes"
)

const snapshotPrefix = "tasks_"

// takeSnapshot writes every non-terminal task to a timestamped file in
// Config.Store (named relative to the Store's root), per SPEC_FULL.md §6, then prunes
// files beyond Config.MaxHistoryFiles, oldest first. Restoration (Restore)
// never re-runs these tasks: the callable reference is not serialisable, so
// a reload is informational only, matching original_source/augment_adam/
// core/task_persistence.py's load_queue.
func (q *Queue) takeSnapshot() error {
	q.mu.Lock()
	data := kerneltypes.SnapshotData{
		Timestamp:    time.Now().Unix(),
		MaxWorkers:   q.workers,
		MaxQueueSize: q.cfg.MaxQueueSize,
		Tasks:        make(map[kerneltypes.TaskID]kerneltypes.Task),
	}
	for id, e := range q.entries {
		if e.task.Status.Terminal() {
			continue
		}
		data.Tasks[id] = e.task
	}
	q.mu.Unlock()

	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	name := snapshotPrefix + strconv.FormatInt(data.Timestamp, 10) + ".json"
	if err := q.cfg.Store.Write(name, payload); err != nil {
		return err
	}
	return q.pruneSnapshotsLocked()
}

func (q *Queue) pruneSnapshotsLocked() error {
	retention := q.cfg.MaxHistoryFiles
	if retention <= 0 {
		retention = 5
	}

	names, err := q.cfg.Store.List(snapshotPrefix)
	if err != nil {
		return err
	}
	if len(names) <= retention {
		return nil
	}
	// List returns names in ascending sort order; epoch-seconds filenames
	// therefore sort oldest-first.
	stale := names[:len(names)-retention]
	for _, name := range stale {
		if err := q.cfg.Store.Delete(name); err != nil {
			return err
		}
	}
	return nil
}

// RestoredTask is one entry from a loaded snapshot: enough to report on and
// to re-submit deliberately, but never executed automatically.
type RestoredTask = kerneltypes.Task

// Restore reads the most recent snapshot under Config.Store (by filename
// order) and returns its non-terminal tasks for inspection. It does not
// re-register, re-queue, or execute anything — per spec.md §4.1, "the
// kernel makes no attempt to re-run tasks from a snapshot".
func (q *Queue) Restore() (kerneltypes.SnapshotData, error) {
	names, err := q.cfg.Store.List(snapshotPrefix)
	if err != nil {
		return kerneltypes.SnapshotData{}, err
	}
	if len(names) == 0 {
		return kerneltypes.SnapshotData{}, nil
	}

	latest := names[len(names)-1]
	raw, err := q.cfg.Store.Read(latest)
	if err != nil {
		return kerneltypes.SnapshotData{}, err
	}

	var data kerneltypes.SnapshotData
	if err := json.Unmarshal(raw, &data); err != nil {
		return kerneltypes.SnapshotData{}, err
	}
	return data, nil
}

func (q *Queue) snapshotLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			if err := q.takeSnapshot(); err != nil {
				slog.Default().Warn("periodic snapshot failed", "error", err)
			}
		}
	}
}
