// Package persistence implements the minimal read/write/list/delete store
// contract described in SPEC_FULL.md §6, and the atomic-write discipline
// needed for the Task Queue's best-effort snapshots: best-effort, not a
// write-ahead log (spec.md §1 Non-goals: "durable queueing that survives
// arbitrary crash points" is explicitly out of scope).
//
// Grounded in the teacher's internal/snapshot.Manager (temp-file-then-rename
// atomic writes, one mutex serialising writers) and in original_source/
// augment_adam/core/task_persistence.py's TaskPersistence (timestamped
// filenames, retention by keeping the newest N, restoration that is
// informational only — it never reconstructs callables).
package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Read when path does not exist.
var ErrNotFound = errors.New("persistence: not found")

// FSStore is a directory-backed Store: each path is a file under Dir.
type FSStore struct {
	mu  sync.Mutex
	dir string
}

// NewFSStore creates a store rooted at dir, creating it if necessary.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "persistence: create directory")
	}
	return &FSStore{dir: dir}, nil
}

// Write atomically replaces the file at path with data: it writes to a
// sibling temp file first, then renames over the destination, so a reader
// never observes a partially written file and a crash mid-write leaves the
// previous snapshot (or nothing) rather than corrupt bytes.
func (s *FSStore) Write(path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	full := s.resolve(path)
	tmp := full + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "persistence: write temp file for %s", path)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "persistence: rename into place for %s", path)
	}
	return nil
}

// Read returns the bytes stored at path, or ErrNotFound.
func (s *FSStore) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(s.resolve(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "persistence: read %s", path)
	}
	return data, nil
}

// List returns every path under the store whose name has the given prefix,
// sorted ascending (oldest-first for the kernel's epoch-seconds filenames).
func (s *FSStore) List(prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, "persistence: list directory")
	}

	var out []string
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if len(name) >= len(".tmp") && name[len(name)-len(".tmp"):] == ".tmp" {
			continue
		}
		if len(prefix) == 0 || (len(name) >= len(prefix) && name[:len(prefix)] == prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Delete removes the file at path. Deleting a nonexistent path is not an
// error.
func (s *FSStore) Delete(path string) error {
	if err := os.Remove(s.resolve(path)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "persistence: delete %s", path)
	}
	return nil
}

func (s *FSStore) resolve(path string) string {
	return filepath.Join(s.dir, path)
}

// SnapshotName builds the `tasks_<epoch-seconds>.json` filename spec.md §6
// requires, given a Unix-seconds timestamp.
func SnapshotName(epochSeconds int64) string {
	return fmt.Sprintf("tasks_%d.json", epochSeconds)
}
