// Package depgraph implements the DAG of task-id -> prerequisites described
// in spec.md §4.6: parallel prereqs/dependents adjacency maps, DFS cycle
// detection, and ready-set computation. Grounded in spec.md §4.6 directly
// (the Python parallel_executor.py keeps similar bookkeeping inline rather
// than as a standalone type), expressed in the teacher's mutex-guarded-map
// idiom (internal/jobmanager.JobManager).
package depgraph

import (
	"sync"

	"github.com/chuliyu/taskkernel/pkg/kerneltypes"
)

// Graph holds two parallel adjacency maps: prereqs[id] and dependents[id].
type Graph struct {
	mu         sync.RWMutex
	prereqs    map[kerneltypes.TaskID]map[kerneltypes.TaskID]bool
	dependents map[kerneltypes.TaskID]map[kerneltypes.TaskID]bool
}

// New creates an empty dependency graph.
func New() *Graph {
	return &Graph{
		prereqs:    make(map[kerneltypes.TaskID]map[kerneltypes.TaskID]bool),
		dependents: make(map[kerneltypes.TaskID]map[kerneltypes.TaskID]bool),
	}
}

// AddNode registers id with no prerequisites, if not already present. Every
// other method also implicitly registers the ids it is given, so calling
// AddNode is only needed for isolated tasks that may never appear as an
// edge endpoint (e.g. a task with no prereqs and no dependents submitted
// before any edge touches it).
func (g *Graph) AddNode(id kerneltypes.TaskID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureLocked(id)
}

func (g *Graph) ensureLocked(id kerneltypes.TaskID) {
	if _, ok := g.prereqs[id]; !ok {
		g.prereqs[id] = make(map[kerneltypes.TaskID]bool)
	}
	if _, ok := g.dependents[id]; !ok {
		g.dependents[id] = make(map[kerneltypes.TaskID]bool)
	}
}

// AddEdge records that task depends on prereq: prereq must complete before
// task may start.
func (g *Graph) AddEdge(task, prereq kerneltypes.TaskID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ensureLocked(task)
	g.ensureLocked(prereq)

	g.prereqs[task][prereq] = true
	g.dependents[prereq][task] = true
}

// RemoveEdge undoes a previously added edge, if present.
func (g *Graph) RemoveEdge(task, prereq kerneltypes.TaskID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if m, ok := g.prereqs[task]; ok {
		delete(m, prereq)
	}
	if m, ok := g.dependents[prereq]; ok {
		delete(m, task)
	}
}

// PrereqsOf returns the prerequisite ids of id.
func (g *Graph) PrereqsOf(id kerneltypes.TaskID) []kerneltypes.TaskID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return keys(g.prereqs[id])
}

// DependentsOf returns the ids that list id as a prerequisite.
func (g *Graph) DependentsOf(id kerneltypes.TaskID) []kerneltypes.TaskID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return keys(g.dependents[id])
}

func keys(m map[kerneltypes.TaskID]bool) []kerneltypes.TaskID {
	out := make([]kerneltypes.TaskID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// HasCycle runs a DFS with a recursion stack over the prereqs adjacency and
// reports whether a back-edge exists. O(V+E).
func (g *Graph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[kerneltypes.TaskID]int, len(g.prereqs))

	var visit func(id kerneltypes.TaskID) bool
	visit = func(id kerneltypes.TaskID) bool {
		color[id] = gray
		for prereq := range g.prereqs[id] {
			switch color[prereq] {
			case gray:
				return true // back-edge: cycle
			case white:
				if visit(prereq) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for id := range g.prereqs {
		if color[id] == white {
			if visit(id) {
				return true
			}
		}
	}
	return false
}

// Ready returns every known id not present in completed whose prerequisites
// are all present in completed.
func (g *Graph) Ready(completed map[kerneltypes.TaskID]bool) []kerneltypes.TaskID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []kerneltypes.TaskID
	for id, prereqs := range g.prereqs {
		if completed[id] {
			continue
		}
		ok := true
		for prereq := range prereqs {
			if !completed[prereq] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// HasEdges reports whether the graph contains at least one edge, used by
// internal/parallelexecutor to take the "no dependencies at all" shortcut
// from spec.md §4.2.
func (g *Graph) HasEdges() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, prereqs := range g.prereqs {
		if len(prereqs) > 0 {
			return true
		}
	}
	return false
}

// Nodes returns every id currently registered in the graph.
func (g *Graph) Nodes() []kerneltypes.TaskID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]kerneltypes.TaskID, 0, len(g.prereqs))
	for id := range g.prereqs {
		out = append(out, id)
	}
	return out
}
