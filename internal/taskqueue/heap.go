package taskqueue

import "github.com/chuliyu/taskkernel/pkg/kerneltypes"

// heapItem is one entry in the pending-task min-heap. The heap orders by
// priority descending, then insertion sequence ascending, so Pop always
// yields the spec's "highest priority, FIFO among equals" task first.
type heapItem struct {
	id       kerneltypes.TaskID
	priority int
	seq      uint64
}

// priorityHeap implements container/heap.Interface.
type priorityHeap []*heapItem

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *priorityHeap) Push(x any) {
	*h = append(*h, x.(*heapItem))
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
