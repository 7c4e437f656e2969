// Package scheduler implements a Min-Heap based flush scheduler.
//
// A queue with buffered delayable writes registers a flush deadline. The
// Scheduler goroutine peeks at the heap root (the soonest deadline), sleeps
// until that point, then pops it and fires the callback for its key.
//
//   - Min-Heap peek   → O(1)
//   - Min-Heap insert → O(log N)
//   - Cancel / Fix    → O(log N) through the per-key index
//
// A buffered notify channel lets Schedule() interrupt the sleep early whenever
// a deadline earlier than the current root is added.
package scheduler

import (
	"container/heap"
	"time"
)

// item is one entry in the scheduler Min-Heap. There is at most one item per
// key.
type item struct {
	key string
	due time.Time

	// heapIdx is the item's current position in the heap slice.
	// Maintained by minHeap.Swap so Cancel and Fix can address it directly.
	heapIdx int
}

// minHeap is a slice of *item that satisfies heap.Interface.
// The earliest due time sits at index 0.
type minHeap []*item

func (h minHeap) Len() int { return len(h) }

func (h minHeap) Less(i, j int) bool {
	return h[i].due.Before(h[j].due)
}

func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *minHeap) Push(x any) {
	n := len(*h)
	it := x.(*item)
	it.heapIdx = n
	*h = append(*h, it)
}

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil  // allow GC
	it.heapIdx = -1 // mark as not in heap
	*h = old[:n-1]
	return it
}

// remove removes the item at position idx and re-heapifies in O(log N).
func (h *minHeap) remove(idx int) *item {
	return heap.Remove(h, idx).(*item)
}
