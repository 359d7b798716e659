package sched

import "container/heap"

// Instant is a monotonic tick count, the scheduler's notion of "now" and of
// a deadline. It is deliberately a plain integer rather than a wall-clock
// type: the clock package's TickSource is what produces these values, and
// the scheduler only ever compares them, matching schedule.cpp's
// km::os_instant.
type Instant uint64

// sleepEntry is one pending wake in the global sleep queue.
type sleepEntry struct {
	wake   Instant
	thread Weak
}

// sleepHeap is a min-heap of sleepEntry ordered by wake time, backing
// GlobalSchedule.mSleepQueue's std::priority_queue (inverted: the original
// uses a max-heap with a greater-than comparator to get min-at-top, this
// just orders ascending directly).
type sleepHeap []sleepEntry

func (h sleepHeap) Len() int            { return len(h) }
func (h sleepHeap) Less(i, j int) bool  { return h[i].wake < h[j].wake }
func (h sleepHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *sleepHeap) Push(x interface{}) { *h = append(*h, x.(sleepEntry)) }
func (h *sleepHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

// waitEntry is one pending wake in a per-object wait queue.
type waitEntry struct {
	timeout Instant
	thread  Weak
}

type waitHeap []waitEntry

func (h waitHeap) Len() int            { return len(h) }
func (h waitHeap) Less(i, j int) bool  { return h[i].timeout < h[j].timeout }
func (h waitHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *waitHeap) Push(x interface{}) { *h = append(*h, x.(waitEntry)) }
func (h *waitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

var (
	_ heap.Interface = (*sleepHeap)(nil)
	_ heap.Interface = (*waitHeap)(nil)
)
