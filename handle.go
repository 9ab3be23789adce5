package asyncio

import (
	"sync/atomic"
	"time"
)

// Handle is a deferred callback record. Handles are created by the
// scheduling and I/O registration methods of [EventLoop]; cancelling a
// handle only marks it, and dispatch skips cancelled handles.
type Handle struct {
	callback  func()
	cancelled atomic.Bool
}

func newHandle(callback func()) *Handle {
	return &Handle{callback: callback}
}

// Cancel marks the handle so its callback will never run. Safe to call
// from any goroutine and after dispatch.
func (h *Handle) Cancel() {
	h.cancelled.Store(true)
}

// Cancelled reports whether the handle has been cancelled.
func (h *Handle) Cancelled() bool {
	return h.cancelled.Load()
}

// TimerHandle is a [Handle] with a deadline. Timer handles are ordered by
// deadline in a min-heap, ties broken by scheduling order. Cancelled timers
// are tombstones, skipped at dispatch.
type TimerHandle struct {
	Handle
	when time.Time
	seq  uint64
}

// When returns the scheduled fire time.
func (h *TimerHandle) When() time.Time {
	return h.when
}

// timerHeap is a min-heap of timer handles implementing heap.Interface.
type timerHeap []*TimerHandle

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(*TimerHandle))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}
