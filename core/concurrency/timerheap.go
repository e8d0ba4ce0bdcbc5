// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Min-heap of one-shot loop timers.

package concurrency

import (
	"container/heap"
	"time"
)

type timer struct {
	when time.Time
	seq  uint64
	fn   func(status error)
}

// timerHeap orders timers by deadline, then by arming order.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) { *h = append(*h, x.(*timer)) }

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// popDue appends every timer due at now to dst.
func (h *timerHeap) popDue(now time.Time, dst []*timer) []*timer {
	for h.Len() > 0 && !(*h)[0].when.After(now) {
		dst = append(dst, heap.Pop(h).(*timer))
	}
	return dst
}

// next returns the earliest deadline.
func (h timerHeap) next() (time.Time, bool) {
	if len(h) == 0 {
		return time.Time{}, false
	}
	return h[0].when, true
}
