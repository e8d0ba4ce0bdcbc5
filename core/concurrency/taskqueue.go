// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Cross-thread task ingress for an event loop.

package concurrency

import "sync/atomic"

// taskQueue collects tasks from any goroutine. The owning loop takes the
// whole pending slice at once and hands back the slice it finished with as
// the next standby, so steady state pushes do not allocate.
type taskQueue struct {
	lock    SpinLock
	pending []func()
	standby []func()
	closed  bool
	size    atomic.Int32
}

// push appends fn. It reports false once the queue is closed.
func (q *taskQueue) push(fn func()) bool {
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		return false
	}
	q.pending = append(q.pending, fn)
	q.size.Add(1)
	q.lock.Unlock()
	return true
}

// swap takes the pending batch. Owner only.
func (q *taskQueue) swap() []func() {
	q.lock.Lock()
	batch := q.pending
	q.pending = q.standby[:0]
	q.standby = nil
	q.size.Store(0)
	q.lock.Unlock()
	return batch
}

// recycle returns a processed batch for reuse as standby. Owner only.
func (q *taskQueue) recycle(batch []func()) {
	clear(batch)
	q.lock.Lock()
	q.standby = batch[:0]
	q.lock.Unlock()
}

// closeIfEmpty closes the queue when nothing is pending.
func (q *taskQueue) closeIfEmpty() bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.pending) != 0 {
		return false
	}
	q.closed = true
	return true
}

// len is a racy hint used to decide whether the loop may block.
func (q *taskQueue) len() int { return int(q.size.Load()) }
