// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Test-and-set spin lock for very short critical sections.

package concurrency

import (
	"runtime"
	"sync/atomic"
)

const spinYieldAfter = 16

// SpinLock is a mutual exclusion lock that busy-waits, yielding the
// processor after a few failed attempts. The zero value is unlocked.
type SpinLock struct {
	v atomic.Int32
}

// Lock acquires the lock.
func (s *SpinLock) Lock() {
	for i := 0; !s.v.CompareAndSwap(0, 1); i++ {
		if i >= spinYieldAfter {
			runtime.Gosched()
		}
	}
}

// TryLock acquires the lock if it is free.
func (s *SpinLock) TryLock() bool { return s.v.CompareAndSwap(0, 1) }

// Unlock releases the lock.
func (s *SpinLock) Unlock() { s.v.Store(0) }
