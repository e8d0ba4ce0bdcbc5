// File: core/concurrency/promise.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Single-assignment result cell delivering asynchronous outcomes.

package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-net/api"
)

// PromiseState is the lifecycle state of a Promise.
type PromiseState int32

const (
	PromiseIdle PromiseState = iota
	PromiseUpdating
	PromiseDone
)

// Promise is set exactly once and observed any number of times.
//
// Set publishes Done and runs the registered callbacks in registration
// order under a mutex shared with IfDone, so a callback registered
// concurrently with Set runs exactly once: either in Set's pass or inline in
// IfDone. Once Done, IfDone skips the mutex and runs the callback inline on
// the caller's stack.
//
// Waiting on a promise from the loop that must resolve it deadlocks.
type Promise[V any] struct {
	state     atomic.Int32
	value     V
	mu        sync.Mutex
	callbacks []func(V)
	done      chan struct{}
}

// NewPromise returns an idle promise.
func NewPromise[V any]() *Promise[V] {
	return &Promise[V]{done: make(chan struct{})}
}

// Resolved returns a promise already set to v.
func Resolved[V any](v V) *Promise[V] {
	p := NewPromise[V]()
	p.Set(v)
	return p
}

// Set stores v and wakes all observers. A second Set is a defect.
func (p *Promise[V]) Set(v V) {
	if !p.TrySet(v) {
		api.Defect("promise: set on a promise in state %d", p.state.Load())
	}
}

// TrySet is Set that reports false instead of panicking when the promise
// was already claimed.
func (p *Promise[V]) TrySet(v V) bool {
	if !p.state.CompareAndSwap(int32(PromiseIdle), int32(PromiseUpdating)) {
		return false
	}
	p.value = v

	p.mu.Lock()
	p.state.Store(int32(PromiseDone))
	close(p.done)
	callbacks := p.callbacks
	p.callbacks = nil
	for _, cb := range callbacks {
		cb(v)
	}
	p.mu.Unlock()
	return true
}

// IfDone runs cb with the value once the promise is Done, inline if it
// already is.
func (p *Promise[V]) IfDone(cb func(V)) {
	if PromiseState(p.state.Load()) == PromiseDone {
		cb(p.value)
		return
	}
	p.mu.Lock()
	if PromiseState(p.state.Load()) == PromiseDone {
		p.mu.Unlock()
		cb(p.value)
		return
	}
	p.callbacks = append(p.callbacks, cb)
	p.mu.Unlock()
}

// State returns the current state.
func (p *Promise[V]) State() PromiseState { return PromiseState(p.state.Load()) }

// IsDone reports whether the value is published.
func (p *Promise[V]) IsDone() bool { return p.State() == PromiseDone }

// Done returns a channel closed when the value is published.
func (p *Promise[V]) Done() <-chan struct{} { return p.done }

// Value returns the value and true when Done.
func (p *Promise[V]) Value() (V, bool) {
	if !p.IsDone() {
		var zero V
		return zero, false
	}
	return p.value, true
}

// Wait blocks until Done.
func (p *Promise[V]) Wait() V {
	<-p.done
	return p.value
}

// WaitFor blocks until Done or until d elapses, reporting which happened.
func (p *Promise[V]) WaitFor(d time.Duration) (V, bool) {
	if p.IsDone() {
		return p.value, true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
		return p.value, true
	case <-t.C:
		var zero V
		return zero, false
	}
}

// WaitContext blocks until Done or until ctx is done.
func (p *Promise[V]) WaitContext(ctx context.Context) (V, error) {
	select {
	case <-p.done:
		return p.value, nil
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}
