// File: core/concurrency/eventloop.go
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Loop is a single-threaded reactor. One goroutine, locked to its OS thread,
// owns a poller, a timer heap and every channel registered with it. Other
// goroutines interact only through Execute and Schedule.

package concurrency

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/momentics/hioload-net/affinity"
	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/pool"
	"github.com/momentics/hioload-net/reactor"
)

// LoopState is the lifecycle state of a Loop. States only move forward.
type LoopState int32

const (
	LoopIdle LoopState = iota
	LoopLaunching
	LoopRunning
	LoopTerminating
	LoopTerminated
	LoopExit
)

func (s LoopState) String() string {
	switch s {
	case LoopIdle:
		return "idle"
	case LoopLaunching:
		return "launching"
	case LoopRunning:
		return "running"
	case LoopTerminating:
		return "terminating"
	case LoopTerminated:
		return "terminated"
	case LoopExit:
		return "exit"
	}
	return fmt.Sprintf("loop_state(%d)", int32(s))
}

var loopIDs atomic.Uint64

// Loop runs tasks, timers and poller notifications on one goroutine.
type Loop struct {
	id     uint64
	state  atomic.Int32
	refs   atomic.Int32
	gid    atomic.Uint64
	done   chan struct{}
	poller reactor.Poller
	opts   *loopOptions
	logger *logiface.Logger[logiface.Event]

	tasks taskQueue

	// owned by the loop goroutine
	deferred []func()
	timers   timerHeap
	timerSeq uint64
	due      []*timer
	baseline int
}

var (
	_ api.Executor  = (*Loop)(nil)
	_ api.Scheduler = (*Loop)(nil)
)

// NewLoop creates an idle loop and its poller.
func NewLoop(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}
	return newLoop(cfg, -1)
}

func newLoop(cfg *loopOptions, cpu int) (*Loop, error) {
	p, err := reactor.New(cfg.kind)
	if err != nil {
		return nil, fmt.Errorf("loop: %w", err)
	}
	if cpu < 0 && len(cfg.cpus) > 0 {
		cpu = cfg.cpus[0]
	}
	l := &Loop{
		id:     loopIDs.Add(1),
		done:   make(chan struct{}),
		poller: p,
		opts: &loopOptions{
			logger:     cfg.logger,
			kind:       p.Kind(),
			bufferSize: cfg.bufferSize,
			buffers:    cfg.buffers,
		},
	}
	if cpu >= 0 {
		l.opts.cpus = []int{cpu}
	}
	l.logger = cfg.logger.Clone().Uint64("loop", l.id).Logger()
	l.refs.Store(1)
	return l, nil
}

// Launch starts the loop goroutine and returns once it is Running.
func (l *Loop) Launch() error {
	if !l.state.CompareAndSwap(int32(LoopIdle), int32(LoopLaunching)) {
		return api.NewError(api.StatusAlready, "launch", nil)
	}
	go l.run()
	for i := 0; l.State() < LoopRunning; i++ {
		if i < 64 {
			runtime.Gosched()
		} else {
			time.Sleep(50 * time.Microsecond)
		}
	}
	return nil
}

func (l *Loop) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(l.done)

	l.gid.Store(goroutineID())
	if len(l.opts.cpus) > 0 {
		if err := affinity.SetAffinity(l.opts.cpus[0]); err != nil {
			l.logger.Warning().Int("cpu", l.opts.cpus[0]).Err(err).Log("loop: cpu pin failed")
		}
	}
	l.baseline = l.poller.Count()
	l.state.Store(int32(LoopRunning))
	l.logger.Info().Stringer("poller", l.poller.Kind()).Log("loop: running")

	for {
		l.runTasks()
		l.runDeferred()
		l.runTimers()

		state := l.State()
		if state == LoopTerminating && l.poller.Count() <= l.baseline {
			l.state.CompareAndSwap(int32(LoopTerminating), int32(LoopTerminated))
			state = l.State()
		}
		if state == LoopExit {
			break
		}
		if err := l.poll(l.pollTimeout()); err != nil {
			l.logger.Err().Err(err).Log("loop: poll failed")
			if errors.Is(err, api.StatusTornDown) {
				break
			}
		}
	}

	l.teardown()
	l.logger.Info().Log("loop: exit")
}

func (l *Loop) runTasks() {
	batch := l.tasks.swap()
	for _, fn := range batch {
		l.safeExecute(fn)
	}
	l.tasks.recycle(batch)
}

func (l *Loop) runDeferred() {
	for len(l.deferred) > 0 {
		batch := l.deferred
		l.deferred = nil
		for _, fn := range batch {
			l.safeExecute(fn)
		}
	}
}

// runTimers collects every due timer before running any, so a callback that
// re-arms with a zero delay waits for the next pass.
func (l *Loop) runTimers() {
	if l.timers.Len() == 0 {
		return
	}
	l.due = l.timers.popDue(time.Now(), l.due[:0])
	for i, t := range l.due {
		l.due[i] = nil
		l.safeExecute(func() { t.fn(nil) })
	}
}

func (l *Loop) pollTimeout() time.Duration {
	if l.tasks.len() > 0 || len(l.deferred) > 0 || l.State() == LoopExit {
		return 0
	}
	if when, ok := l.timers.next(); ok {
		d := time.Until(when)
		if d < 0 {
			d = 0
		}
		return d
	}
	return -1
}

func (l *Loop) poll(timeout time.Duration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Err().Any("panic", r).Log("loop: notification panicked")
		}
	}()
	return l.poller.Poll(timeout)
}

// teardown drains queued work and fails pending timers until nothing is
// left, then closes the poller.
func (l *Loop) teardown() {
	for {
		l.runTasks()
		l.runDeferred()
		for l.timers.Len() > 0 {
			t := heap.Pop(&l.timers).(*timer)
			l.safeExecute(func() { t.fn(api.StatusTornDown) })
		}
		if len(l.deferred) == 0 && l.timers.Len() == 0 && l.tasks.closeIfEmpty() {
			break
		}
	}
	if err := l.poller.Close(); err != nil && !errors.Is(err, api.StatusAlready) {
		l.logger.Err().Err(err).Log("loop: poller close failed")
	}
}

func (l *Loop) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Err().Any("panic", r).Log("loop: task panicked")
		}
	}()
	fn()
}

// Execute runs task on the loop: inline when called from the loop,
// otherwise queued. It fails with api.StatusTornDown once the loop exited.
func (l *Loop) Execute(task func()) error {
	if l.InLoop() {
		task()
		return nil
	}
	return l.submit(task)
}

// Schedule queues task. From the loop itself the task runs after the
// current batch.
func (l *Loop) Schedule(task func()) error {
	if l.InLoop() {
		l.deferred = append(l.deferred, task)
		return nil
	}
	return l.submit(task)
}

func (l *Loop) submit(task func()) error {
	if !l.tasks.push(task) {
		return api.StatusTornDown
	}
	if err := l.poller.Interrupt(); err != nil {
		l.logger.Warning().Err(err).Log("loop: wake-up failed")
	}
	return nil
}

// InLoop reports whether the caller is the loop goroutine.
func (l *Loop) InLoop() bool {
	gid := l.gid.Load()
	return gid != 0 && gid == goroutineID()
}

// AddTimer arms a one-shot timer. fn receives nil on expiry, or
// api.StatusTornDown when the loop exits first. Once the loop has exited fn
// runs immediately with api.StatusTornDown and the same status is returned.
func (l *Loop) AddTimer(delay time.Duration, fn func(status error)) error {
	if delay < 0 {
		delay = 0
	}
	when := time.Now().Add(delay)
	arm := func() {
		l.timerSeq++
		heap.Push(&l.timers, &timer{when: when, seq: l.timerSeq, fn: fn})
	}
	if l.InLoop() {
		arm()
		return nil
	}
	if err := l.submit(arm); err != nil {
		fn(err)
		return err
	}
	return nil
}

// NotifyTerminating moves a running loop to Terminating and asks every
// registration to wind down. The loop becomes Terminated once the
// registrations made after launch are gone.
func (l *Loop) NotifyTerminating() error {
	return l.Schedule(func() {
		if l.state.CompareAndSwap(int32(LoopRunning), int32(LoopTerminating)) {
			l.logger.Debug().Int("registrations", l.poller.Count()-l.baseline).Log("loop: terminating")
			l.poller.Terminate()
		}
	})
}

// Terminate stops the loop from another goroutine and waits for it to exit.
func (l *Loop) Terminate() error {
	return l.TerminateContext(context.Background())
}

// TerminateContext is Terminate bounded by ctx. When ctx ends first the loop
// stays Terminating and ctx.Err() is returned; calling again resumes the wait.
func (l *Loop) TerminateContext(ctx context.Context) error {
	if l.InLoop() {
		return fmt.Errorf("%w: loop: terminate called from the loop itself", api.ErrDefect)
	}
	if l.State() == LoopIdle {
		if err := l.Launch(); err != nil && !errors.Is(err, api.StatusAlready) {
			return err
		}
	}
	if l.State() <= LoopRunning {
		if err := l.NotifyTerminating(); err != nil {
			<-l.done
			return nil
		}
	}
	for i := 0; l.State() < LoopTerminated; i++ {
		if i < 64 {
			runtime.Gosched()
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	l.state.CompareAndSwap(int32(LoopTerminated), int32(LoopExit))
	_ = l.poller.Interrupt()
	<-l.done
	return nil
}

// Done is closed when the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Retain adds an external reference.
func (l *Loop) Retain() int32 { return l.refs.Add(1) }

// Release drops an external reference.
func (l *Loop) Release() int32 {
	n := l.refs.Add(-1)
	if n < 0 {
		api.Defect("loop: release below zero references")
	}
	return n
}

// Refs returns the reference count; 1 means only the owner holds it.
func (l *Loop) Refs() int32 { return l.refs.Load() }

// State returns the lifecycle state.
func (l *Loop) State() LoopState { return LoopState(l.state.Load()) }

// ID returns the process-unique loop id.
func (l *Loop) ID() uint64 { return l.id }

// Poller returns the loop's poller. Only the loop may drive it.
func (l *Loop) Poller() reactor.Poller { return l.poller }

// BufferSize is the read buffer size channels on this loop use.
func (l *Loop) BufferSize() int { return l.opts.bufferSize }

// Buffers is the pool read buffers are drawn from.
func (l *Loop) Buffers() *pool.BytePool { return l.opts.buffers }

// Logger returns the loop logger, which may be nil.
func (l *Loop) Logger() *logiface.Logger[logiface.Event] { return l.logger }

func (l *Loop) String() string {
	return fmt.Sprintf("loop-%d(%s)", l.id, l.State())
}
