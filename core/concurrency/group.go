// File: core/concurrency/group.go
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Group is a fixed pool of loops handed out round-robin, with a two-phase
// graceful shutdown.

package concurrency

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/momentics/hioload-net/api"
	"golang.org/x/sync/errgroup"
)

// Group owns a set of launched loops.
type Group struct {
	mu     sync.RWMutex
	loops  []*Loop
	cursor atomic.Uint64

	opts   *loopOptions
	logger *logiface.Logger[logiface.Event]

	fallbackMu sync.Mutex
	fallback   *Loop
	stopping   atomic.Bool
}

var _ api.GracefulShutdown = (*Group)(nil)

// NewGroup creates n loops (runtime.NumCPU when n <= 0) and launches them.
// CPUs given with WithCPU are assigned round-robin.
func NewGroup(n int, opts ...LoopOption) (*Group, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = runtime.NumCPU()
	}
	loops := make([]*Loop, 0, n)
	for i := 0; i < n; i++ {
		cpu := -1
		if len(cfg.cpus) > 0 {
			cpu = cfg.cpus[i%len(cfg.cpus)]
		}
		l, err := newLoop(cfg, cpu)
		if err != nil {
			for _, l := range loops {
				_ = l.poller.Close()
			}
			return nil, fmt.Errorf("group: loop %d: %w", i, err)
		}
		loops = append(loops, l)
	}

	var eg errgroup.Group
	for _, l := range loops {
		eg.Go(l.Launch)
	}
	if err := eg.Wait(); err != nil {
		for _, l := range loops {
			_ = l.Terminate()
		}
		return nil, fmt.Errorf("group: launch: %w", err)
	}

	g := &Group{loops: loops, opts: cfg, logger: cfg.logger}
	g.logger.Info().Int("loops", n).Log("group: started")
	return g, nil
}

// Next returns the next loop round-robin. Once the pool is empty it returns
// the fallback loop, which rejects new registrations with
// api.StatusTerminating. Next returns nil only if the fallback could not be
// created.
func (g *Group) Next() *Loop {
	g.mu.RLock()
	if n := len(g.loops); n > 0 {
		l := g.loops[(g.cursor.Add(1)-1)%uint64(n)]
		g.mu.RUnlock()
		return l
	}
	g.mu.RUnlock()
	return g.fallbackLoop()
}

func (g *Group) fallbackLoop() *Loop {
	g.fallbackMu.Lock()
	defer g.fallbackMu.Unlock()
	if g.fallback != nil {
		return g.fallback
	}
	l, err := newLoop(g.opts, -1)
	if err != nil {
		g.logger.Err().Err(err).Log("group: fallback loop")
		return nil
	}
	if err := l.Launch(); err != nil {
		g.logger.Err().Err(err).Log("group: fallback launch")
		return nil
	}
	_ = l.NotifyTerminating()
	g.fallback = l
	return l
}

// Len returns the number of pooled loops.
func (g *Group) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.loops)
}

// Loops returns a snapshot of the pooled loops.
func (g *Group) Loops() []*Loop {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*Loop(nil), g.loops...)
}

// Shutdown notifies every loop, then detaches and terminates loops one at a
// time as their external references drop to the owner's, and finally stops
// the fallback loop. It returns ctx.Err() if ctx ends first; calling it again
// resumes the remaining work. Next keeps returning the exited fallback.
func (g *Group) Shutdown(ctx context.Context) error {
	if g.stopping.CompareAndSwap(false, true) {
		for _, l := range g.Loops() {
			if err := l.NotifyTerminating(); err != nil {
				g.logger.Debug().Uint64("loop", l.ID()).Err(err).Log("group: notify terminating")
			}
		}
	}

	for {
		l, remaining := g.detachIdle()
		if l != nil {
			if err := l.TerminateContext(ctx); err != nil {
				g.reattach(l)
				return err
			}
			continue
		}
		if remaining == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}

	// Stragglers arriving after shutdown get the exited fallback.
	if fb := g.fallbackLoop(); fb != nil {
		if err := fb.TerminateContext(ctx); err != nil {
			return err
		}
	}
	g.logger.Info().Log("group: stopped")
	return nil
}

// reattach returns a loop whose termination was cut short, so a later
// Shutdown waits for it again.
func (g *Group) reattach(l *Loop) {
	g.mu.Lock()
	g.loops = append(g.loops, l)
	g.mu.Unlock()
}

// detachIdle removes the first loop no longer referenced by channels.
func (g *Group) detachIdle() (*Loop, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, l := range g.loops {
		if l.Refs() <= 1 {
			g.loops = append(g.loops[:i], g.loops[i+1:]...)
			return l, len(g.loops)
		}
	}
	return nil, len(g.loops)
}
