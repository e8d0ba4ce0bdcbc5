// control/debug.go
// Author: momentics <momentics@gmail.com>
//
// Runtime debug probes for internal inspection.

package control

import (
	"sync"
	"time"

	"github.com/momentics/hioload-net/core/concurrency"
)

// probeTimeout bounds how long a loop probe waits for its loop.
const probeTimeout = 100 * time.Millisecond

// DebugProbes holds registered probe functions.
type DebugProbes struct {
	mu     sync.RWMutex
	probes map[string]func() any
}

// NewDebugProbes creates a probe registry.
func NewDebugProbes() *DebugProbes {
	return &DebugProbes{
		probes: make(map[string]func() any),
	}
}

// RegisterProbe inserts a named debug hook.
func (dp *DebugProbes) RegisterProbe(name string, fn func() any) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.probes[name] = fn
}

// LoopState describes one loop.
type LoopState struct {
	ID    uint64 `json:"id"`
	State string `json:"state"`
	Refs  int32  `json:"refs"`
	// Registrations is -1 when the loop did not answer in time.
	Registrations int `json:"registrations"`
}

// RegisterGroup adds a probe reporting every loop of g.
func (dp *DebugProbes) RegisterGroup(name string, g *concurrency.Group) {
	dp.RegisterProbe(name, func() any {
		loops := g.Loops()
		out := make([]LoopState, len(loops))
		for i, l := range loops {
			out[i] = ProbeLoop(l)
		}
		return out
	})
}

// ProbeLoop samples l. The registration count is read on the loop.
func ProbeLoop(l *concurrency.Loop) LoopState {
	s := LoopState{ID: l.ID(), State: l.State().String(), Refs: l.Refs(), Registrations: -1}
	count := concurrency.NewPromise[int]()
	if err := l.Execute(func() { count.Set(l.Poller().Count()) }); err == nil {
		if n, ok := count.WaitFor(probeTimeout); ok {
			s.Registrations = n
		}
	}
	return s
}

// DumpState returns output of all probes.
func (dp *DebugProbes) DumpState() map[string]any {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	out := make(map[string]any)
	for k, fn := range dp.probes {
		out[k] = fn()
	}
	return out
}
