package concurrency

import (
	"context"
	"testing"
	"time"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/internal/transport"
	"github.com/momentics/hioload-net/reactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupRoundRobin(t *testing.T) {
	g, err := NewGroup(3)
	require.NoError(t, err)
	defer g.Shutdown(context.Background())

	require.Equal(t, 3, g.Len())
	loops := g.Loops()
	for _, l := range loops {
		assert.Equal(t, LoopRunning, l.State())
	}
	for i := 0; i < 6; i++ {
		assert.Same(t, loops[i%3], g.Next())
	}
}

func TestGroupShutdown(t *testing.T) {
	g, err := NewGroup(2)
	require.NoError(t, err)
	loops := g.Loops()

	require.NoError(t, g.Shutdown(context.Background()))
	assert.Equal(t, 0, g.Len())
	for _, l := range loops {
		assert.Equal(t, LoopExit, l.State())
	}

	fb := g.Next()
	require.NotNil(t, fb)
	assert.Equal(t, LoopExit, fb.State())
	assert.NotContains(t, loops, fb)
	assert.Equal(t, api.StatusTornDown, fb.Execute(func() {}))

	assert.NoError(t, g.Shutdown(context.Background()))
}

func TestGroupShutdownWaitsForReferences(t *testing.T) {
	g, err := NewGroup(2)
	require.NoError(t, err)
	loops := g.Loops()
	busy := loops[0]
	busy.Retain()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Shutdown(ctx), context.DeadlineExceeded)

	assert.Equal(t, 1, g.Len())
	assert.Equal(t, LoopExit, loops[1].State())
	assert.Equal(t, LoopTerminated, busy.State())
	assert.Same(t, busy, g.Next())

	busy.Release()
	require.NoError(t, g.Shutdown(context.Background()))
	assert.Equal(t, 0, g.Len())
	assert.Equal(t, LoopExit, busy.State())
}

func TestGroupFallbackServesStragglers(t *testing.T) {
	g, err := NewGroup(1)
	require.NoError(t, err)
	only := g.Loops()[0]
	only.Retain()

	done := make(chan error, 1)
	go func() { done <- g.Shutdown(context.Background()) }()

	// the retained loop stays pooled until released
	require.Eventually(t, func() bool { return only.State() == LoopTerminated }, 5*time.Second, time.Millisecond)
	assert.Same(t, only, g.Next())

	only.Release()
	require.NoError(t, <-done)

	fb := g.Next()
	require.NotNil(t, fb)
	assert.NotSame(t, only, fb)
	statuses := make(chan error, 1)
	assert.Equal(t, api.StatusTornDown, fb.AddTimer(time.Millisecond, func(status error) { statuses <- status }))
	assert.Equal(t, api.StatusTornDown, <-statuses)
}

func TestGroupCPUAssignment(t *testing.T) {
	g, err := NewGroup(2, WithCPU(0), WithBufferSize(1024))
	require.NoError(t, err)
	defer g.Shutdown(context.Background())
	for _, l := range g.Loops() {
		assert.Equal(t, []int{0}, l.opts.cpus)
		assert.Equal(t, 1024, l.BufferSize())
	}
}

// stubborn ignores requests to wind down.
type stubborn struct{}

func (stubborn) NotifyRead(error, *reactor.Context)        {}
func (stubborn) NotifyWrite(error, *reactor.Context)       {}
func (stubborn) NotifyTerminating(error, *reactor.Context) {}

func TestGroupShutdownHonoursContext(t *testing.T) {
	g, err := NewGroup(1)
	require.NoError(t, err)
	l := g.Loops()[0]

	var (
		ln  transport.Socket
		reg *reactor.Context
	)
	onLoop(t, l, func() {
		ln, err = transport.Listen("tcp", "127.0.0.1:0", reactor.RawSockets(l.Poller().Kind()))
		if !assert.NoError(t, err) {
			return
		}
		reg, err = l.Poller().Begin(ln, stubborn{})
		assert.NoError(t, err)
	})
	require.NotNil(t, reg)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.ErrorIs(t, g.Shutdown(ctx), context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, LoopTerminating, l.State())
	assert.Equal(t, 1, g.Len())

	onLoop(t, l, func() {
		_ = l.Poller().End(reg)
		_ = ln.Close()
	})
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	require.NoError(t, g.Shutdown(ctx2))
	assert.Equal(t, LoopExit, l.State())
	assert.Equal(t, 0, g.Len())
}
