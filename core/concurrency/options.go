// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Functional options for loops and groups.

package concurrency

import (
	"fmt"

	"github.com/joeycumines/logiface"
	"github.com/momentics/hioload-net/pool"
	"github.com/momentics/hioload-net/reactor"
)

// DefaultBufferSize is the read buffer size handed to channels.
const DefaultBufferSize = 16 * 1024

// loopOptions holds configuration options for Loop creation.
type loopOptions struct {
	logger     *logiface.Logger[logiface.Event]
	kind       reactor.Kind
	cpus       []int
	bufferSize int
	buffers    *pool.BytePool
}

// LoopOption configures a Loop or every loop of a Group.
type LoopOption interface {
	applyLoop(*loopOptions) error
}

type loopOptionImpl struct {
	applyLoopFunc func(*loopOptions) error
}

func (l *loopOptionImpl) applyLoop(opts *loopOptions) error {
	return l.applyLoopFunc(opts)
}

// WithLogger sets the structured logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithPoller selects the poller backend.
func WithPoller(kind reactor.Kind) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.kind = kind
		return nil
	}}
}

// WithCPU pins loop threads. A Group assigns the CPUs round-robin; a single
// Loop uses the first.
func WithCPU(cpus ...int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		for _, c := range cpus {
			if c < 0 {
				return fmt.Errorf("concurrency: invalid cpu %d", c)
			}
		}
		opts.cpus = append([]int(nil), cpus...)
		return nil
	}}
}

// WithBufferSize sets the per-read buffer size of channels on the loop.
func WithBufferSize(n int) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		if n <= 0 {
			return fmt.Errorf("concurrency: invalid buffer size %d", n)
		}
		opts.bufferSize = n
		return nil
	}}
}

// WithBufferPool sets the pool read buffers are drawn from.
func WithBufferPool(p *pool.BytePool) LoopOption {
	return &loopOptionImpl{func(opts *loopOptions) error {
		opts.buffers = p
		return nil
	}}
}

// resolveLoopOptions applies LoopOption instances to loopOptions.
func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := &loopOptions{
		kind:       reactor.KindAuto,
		bufferSize: DefaultBufferSize,
		buffers:    pool.Default,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
