// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor - completion backend.
//
// Operations run to completion on helper goroutines over portable sockets
// and are queued back to the loop, which dispatches them inside Poll. This
// is the default on platforms without a readiness backend.

package reactor

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/internal/transport"
)

type completion struct {
	ctx      *Context
	action   Action
	status   error
	n        int
	from     net.Addr
	accepted transport.Socket
}

type completionPoller struct {
	mu    sync.Mutex
	ready []completion
	spare []completion
	wake  chan struct{}

	regs        map[*Context]struct{}
	terminating bool
	closed      atomic.Bool
}

func newCompletionPoller() *completionPoller {
	return &completionPoller{
		wake: make(chan struct{}, 1),
		regs: make(map[*Context]struct{}),
	}
}

func (p *completionPoller) Kind() Kind { return KindCompletion }

func (p *completionPoller) Count() int { return len(p.regs) }

func (p *completionPoller) Begin(sock transport.Socket, h Handler) (*Context, error) {
	if p.closed.Load() {
		return nil, api.StatusTornDown
	}
	if p.terminating {
		return nil, api.StatusTerminating
	}
	ctx := &Context{Sock: sock, Handler: h, active: true}
	p.regs[ctx] = struct{}{}
	return ctx, nil
}

func (p *completionPoller) Do(action Action, ctx *Context) error {
	if !ctx.active {
		return api.StatusClosed
	}
	if ctx.pending&action != 0 {
		return api.StatusAlready
	}
	ctx.pending |= action
	c := completion{ctx: ctx, action: action}
	switch action {
	case ActionRead:
		buf := ctx.ReadBuf
		go func() {
			c.n, c.from, c.status = ctx.Sock.ReadFrom(buf)
			p.post(c)
		}()
	case ActionWrite:
		bufs, to := ctx.WriteBufs, ctx.To
		go func() {
			if to != nil && len(bufs) == 1 {
				c.n, c.status = ctx.Sock.WriteTo(bufs[0], to)
			} else {
				c.n, c.status = ctx.Sock.WriteBuffers(bufs)
			}
			p.post(c)
		}()
	case ActionAccept:
		go func() {
			c.accepted, c.status = ctx.Sock.Accept()
			p.post(c)
		}()
	case ActionConnect:
		go func() {
			c.status = ctx.Sock.Connect()
			p.post(c)
		}()
	default:
		ctx.pending &^= action
		return api.NewError(api.StatusInvalid, "do "+action.String(), api.ErrInvalidArgument)
	}
	return nil
}

func (p *completionPoller) post(c completion) {
	p.mu.Lock()
	p.ready = append(p.ready, c)
	p.mu.Unlock()
	_ = p.Interrupt()
}

func (p *completionPoller) End(ctx *Context) error {
	if !ctx.active {
		return api.StatusAlready
	}
	ctx.active = false
	delete(p.regs, ctx)
	return nil
}

func (p *completionPoller) take() []completion {
	p.mu.Lock()
	batch := p.ready
	p.ready = p.spare[:0]
	p.spare = nil
	p.mu.Unlock()
	return batch
}

func (p *completionPoller) Poll(timeout time.Duration) error {
	if p.closed.Load() {
		return api.StatusTornDown
	}
	batch := p.take()
	if len(batch) == 0 {
		switch {
		case timeout == 0:
			select {
			case <-p.wake:
			default:
			}
		case timeout < 0:
			<-p.wake
		default:
			t := time.NewTimer(timeout)
			select {
			case <-p.wake:
			case <-t.C:
			}
			t.Stop()
		}
		batch = p.take()
	}
	var g guard
	for i := range batch {
		c := &batch[i]
		c.ctx.pending &^= c.action
		if !c.ctx.active {
			if c.accepted != nil {
				_ = c.accepted.Close()
			}
			continue
		}
		if c.action.readSide() {
			c.ctx.ReadN, c.ctx.From, c.ctx.Accepted = c.n, c.from, c.accepted
			g.notify(c.ctx.Handler.NotifyRead, c.status, c.ctx)
		} else {
			c.ctx.WriteN = c.n
			g.notify(c.ctx.Handler.NotifyWrite, c.status, c.ctx)
		}
	}
	clear(batch)
	p.mu.Lock()
	p.spare = batch[:0]
	p.mu.Unlock()
	g.rethrow()
	return nil
}

func (p *completionPoller) Interrupt() error {
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

func (p *completionPoller) Terminate() {
	p.terminating = true
	var g guard
	for _, ctx := range snapshot(p.regs) {
		if ctx.active {
			g.notify(ctx.Handler.NotifyTerminating, api.StatusTerminating, ctx)
		}
	}
	g.rethrow()
}

func (p *completionPoller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return api.StatusAlready
	}
	return nil
}

func snapshot(regs map[*Context]struct{}) []*Context {
	out := make([]*Context, 0, len(regs))
	for ctx := range regs {
		out = append(out, ctx)
	}
	return out
}
