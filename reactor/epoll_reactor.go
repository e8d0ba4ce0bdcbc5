//go:build linux
// +build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor - Linux epoll implementation.
//
// Interest is armed one-shot: each Do enables the action's event bits and a
// notification consumes them, so every Do yields at most one notification.
// The loop's wake-up eventfd stays registered level-triggered.

package reactor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/internal/transport"
	"golang.org/x/sys/unix"
)

const maxEvents = 256

type epollPoller struct {
	epfd   int
	wakefd int
	events [maxEvents]unix.EpollEvent

	regs        map[int]*Context
	wakeMu      sync.Mutex
	wakePending atomic.Int32
	terminating bool
	closed      atomic.Bool
}

func newEpollPoller() (*epollPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add: %w", err)
	}
	return &epollPoller{epfd: epfd, wakefd: wakefd, regs: make(map[int]*Context)}, nil
}

func (p *epollPoller) Kind() Kind { return KindEpoll }

func (p *epollPoller) Count() int { return len(p.regs) }

func (p *epollPoller) Begin(sock transport.Socket, h Handler) (*Context, error) {
	if p.closed.Load() {
		return nil, api.StatusTornDown
	}
	if p.terminating {
		return nil, api.StatusTerminating
	}
	fd := sock.FD()
	if fd < 0 {
		return nil, api.NewError(api.StatusInvalid, "epoll begin", api.ErrNotSupported)
	}
	if _, dup := p.regs[fd]; dup {
		return nil, api.NewError(api.StatusAlready, "epoll begin", nil)
	}
	ctx := &Context{Sock: sock, Handler: h, active: true}
	p.regs[fd] = ctx
	return ctx, nil
}

func epollBits(armed Action) uint32 {
	var ev uint32
	if armed&(ActionRead|ActionAccept) != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if armed&(ActionWrite|ActionConnect) != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *epollPoller) rearm(ctx *Context) error {
	fd := ctx.Sock.FD()
	ev := unix.EpollEvent{Events: epollBits(ctx.armed) | unix.EPOLLONESHOT, Fd: int32(fd)}
	op := unix.EPOLL_CTL_MOD
	if !ctx.added {
		op = unix.EPOLL_CTL_ADD
	}
	if err := unix.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		return transport.Translate("epoll ctl", err)
	}
	ctx.added = true
	return nil
}

func (p *epollPoller) Do(action Action, ctx *Context) error {
	if !ctx.active {
		return api.StatusClosed
	}
	if ctx.armed&action != 0 {
		return nil
	}
	ctx.armed |= action
	if err := p.rearm(ctx); err != nil {
		ctx.armed &^= action
		return err
	}
	return nil
}

func (p *epollPoller) End(ctx *Context) error {
	if !ctx.active {
		return api.StatusAlready
	}
	ctx.active = false
	ctx.armed = 0
	fd := ctx.Sock.FD()
	if p.regs[fd] == ctx {
		delete(p.regs, fd)
	}
	if ctx.added {
		ctx.added = false
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT && err != unix.EBADF {
			return fmt.Errorf("epoll ctl del: %w", err)
		}
	}
	return nil
}

func (p *epollPoller) Poll(timeout time.Duration) error {
	if p.closed.Load() {
		return api.StatusTornDown
	}
	n, err := unix.EpollWait(p.epfd, p.events[:], timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("epoll wait: %w", err)
	}
	var g guard
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Fd)
		if fd == p.wakefd {
			p.drainWake()
			continue
		}
		ctx := p.regs[fd]
		if ctx == nil || !ctx.active {
			continue
		}
		fired := Action(0)
		if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
			fired |= ctx.armed & (ActionRead | ActionAccept)
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			fired |= ctx.armed & (ActionWrite | ActionConnect)
		}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			fired = ctx.armed
		}
		p.dispatch(&g, ctx, fired)
	}
	g.rethrow()
	return nil
}

// dispatch disarms the fired actions, re-enables what is still armed and
// notifies the handler. The handler runs the socket call and learns of
// errors from it.
func (p *epollPoller) dispatch(g *guard, ctx *Context, fired Action) {
	if fired == 0 {
		if ctx.armed != 0 {
			_ = p.rearm(ctx)
		}
		return
	}
	ctx.armed &^= fired
	if ctx.armed != 0 {
		_ = p.rearm(ctx)
	}
	if fired&(ActionRead|ActionAccept) != 0 {
		g.notify(ctx.Handler.NotifyRead, nil, ctx)
	}
	if fired&(ActionWrite|ActionConnect) != 0 && ctx.active {
		g.notify(ctx.Handler.NotifyWrite, nil, ctx)
	}
}

// drainWake empties the eventfd before clearing wakePending. An Interrupt
// racing with the read either lands in the counter first or finds the flag
// clear and writes again.
func (p *epollPoller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakefd, buf[:]); err != unix.EINTR {
			break
		}
	}
	p.wakePending.Store(0)
}

func (p *epollPoller) Interrupt() error {
	if !p.wakePending.CompareAndSwap(0, 1) {
		return nil
	}
	p.wakeMu.Lock()
	defer p.wakeMu.Unlock()
	if p.closed.Load() {
		return nil
	}
	one := [8]byte{1}
	if _, err := unix.Write(p.wakefd, one[:]); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

func (p *epollPoller) Terminate() {
	p.terminating = true
	ctxs := make([]*Context, 0, len(p.regs))
	for _, ctx := range p.regs {
		ctxs = append(ctxs, ctx)
	}
	var g guard
	for _, ctx := range ctxs {
		if ctx.active {
			g.notify(ctx.Handler.NotifyTerminating, api.StatusTerminating, ctx)
		}
	}
	g.rethrow()
}

func (p *epollPoller) Close() error {
	p.wakeMu.Lock()
	defer p.wakeMu.Unlock()
	if !p.closed.CompareAndSwap(false, true) {
		return api.StatusAlready
	}
	_ = unix.Close(p.wakefd)
	return unix.Close(p.epfd)
}
