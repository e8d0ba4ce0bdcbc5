//go:build darwin || dragonfly || freebsd || netbsd || openbsd
// +build darwin dragonfly freebsd netbsd openbsd

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor - kqueue implementation for Darwin and the BSDs.
//
// Each Do adds a one-shot filter. The loop's wake-up pipe stays registered.

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

type kqueuePoller struct {
	kq       int
	wakeRead int
	wakeFd   int
	events   [maxEvents]unix.Kevent_t

	regs        map[int]*Context
	wakeMu      sync.Mutex
	wakePending atomic.Int32
	terminating bool
	closed      atomic.Bool
}

func newKqueuePoller() (*kqueuePoller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue: %w", err)
	}
	unix.CloseOnExec(kq)
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		_ = unix.Close(kq)
		return nil, fmt.Errorf("pipe: %w", err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			_ = unix.Close(kq)
			return nil, fmt.Errorf("pipe nonblock: %w", err)
		}
	}
	var ev unix.Kevent_t
	unix.SetKevent(&ev, fds[0], unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE)
	if _, err := unix.Kevent(kq, []unix.Kevent_t{ev}, nil, nil); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		_ = unix.Close(kq)
		return nil, fmt.Errorf("kevent add: %w", err)
	}
	return &kqueuePoller{kq: kq, wakeRead: fds[0], wakeFd: fds[1], regs: make(map[int]*Context)}, nil
}

func (p *kqueuePoller) Kind() Kind { return KindKqueue }

func (p *kqueuePoller) Count() int { return len(p.regs) }

func (p *kqueuePoller) Begin(sock transport.Socket, h Handler) (*Context, error) {
	if p.closed.Load() {
		return nil, api.StatusTornDown
	}
	if p.terminating {
		return nil, api.StatusTerminating
	}
	fd := sock.FD()
	if fd < 0 {
		return nil, api.NewError(api.StatusInvalid, "kqueue begin", api.ErrNotSupported)
	}
	if _, dup := p.regs[fd]; dup {
		return nil, api.NewError(api.StatusAlready, "kqueue begin", nil)
	}
	ctx := &Context{Sock: sock, Handler: h, active: true}
	p.regs[fd] = ctx
	return ctx, nil
}

func kqueueFilter(a Action) int {
	if a.readSide() {
		return unix.EVFILT_READ
	}
	return unix.EVFILT_WRITE
}

func (p *kqueuePoller) Do(action Action, ctx *Context) error {
	if !ctx.active {
		return api.StatusClosed
	}
	if ctx.armed&action != 0 {
		return nil
	}
	var ev unix.Kevent_t
	unix.SetKevent(&ev, ctx.Sock.FD(), kqueueFilter(action), unix.EV_ADD|unix.EV_ENABLE|unix.EV_ONESHOT)
	if _, err := unix.Kevent(p.kq, []unix.Kevent_t{ev}, nil, nil); err != nil {
		return transport.Translate("kevent add", err)
	}
	ctx.armed |= action
	return nil
}

func (p *kqueuePoller) End(ctx *Context) error {
	if !ctx.active {
		return api.StatusAlready
	}
	ctx.active = false
	fd := ctx.Sock.FD()
	if p.regs[fd] == ctx {
		delete(p.regs, fd)
	}
	var changes []unix.Kevent_t
	if ctx.armed&(ActionRead|ActionAccept) != 0 {
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, unix.EVFILT_READ, unix.EV_DELETE)
		changes = append(changes, ev)
	}
	if ctx.armed&(ActionWrite|ActionConnect) != 0 {
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, unix.EVFILT_WRITE, unix.EV_DELETE)
		changes = append(changes, ev)
	}
	ctx.armed = 0
	if len(changes) > 0 {
		// ENOENT: the one-shot filter already fired.
		_, _ = unix.Kevent(p.kq, changes, nil, nil)
	}
	return nil
}

func (p *kqueuePoller) Poll(timeout time.Duration) error {
	if p.closed.Load() {
		return api.StatusTornDown
	}
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(time.Duration(timeoutMillis(timeout)) * time.Millisecond))
		ts = &t
	}
	n, err := unix.Kevent(p.kq, nil, p.events[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("kevent wait: %w", err)
	}
	var g guard
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		fd := int(ev.Ident)
		if fd == p.wakeRead {
			p.drainWake()
			continue
		}
		ctx := p.regs[fd]
		if ctx == nil || !ctx.active {
			continue
		}
		switch int(ev.Filter) {
		case unix.EVFILT_READ:
			fired := ctx.armed & (ActionRead | ActionAccept)
			ctx.armed &^= fired
			if fired != 0 {
				g.notify(ctx.Handler.NotifyRead, nil, ctx)
			}
		case unix.EVFILT_WRITE:
			fired := ctx.armed & (ActionWrite | ActionConnect)
			ctx.armed &^= fired
			if fired != 0 {
				g.notify(ctx.Handler.NotifyWrite, nil, ctx)
			}
		}
	}
	g.rethrow()
	return nil
}

// drainWake empties the pipe before clearing wakePending, so a racing
// Interrupt is never swallowed by the read.
func (p *kqueuePoller) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.wakeRead, buf[:])
		if err == unix.EINTR {
			continue
		}
		if n <= 0 || err != nil {
			break
		}
	}
	p.wakePending.Store(0)
}

func (p *kqueuePoller) Interrupt() error {
	if !p.wakePending.CompareAndSwap(0, 1) {
		return nil
	}
	p.wakeMu.Lock()
	defer p.wakeMu.Unlock()
	if p.closed.Load() {
		return nil
	}
	if _, err := unix.Write(p.wakeFd, []byte{1}); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("wake pipe write: %w", err)
	}
	return nil
}

func (p *kqueuePoller) Terminate() {
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

func (p *kqueuePoller) Close() error {
	p.wakeMu.Lock()
	defer p.wakeMu.Unlock()
	if !p.closed.CompareAndSwap(false, true) {
		return api.StatusAlready
	}
	_ = unix.Close(p.wakeRead)
	_ = unix.Close(p.wakeFd)
	return unix.Close(p.kq)
}
