// File: channel/socket_channel.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Loop side of a channel: registration, poller notifications, the write
// path, half-closes and the error policy. Everything here runs on the
// channel's loop.

package channel

import (
	"errors"
	"net"
	"time"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/core/buffer"
	"github.com/momentics/hioload-net/core/concurrency"
	"github.com/momentics/hioload-net/internal/transport"
	"github.com/momentics/hioload-net/reactor"
)

const (
	maxReadsPerEvent   = 16
	maxAcceptsPerEvent = 64
	acceptRetryDelay   = 50 * time.Millisecond
)

// socketHandler receives poller notifications for a channel.
type socketHandler Channel

func (h *socketHandler) NotifyRead(status error, ctx *reactor.Context) {
	(*Channel)(h).onRead(status, ctx)
}

func (h *socketHandler) NotifyWrite(status error, ctx *reactor.Context) {
	(*Channel)(h).onWrite(status, ctx)
}

func (h *socketHandler) NotifyTerminating(status error, _ *reactor.Context) {
	c := (*Channel)(h)
	c.update(0, FlagTerminating)
	c.fail(status, false)
}

func (c *Channel) assertLoop(op string) {
	if !c.loop.InLoop() {
		api.Defect("channel %s: %s off its loop", c.id, op)
	}
}

// attach leaves the detached state and takes a loop reference.
func (c *Channel) attach(p Pipeline, set Flags) {
	c.assertLoop("attach")
	c.update(FlagClosed, set)
	c.pipeline = p
	c.attached = true
	c.loop.Retain()
	c.opts.metrics.ChannelOpened()
}

func (c *Channel) register() error {
	c.update(0, FlagBeginPending)
	ctx, err := c.loop.Poller().Begin(c.sock, (*socketHandler)(c))
	if err != nil {
		c.update(FlagBeginPending, FlagBeginFailed)
		return err
	}
	c.rctx = ctx
	c.update(FlagBeginPending, FlagBeginDone)
	return nil
}

func (c *Channel) startConnect(p Pipeline, set Flags) {
	c.attach(p, set)
	if err := c.register(); err != nil {
		c.fail(err, false)
		return
	}
	if c.completion {
		c.armWrite(reactor.ActionConnect)
		return
	}
	switch err := c.sock.Connect(); {
	case err == nil:
		c.connected()
	case errors.Is(err, api.StatusWouldBlock):
		c.armWrite(reactor.ActionConnect)
	default:
		c.fail(err, false)
	}
}

func (c *Channel) connected() {
	c.update(FlagConnecting, FlagConnected)
	c.logger.Debug().Str("remote", addrText(c.sock.RemoteAddr())).Log("channel: connected")
	c.fire(func(p Pipeline) { p.Connected(c) })
	if c.connect != nil {
		c.connect.TrySet(nil)
	}
	c.armRead()
	c.flush()
}

func (c *Channel) startListen() error {
	c.attach(nil, FlagListening)
	if err := c.register(); err != nil {
		c.fail(err, false)
		return err
	}
	c.logger.Info().Str("addr", addrText(c.sock.LocalAddr())).Log("channel: listening")
	c.armRead()
	return nil
}

func (c *Channel) startPacket(p Pipeline) error {
	c.attach(p, FlagDatagram|FlagConnected)
	if err := c.register(); err != nil {
		c.fail(err, false)
		return err
	}
	c.fire(func(p Pipeline) { p.Connected(c) })
	c.armRead()
	return nil
}

func (c *Channel) startPassive(acceptor Acceptor) {
	c.attach(nil, FlagPassive|FlagConnected)
	if err := c.register(); err != nil {
		c.fail(err, false)
		return
	}
	if acceptor != nil {
		c.pipeline = acceptor(c)
	}
	c.fire(func(p Pipeline) { p.Connected(c) })
	c.armRead()
	c.flush()
}

// armRead arms the next read, or accept for listeners, unless reading is
// paused, shut or already armed.
func (c *Channel) armRead() {
	if c.rctx == nil || c.is(FlagReadArmed|FlagReadPaused|FlagReadShuttingDown|FlagReadShutdown|FlagClosed) {
		return
	}
	action := reactor.ActionRead
	if c.is(FlagListening) {
		action = reactor.ActionAccept
	} else if c.completion {
		size := c.loop.BufferSize()
		c.readBuf = buffer.FromPool(c.loop.Buffers(), 0, size)
		c.rctx.ReadBuf = c.readBuf.Extend(size)
	}
	if err := c.loop.Poller().Do(action, c.rctx); err != nil {
		if c.readBuf != nil {
			c.readBuf.Release()
			c.readBuf = nil
		}
		c.readFailed(err)
		return
	}
	c.update(0, FlagReadArmed)
}

func (c *Channel) armWrite(action reactor.Action) {
	if c.rctx == nil || c.is(FlagWriteArmed) {
		return
	}
	if err := c.loop.Poller().Do(action, c.rctx); err != nil {
		c.writeFailed(err)
		return
	}
	c.update(0, FlagWriteArmed)
}

func (c *Channel) onRead(status error, ctx *reactor.Context) {
	c.update(FlagReadArmed, 0)
	if c.is(FlagListening) {
		if c.completion {
			s := ctx.Accepted
			ctx.Accepted = nil
			c.acceptDone(s, status)
			return
		}
		c.acceptReady()
		return
	}
	if c.completion {
		c.readDone(status, ctx)
		return
	}
	c.readReady()
}

// readReady drains a readable socket.
func (c *Channel) readReady() {
	datagram := c.is(FlagDatagram)
	size := c.loop.BufferSize()
	for i := 0; i < maxReadsPerEvent; i++ {
		if c.is(FlagClosed | FlagReadPaused | FlagReadShuttingDown | FlagReadShutdown) {
			return
		}
		buf := buffer.FromPool(c.loop.Buffers(), 0, size)
		p := buf.Extend(size)
		var (
			n    int
			from net.Addr
			err  error
		)
		if datagram {
			n, from, err = c.sock.ReadFrom(p)
		} else {
			n, err = c.sock.Read(p)
		}
		if err == nil {
			buf.Commit(n)
			c.deliver(buf, from)
			continue
		}
		buf.Release()
		switch {
		case errors.Is(err, api.StatusWouldBlock):
			c.armRead()
		case errors.Is(err, api.StatusEOF):
			c.peerClosed()
		default:
			c.readFailed(err)
		}
		return
	}
	c.armRead()
}

// readDone handles a finished completion read.
func (c *Channel) readDone(status error, ctx *reactor.Context) {
	buf := c.readBuf
	c.readBuf = nil
	ctx.ReadBuf = nil
	if buf == nil {
		return
	}
	if c.is(FlagClosed | FlagReadShuttingDown | FlagReadShutdown) {
		buf.Release()
		return
	}
	if status == nil && (ctx.ReadN > 0 || c.is(FlagDatagram)) {
		buf.Commit(ctx.ReadN)
		if c.is(FlagReadPaused) {
			c.readAhead = append(c.readAhead, readResult{buf: buf, from: ctx.From})
			return
		}
		c.deliver(buf, ctx.From)
		c.armRead()
		return
	}
	buf.Release()
	switch {
	case status == nil, errors.Is(status, api.StatusEOF):
		c.peerClosed()
	case errors.Is(status, api.StatusWouldBlock):
		c.armRead()
	default:
		c.readFailed(status)
	}
}

// deliver fires Read and releases buf afterwards.
func (c *Channel) deliver(buf *buffer.Buffer, from net.Addr) {
	c.opts.metrics.AddBytesIn(buf.Len())
	c.fire(func(p Pipeline) { p.Read(c, buf, from) })
	buf.Release()
}

// peerClosed performs the read half-close after end of stream.
func (c *Channel) peerClosed() {
	c.logger.Debug().Log("channel: peer closed")
	c.shutdownRead()
}

func (c *Channel) acceptReady() {
	for i := 0; i < maxAcceptsPerEvent; i++ {
		if c.is(FlagClosed | FlagReadShutdown) {
			return
		}
		s, err := c.sock.Accept()
		if err != nil {
			if errors.Is(err, api.StatusWouldBlock) {
				break
			}
			c.acceptFailed(err)
			return
		}
		c.adopt(s)
	}
	c.armRead()
}

func (c *Channel) acceptDone(s transport.Socket, status error) {
	if status != nil {
		if errors.Is(status, api.StatusWouldBlock) {
			c.armRead()
			return
		}
		c.acceptFailed(status)
		return
	}
	c.adopt(s)
	c.armRead()
}

// acceptFailed closes the listener on a fatal error and otherwise retries
// after a pause, e.g. when out of descriptors.
func (c *Channel) acceptFailed(err error) {
	switch api.StatusOf(err) {
	case api.StatusClosed, api.StatusTornDown, api.StatusInvalid, api.StatusTerminating:
		c.readFailed(err)
		return
	}
	c.logger.Warning().Err(err).Log("channel: accept failed")
	if terr := c.loop.AddTimer(acceptRetryDelay, func(status error) {
		if status == nil {
			c.armRead()
		}
	}); terr != nil {
		c.readFailed(terr)
	}
}

// adopt hands an accepted socket to a loop of the group.
func (c *Channel) adopt(s transport.Socket) {
	if s == nil {
		return
	}
	if lim := c.opts.acceptLimiter; lim != nil {
		host := hostOf(s.RemoteAddr())
		if next, ok := lim.Allow(host); !ok {
			c.opts.metrics.IncThrottled()
			c.logger.Warning().Str("remote", host).Time("retry_at", next).Log("channel: accept throttled")
			_ = s.Close()
			return
		}
	}
	c.opts.metrics.IncAccepted()

	loop := c.group.Next()
	if loop == nil {
		c.logger.Err().Err(concurrency.ErrNoLoop).Log("channel: accepted connection dropped")
		_ = s.Close()
		return
	}
	child := newChannel(loop, s, c.opts)
	acceptor := c.acceptor
	if err := loop.Execute(func() { child.startPassive(acceptor) }); err != nil {
		child.abandon(err)
	}
}

func (c *Channel) onWrite(status error, ctx *reactor.Context) {
	if c.is(FlagConnecting) {
		c.update(FlagWriteArmed, 0)
		c.connectReady(status)
		return
	}
	if c.completion {
		c.writeDone(status, ctx)
		return
	}
	c.update(FlagWriteArmed, 0)
	c.flush()
}

func (c *Channel) connectReady(status error) {
	if !c.completion {
		status = c.sock.FinishConnect()
		if errors.Is(status, api.StatusWouldBlock) {
			c.armWrite(reactor.ActionConnect)
			return
		}
	}
	if status != nil {
		c.fail(status, false)
		return
	}
	c.connected()
}

// enqueue accepts an outbound entry or fails it at once.
func (c *Channel) enqueue(o *outbound) {
	f := c.Flags()
	switch {
	case f.Any(FlagClosed | FlagClosing | writePhases):
		o.complete(api.StatusClosed)
		return
	case f.Has(FlagListening), f.Has(FlagDatagram) && !f.Has(FlagActive) && o.to == nil:
		o.complete(api.NewError(api.StatusInvalid, "write", api.ErrInvalidArgument))
		return
	}
	if !f.Has(FlagDatagram) {
		o.to = nil
	}
	idle := c.out.len() == 0
	c.out.push(o)
	c.pending.Store(int32(c.out.len()))
	if idle {
		c.flush()
	}
}

// writeInFlight reports whether bytes of the head entry are owned by the
// socket: a partly sent entry, or a running completion write.
func (c *Channel) writeInFlight() bool {
	if c.completion {
		return c.writeOp
	}
	h := c.out.head()
	return h != nil && h.sent > 0
}

func (c *Channel) closePending() bool {
	return c.closeReq != nil || c.closeWriteReq != nil
}

// flush moves queued bytes to the socket until the queue drains, the socket
// pushes back or the write budget runs out.
func (c *Channel) flush() {
	for {
		f := c.Flags()
		if !f.Has(FlagConnected) || f.Any(FlagClosed|FlagWriteShuttingDown|FlagWriteShutdown|FlagBackpressure|FlagWriteArmed) || c.writeOp {
			return
		}
		if c.closePending() && !c.writeInFlight() {
			c.runPendingCloses()
			return
		}
		if c.out.len() == 0 {
			return
		}
		budget := -1
		if c.bp != nil {
			if budget = c.bp.available(); budget <= 0 {
				c.limit()
				return
			}
		}
		if c.completion {
			c.submitWrite(budget)
			return
		}
		n, attempted, err := c.writeNow(budget)
		if n > 0 || attempted == 0 {
			c.wrote(n)
		}
		switch {
		case err == nil && n < attempted:
			c.armWrite(reactor.ActionWrite)
			return
		case err == nil:
		case errors.Is(err, api.StatusWouldBlock):
			c.armWrite(reactor.ActionWrite)
			return
		case errors.Is(err, api.StatusBackpressure):
			c.limit()
			return
		default:
			c.writeFailed(err)
			return
		}
	}
}

// writeNow performs one non-blocking send from the head of the queue.
func (c *Channel) writeNow(budget int) (n, attempted int, err error) {
	if c.is(FlagDatagram) {
		head := c.out.head()
		b := head.buf.Bytes()
		if c.bp != nil && len(b) > budget && !c.bp.full() {
			return 0, len(b), api.StatusBackpressure
		}
		if _, err := c.sock.WriteTo(b, head.to); err != nil {
			return 0, len(b), err
		}
		return len(b), len(b), nil
	}
	c.gather = c.out.gather(c.gather[:0], budget)
	for _, b := range c.gather {
		attempted += len(b)
	}
	n, err = c.sock.WriteBuffers(c.gather)
	clear(c.gather)
	return n, attempted, err
}

// submitWrite starts a completion write of the head of the queue.
func (c *Channel) submitWrite(budget int) {
	var to net.Addr
	if c.is(FlagDatagram) {
		head := c.out.head()
		b := head.buf.Bytes()
		if c.bp != nil && len(b) > budget && !c.bp.full() {
			c.limit()
			return
		}
		c.gather = append(c.gather[:0], b)
		to = head.to
	} else {
		c.gather = c.out.gather(c.gather[:0], budget)
	}
	for i := range c.gather {
		c.out.at(i).inflight = true
	}
	c.rctx.WriteBufs = c.gather
	c.rctx.To = to
	if err := c.loop.Poller().Do(reactor.ActionWrite, c.rctx); err != nil {
		c.settleInflight()
		c.writeFailed(err)
		return
	}
	c.writeOp = true
}

func (c *Channel) settleInflight() {
	for i := 0; i < c.out.len() && i < maxGather; i++ {
		c.out.at(i).inflight = false
	}
}

func (c *Channel) writeDone(status error, ctx *reactor.Context) {
	if !c.writeOp {
		return
	}
	c.writeOp = false
	ctx.WriteBufs = nil
	ctx.To = nil
	if c.is(FlagClosed | FlagWriteShuttingDown | FlagWriteShutdown) {
		return
	}
	c.settleInflight()
	if n := ctx.WriteN; n > 0 {
		c.wrote(n)
	}
	if status != nil {
		c.writeFailed(status)
		return
	}
	c.flush()
}

// wrote accounts n bytes handed to the socket.
func (c *Channel) wrote(n int) {
	c.opts.metrics.AddBytesOut(n)
	if c.bp != nil {
		c.bp.consume(n)
	}
	c.out.consume(n)
	c.pending.Store(int32(c.out.len()))
}

// limit suspends writes until the next refill.
func (c *Channel) limit() {
	c.update(0, FlagBackpressure)
	if c.is(FlagRefillTimer) {
		return
	}
	c.update(0, FlagRefillTimer)
	if err := c.loop.AddTimer(c.bp.tick, c.refill); err != nil {
		c.update(FlagRefillTimer, 0)
	}
}

func (c *Channel) refill(status error) {
	c.update(FlagRefillTimer, 0)
	if status != nil || c.is(FlagClosed) {
		return
	}
	if c.bp != nil {
		c.bp.refill()
	}
	if c.is(FlagBackpressure) {
		c.update(FlagBackpressure, 0)
		c.flush()
	}
}

func (c *Channel) handleClose(kind closeKind, p *concurrency.Promise[error]) {
	f := c.Flags()
	if f.Has(FlagClosed) {
		p.Set(api.StatusAlready)
		return
	}
	switch kind {
	case closeRead:
		if f.Any(readPhases) {
			p.Set(api.StatusAlready)
			return
		}
		c.shutdownRead()
		p.Set(nil)

	case closeWrite:
		if f.Any(writePhases) || f.Has(FlagClosing) {
			p.Set(api.StatusAlready)
			return
		}
		if c.writeInFlight() {
			c.update(0, FlagWritePending)
			c.closeWriteReq = p
			c.armCloseTimer()
			return
		}
		c.shutdownWrite()
		p.Set(nil)

	default:
		if f.Has(FlagClosing) {
			p.Set(api.StatusAlready)
			return
		}
		c.update(0, FlagClosing)
		if c.writeInFlight() {
			var set Flags
			if !f.Any(readPhases) {
				set |= FlagReadPending
			}
			if !f.Any(writePhases) {
				set |= FlagWritePending
			}
			c.update(0, set)
			c.closeReq = p
			c.armCloseTimer()
			return
		}
		c.shutdownWrite()
		c.shutdownRead()
		p.TrySet(nil)
	}
}

// runPendingCloses performs close requests that waited for a write.
func (c *Channel) runPendingCloses() {
	if p := c.closeWriteReq; p != nil {
		c.closeWriteReq = nil
		c.shutdownWrite()
		p.TrySet(c.err)
	}
	if p := c.closeReq; p != nil {
		c.closeReq = nil
		c.shutdownWrite()
		c.shutdownRead()
		p.TrySet(c.err)
	}
}

func (c *Channel) armCloseTimer() {
	d := c.opts.closeTimeout
	if d <= 0 || c.is(FlagCloseTimer) {
		return
	}
	c.update(0, FlagCloseTimer)
	err := c.loop.AddTimer(d, func(status error) {
		c.update(FlagCloseTimer, 0)
		if status != nil || c.is(FlagClosed) || !c.closePending() {
			return
		}
		if c.writeInFlight() {
			c.logger.Debug().Dur("timeout", d).Log("channel: close timed out")
			if c.completion {
				for c.out.len() > 0 && c.out.head().inflight {
					c.out.pop().complete(api.StatusTimeout)
				}
			} else {
				c.out.pop().complete(api.StatusTimeout)
			}
			c.pending.Store(int32(c.out.len()))
		}
		c.runPendingCloses()
	})
	if err != nil {
		c.update(FlagCloseTimer, 0)
	}
}

func (c *Channel) readFailed(err error) {
	if !c.is(FlagClosed) {
		c.update(0, FlagReadError)
	}
	c.fail(err, true)
}

func (c *Channel) writeFailed(err error) {
	if !c.is(FlagClosed) {
		c.update(0, FlagWriteError)
	}
	c.fail(err, true)
}

// fail records err, cancels pending work with it and drives the channel to
// Closed.
func (c *Channel) fail(err error, event bool) {
	if c.is(FlagClosed) {
		return
	}
	if c.err == nil {
		c.err = err
	}
	c.logger.Debug().Err(err).Log("channel: failed")
	if event {
		c.fire(func(p Pipeline) { p.Error(c, err) })
	}
	if !c.is(FlagClosing) {
		c.update(0, FlagClosing)
	}
	c.shutdownWrite()
	c.shutdownRead()
}

func (c *Channel) stream() bool {
	return !c.is(FlagListening|FlagDatagram) && c.is(FlagConnected)
}

func (c *Channel) shutdownRead() {
	if !c.attached || c.is(FlagReadShuttingDown|FlagReadShutdown) {
		return
	}
	c.update(FlagReadPending, FlagReadShuttingDown)
	for _, r := range c.readAhead {
		r.buf.Release()
	}
	c.readAhead = nil
	if c.stream() {
		_ = c.sock.ShutdownRead()
	}
	c.update(FlagReadShuttingDown|FlagReadPaused, FlagReadShutdown)
	if c.is(FlagConnected) && !c.is(FlagListening) {
		c.fire(func(p Pipeline) { p.ReadClosed(c) })
	}
	// the callback may have closed the channel already
	if c.is(FlagWriteShutdown) && !c.is(FlagClosed) {
		c.finalize()
	}
}

func (c *Channel) shutdownWrite() {
	if !c.attached || c.is(FlagWriteShuttingDown|FlagWriteShutdown) {
		return
	}
	c.update(FlagWritePending|FlagBackpressure, FlagWriteShuttingDown)
	cause := c.err
	if cause == nil {
		cause = api.StatusAborted
	}
	c.out.cancel(cause)
	c.pending.Store(0)
	if c.stream() {
		_ = c.sock.ShutdownWrite()
	}
	c.update(FlagWriteShuttingDown, FlagWriteShutdown)
	if c.is(FlagConnected) && !c.is(FlagListening) {
		c.fire(func(p Pipeline) { p.WriteClosed(c) })
	}
	// the callback may have closed the channel already
	if c.is(FlagReadShutdown) && !c.is(FlagClosed) {
		c.finalize()
	}
}

// finalize deregisters, closes the socket, fires Closed, resolves every
// outstanding promise and drops the loop reference. It runs once.
func (c *Channel) finalize() {
	if c.is(FlagClosed) {
		return
	}
	c.update(FlagClosing|FlagConnecting|FlagReadArmed|FlagWriteArmed|FlagReadPending|FlagWritePending, FlagClosed)
	if c.rctx != nil {
		if err := c.loop.Poller().End(c.rctx); err != nil && !errors.Is(err, api.StatusAlready) {
			c.logger.Debug().Err(err).Log("channel: deregister")
		}
	}
	if err := c.sock.Close(); err != nil {
		c.logger.Debug().Err(err).Log("channel: socket close")
	}
	// a completion read may still be filling readBuf
	c.readBuf = nil

	err := c.err
	c.fire(func(p Pipeline) { p.Closed(c, err) })
	c.pipeline = nil
	if c.connect != nil {
		if err != nil {
			c.connect.TrySet(err)
		} else {
			c.connect.TrySet(api.StatusClosed)
		}
	}
	for _, p := range []*concurrency.Promise[error]{c.closeReq, c.closeWriteReq} {
		if p != nil {
			p.TrySet(err)
		}
	}
	c.closeReq, c.closeWriteReq = nil, nil
	c.closeFuture.TrySet(err)
	c.logger.Debug().Err(err).Log("channel: closed")
	c.opts.metrics.ChannelClosed()
	c.attached = false
	c.loop.Release()
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return host
	}
	return addr.String()
}

func addrText(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
