// File: channel/channel.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Channel is a connection, listening or datagram endpoint owned by one loop.
// Every mutating call is re-entered onto that loop; other goroutines only
// read identity, the flags snapshot and the pending counter.

package channel

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/logiface"
	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/core/buffer"
	"github.com/momentics/hioload-net/core/concurrency"
	"github.com/momentics/hioload-net/internal/transport"
	"github.com/momentics/hioload-net/reactor"
)

// Channel is an asynchronous socket endpoint.
type Channel struct {
	id          uuid.UUID
	loop        *concurrency.Loop
	sock        transport.Socket
	opts        *options
	logger      *logiface.Logger[logiface.Event]
	completion  bool
	flags       atomic.Uint32
	pending     atomic.Int32
	closeFuture *concurrency.Promise[error]

	// listeners only
	group    *concurrency.Group
	acceptor Acceptor

	// owned by the loop
	rctx      *reactor.Context
	pipeline  Pipeline
	attached  bool
	err       error
	out       writeQueue
	bp        *bucket
	gather    [][]byte
	writeOp   bool
	readBuf   *buffer.Buffer
	readAhead []readResult

	connect       *concurrency.Promise[error]
	closeReq      *concurrency.Promise[error]
	closeWriteReq *concurrency.Promise[error]
}

type readResult struct {
	buf  *buffer.Buffer
	from net.Addr
}

// newChannel returns a detached channel; it stays Closed until attached on
// its loop.
func newChannel(loop *concurrency.Loop, sock transport.Socket, opts *options) *Channel {
	c := &Channel{
		id:          uuid.New(),
		loop:        loop,
		sock:        sock,
		opts:        opts,
		completion:  loop.Poller().Kind().Completion(),
		closeFuture: concurrency.NewPromise[error](),
		out:         newWriteQueue(),
		bp:          newBucket(opts.bytesPerSecond, opts.tick),
	}
	c.flags.Store(uint32(FlagClosed))
	c.logger = loop.Logger().Clone().Str("channel", c.id.String()).Logger()
	return c
}

// Dial connects to address from loop. The promise resolves with nil once
// connected, or with the failure that closed the channel. The channel is nil
// only when the socket could not be created.
func Dial(loop *concurrency.Loop, network, address string, p Pipeline, opts ...Option) (*Channel, *concurrency.Promise[error]) {
	done := concurrency.NewPromise[error]()
	cfg, err := resolveOptions(opts)
	if err != nil {
		done.Set(err)
		return nil, done
	}
	sock, err := transport.Open(network, address, reactor.RawSockets(loop.Poller().Kind()))
	if err != nil {
		done.Set(err)
		return nil, done
	}
	c := newChannel(loop, sock, cfg)
	c.connect = done
	set := FlagActive | FlagConnecting
	if sock.Datagram() {
		set |= FlagDatagram
	}
	if err := loop.Execute(func() { c.startConnect(p, set) }); err != nil {
		c.abandon(err)
		done.TrySet(err)
	}
	return c, done
}

// Listen opens a listening channel on a loop of g. Accepted connections are
// spread over g, each getting its pipeline from acceptor.
func Listen(g *concurrency.Group, network, address string, acceptor Acceptor, opts ...Option) (*Channel, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	loop := g.Next()
	if loop == nil {
		return nil, concurrency.ErrNoLoop
	}
	sock, err := transport.Listen(network, address, reactor.RawSockets(loop.Poller().Kind()))
	if err != nil {
		return nil, err
	}
	c := newChannel(loop, sock, cfg)
	c.group = g
	c.acceptor = acceptor
	if err := c.start(c.startListen); err != nil {
		return nil, err
	}
	return c, nil
}

// ListenPacket opens a bound datagram channel on loop.
func ListenPacket(loop *concurrency.Loop, network, address string, p Pipeline, opts ...Option) (*Channel, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	sock, err := transport.ListenPacket(network, address, reactor.RawSockets(loop.Poller().Kind()))
	if err != nil {
		return nil, err
	}
	c := newChannel(loop, sock, cfg)
	if err := c.start(func() error { return c.startPacket(p) }); err != nil {
		return nil, err
	}
	return c, nil
}

// start runs fn on the loop and waits for its result.
func (c *Channel) start(fn func() error) error {
	started := concurrency.NewPromise[error]()
	if err := c.loop.Execute(func() { started.Set(fn()) }); err != nil {
		c.abandon(err)
		return err
	}
	return started.Wait()
}

// abandon disposes of a channel that never reached its loop.
func (c *Channel) abandon(err error) {
	_ = c.sock.Close()
	c.closeFuture.TrySet(err)
}

// Write queues buf. The channel owns buf from here on and releases it in
// every outcome. The promise resolves once the bytes were handed to the
// socket, or with the failure.
func (c *Channel) Write(buf *buffer.Buffer) *concurrency.Promise[error] {
	return c.send(buf, nil)
}

// WriteTo queues a datagram for addr.
func (c *Channel) WriteTo(buf *buffer.Buffer, addr net.Addr) *concurrency.Promise[error] {
	return c.send(buf, addr)
}

func (c *Channel) send(buf *buffer.Buffer, to net.Addr) *concurrency.Promise[error] {
	p := concurrency.NewPromise[error]()
	o := &outbound{buf: buf, promise: p, to: to}
	if err := c.loop.Execute(func() { c.enqueue(o) }); err != nil {
		o.complete(err)
	}
	return p
}

type closeKind int

const (
	closeBoth closeKind = iota
	closeRead
	closeWrite
)

// Close shuts both directions. A close requested while a write is in flight
// waits for that write. A second request resolves with api.StatusAlready.
func (c *Channel) Close() *concurrency.Promise[error] { return c.request(closeBoth) }

// CloseRead shuts the read direction, discarding read-ahead.
func (c *Channel) CloseRead() *concurrency.Promise[error] { return c.request(closeRead) }

// CloseWrite shuts the write direction, failing queued writes not yet handed
// to the socket.
func (c *Channel) CloseWrite() *concurrency.Promise[error] { return c.request(closeWrite) }

func (c *Channel) request(kind closeKind) *concurrency.Promise[error] {
	p := concurrency.NewPromise[error]()
	if err := c.loop.Execute(func() { c.handleClose(kind, p) }); err != nil {
		p.TrySet(err)
	}
	return p
}

// CloseFuture resolves when the channel is Closed, with nil after a graceful
// close or with the error that closed it.
func (c *Channel) CloseFuture() *concurrency.Promise[error] { return c.closeFuture }

// PauseRead stops delivering reads until ResumeRead.
func (c *Channel) PauseRead() error {
	return c.loop.Execute(func() {
		if !c.is(FlagClosed | FlagReadShutdown) {
			c.update(0, FlagReadPaused)
		}
	})
}

// ResumeRead delivers held reads and re-arms reading.
func (c *Channel) ResumeRead() error {
	return c.loop.Execute(func() {
		if !c.is(FlagReadPaused) {
			return
		}
		c.update(FlagReadPaused, 0)
		held := c.readAhead
		c.readAhead = nil
		for i, r := range held {
			if c.is(FlagClosed | FlagReadShutdown | FlagReadShuttingDown) {
				for _, rest := range held[i:] {
					rest.buf.Release()
				}
				return
			}
			if c.is(FlagReadPaused) {
				c.readAhead = append(held[i:], c.readAhead...)
				return
			}
			c.deliver(r.buf, r.from)
		}
		c.armRead()
	})
}

// SetBackpressure replaces the write budget. A non-positive rate removes it.
func (c *Channel) SetBackpressure(bytesPerSecond int64, tick time.Duration) error {
	return c.loop.Execute(func() {
		c.bp = newBucket(bytesPerSecond, tick)
		if c.is(FlagBackpressure) {
			c.update(FlagBackpressure, 0)
			c.flush()
		}
	})
}

// ID returns the channel identity.
func (c *Channel) ID() uuid.UUID { return c.id }

// Flags returns a snapshot of the channel state.
func (c *Channel) Flags() Flags { return Flags(c.flags.Load()) }

// Loop returns the owning loop.
func (c *Channel) Loop() *concurrency.Loop { return c.loop }

// Network returns the network the channel was opened with.
func (c *Channel) Network() string { return c.sock.Network() }

func (c *Channel) LocalAddr() net.Addr  { return c.sock.LocalAddr() }
func (c *Channel) RemoteAddr() net.Addr { return c.sock.RemoteAddr() }

// Err returns the error that failed the channel. Loop only.
func (c *Channel) Err() error { return c.err }

// Pending returns the number of queued writes.
func (c *Channel) Pending() int { return int(c.pending.Load()) }

func (c *Channel) String() string {
	return fmt.Sprintf("channel(%s %s %s)", c.id, c.sock.Network(), c.Flags())
}

func (c *Channel) is(mask Flags) bool { return c.Flags().Any(mask) }

// update applies a guarded transition. An illegal one is a defect.
func (c *Channel) update(clear, set Flags) {
	next, err := c.Flags().transition(clear, set)
	if err != nil {
		api.Defect("channel %s: %v", c.id, err)
	}
	c.flags.Store(uint32(next))
}

func (c *Channel) fire(fn func(p Pipeline)) {
	p := c.pipeline
	if p == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Err().Any("panic", r).Log("channel: pipeline panicked")
		}
	}()
	fn(p)
}
