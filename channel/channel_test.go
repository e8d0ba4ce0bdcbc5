// File: channel/channel_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package channel

import (
	"bytes"
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/core/buffer"
	"github.com/momentics/hioload-net/core/concurrency"
	"github.com/momentics/hioload-net/reactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

func kinds() []reactor.Kind {
	if reactor.DefaultKind() == reactor.KindCompletion {
		return []reactor.Kind{reactor.KindCompletion}
	}
	return []reactor.Kind{reactor.DefaultKind(), reactor.KindCompletion}
}

func eachKind(t *testing.T, fn func(t *testing.T, kind reactor.Kind)) {
	for _, kind := range kinds() {
		t.Run(kind.String(), func(t *testing.T) { fn(t, kind) })
	}
}

func newGroup(t *testing.T, kind reactor.Kind, n int) *concurrency.Group {
	t.Helper()
	g, err := concurrency.NewGroup(n, concurrency.WithPoller(kind))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		assert.NoError(t, g.Shutdown(ctx))
	})
	return g
}

type packet struct {
	data []byte
	from net.Addr
}

// events forwards every pipeline callback to a channel.
type events struct {
	connected   chan *Channel
	reads       chan packet
	readClosed  chan struct{}
	writeClosed chan struct{}
	closed      chan error
	errs        chan error
}

func newEvents() *events {
	return &events{
		connected:   make(chan *Channel, 16),
		reads:       make(chan packet, 256),
		readClosed:  make(chan struct{}, 16),
		writeClosed: make(chan struct{}, 16),
		closed:      make(chan error, 16),
		errs:        make(chan error, 16),
	}
}

func (e *events) Connected(ch *Channel) { e.connected <- ch }
func (e *events) Read(_ *Channel, buf *buffer.Buffer, from net.Addr) {
	e.reads <- packet{data: bytes.Clone(buf.Bytes()), from: from}
}
func (e *events) ReadClosed(*Channel)          { e.readClosed <- struct{}{} }
func (e *events) WriteClosed(*Channel)         { e.writeClosed <- struct{}{} }
func (e *events) Closed(_ *Channel, err error) { e.closed <- err }
func (e *events) Error(_ *Channel, err error)  { e.errs <- err }

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

func settle(t *testing.T, p *concurrency.Promise[error]) error {
	t.Helper()
	err, ok := p.WaitFor(waitTimeout)
	require.True(t, ok, "promise did not resolve")
	return err
}

// readN collects n bytes from reads.
func readN(t *testing.T, reads <-chan packet, n int) []byte {
	t.Helper()
	var got []byte
	for len(got) < n {
		got = append(got, recv(t, reads).data...)
	}
	return got
}

type counters struct {
	in, out, accepted, throttled, opened, closed atomic.Int64
}

func (c *counters) AddBytesIn(n int)  { c.in.Add(int64(n)) }
func (c *counters) AddBytesOut(n int) { c.out.Add(int64(n)) }
func (c *counters) IncAccepted()      { c.accepted.Add(1) }
func (c *counters) IncThrottled()     { c.throttled.Add(1) }
func (c *counters) ChannelOpened()    { c.opened.Add(1) }
func (c *counters) ChannelClosed()    { c.closed.Add(1) }

// pair connects a dialer to a listener on g and returns both ends.
func pair(t *testing.T, g *concurrency.Group, srv, cli Pipeline, lopts, dopts []Option) (ln, child, c *Channel) {
	t.Helper()
	accepted := make(chan *Channel, 1)
	ln, err := Listen(g, "tcp", "127.0.0.1:0", func(ch *Channel) Pipeline {
		accepted <- ch
		return srv
	}, lopts...)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	c, connected := Dial(g.Next(), "tcp", ln.LocalAddr().String(), cli, dopts...)
	require.NotNil(t, c)
	require.NoError(t, settle(t, connected))
	child = recv(t, accepted)
	return ln, child, c
}

func TestRoundTripAndHalfClose(t *testing.T) {
	eachKind(t, func(t *testing.T, kind reactor.Kind) {
		g := newGroup(t, kind, 2)
		srv, cli := newEvents(), newEvents()
		ln, child, c := pair(t, g, srv, cli, nil, nil)
		assert.Same(t, child, recv(t, srv.connected))
		assert.Same(t, c, recv(t, cli.connected))
		assert.True(t, ln.Flags().Has(FlagListening))
		assert.True(t, child.Flags().Has(FlagPassive|FlagConnected))
		assert.True(t, c.Flags().Has(FlagActive|FlagConnected))

		require.NoError(t, settle(t, c.Write(buffer.Wrap([]byte{0x01, 0x02, 0x03}))))
		assert.Equal(t, []byte{0x01, 0x02, 0x03}, readN(t, srv.reads, 3))

		require.NoError(t, settle(t, child.CloseWrite()))
		recv(t, srv.writeClosed)
		recv(t, cli.readClosed)
		assert.True(t, c.Flags().Has(FlagReadShutdown))
		assert.False(t, c.Flags().Has(FlagClosed))

		// the other direction still works
		require.NoError(t, settle(t, c.Write(buffer.Wrap([]byte("ping")))))
		assert.Equal(t, []byte("ping"), readN(t, srv.reads, 4))

		require.NoError(t, settle(t, c.Close()))
		assert.NoError(t, recv(t, cli.closed))
		assert.NoError(t, recv(t, srv.closed))
		assert.NoError(t, settle(t, c.CloseFuture()))
		assert.NoError(t, settle(t, child.CloseFuture()))
		assert.True(t, c.Flags().Has(FlagClosed|FlagReadShutdown|FlagWriteShutdown))

		require.NoError(t, settle(t, ln.Close()))
		assert.True(t, ln.Flags().Has(FlagClosed))
	})
}

func TestCloseIsIdempotent(t *testing.T) {
	eachKind(t, func(t *testing.T, kind reactor.Kind) {
		g := newGroup(t, kind, 1)
		cli := newEvents()
		_, _, c := pair(t, g, newEvents(), cli, nil, nil)

		require.NoError(t, settle(t, c.Close()))
		assert.ErrorIs(t, settle(t, c.Close()), api.StatusAlready)
		assert.ErrorIs(t, settle(t, c.CloseRead()), api.StatusAlready)
		assert.ErrorIs(t, settle(t, c.CloseWrite()), api.StatusAlready)
		assert.ErrorIs(t, settle(t, c.Write(buffer.Wrap([]byte{1}))), api.StatusClosed)

		assert.NoError(t, recv(t, cli.closed))
		select {
		case <-cli.closed:
			t.Fatal("closed fired twice")
		case <-time.After(50 * time.Millisecond):
		}
	})
}

func TestHalfCloseTwiceFiresOnce(t *testing.T) {
	eachKind(t, func(t *testing.T, kind reactor.Kind) {
		g := newGroup(t, kind, 1)
		cli := newEvents()
		_, _, c := pair(t, g, newEvents(), cli, nil, nil)

		require.NoError(t, settle(t, c.CloseRead()))
		assert.ErrorIs(t, settle(t, c.CloseRead()), api.StatusAlready)
		recv(t, cli.readClosed)
		assert.False(t, c.Flags().Has(FlagClosed))

		require.NoError(t, settle(t, c.Write(buffer.Wrap([]byte("still open")))))
		require.NoError(t, settle(t, c.CloseWrite()))
		assert.ErrorIs(t, settle(t, c.CloseWrite()), api.StatusAlready)
		recv(t, cli.writeClosed)
		assert.NoError(t, recv(t, cli.closed))

		time.Sleep(50 * time.Millisecond)
		assert.Empty(t, cli.readClosed)
		assert.Empty(t, cli.writeClosed)
		assert.Empty(t, cli.closed)
	})
}

func TestCloseFromHalfCloseCallback(t *testing.T) {
	cases := []struct {
		name    string
		hook    func(f *PipelineFuncs)
		trigger func(child, c *Channel) *concurrency.Promise[error]
	}{
		{
			name:    "close on read closed",
			hook:    func(f *PipelineFuncs) { f.OnReadClosed = func(ch *Channel) { ch.Close() } },
			trigger: func(_, c *Channel) *concurrency.Promise[error] { return c.CloseWrite() },
		},
		{
			name:    "close read on write closed",
			hook:    func(f *PipelineFuncs) { f.OnWriteClosed = func(ch *Channel) { ch.CloseRead() } },
			trigger: func(child, _ *Channel) *concurrency.Promise[error] { return child.CloseWrite() },
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eachKind(t, func(t *testing.T, kind reactor.Kind) {
				g := newGroup(t, kind, 1)
				loop := g.Loops()[0]
				srvClosed := make(chan error, 4)
				srv := &PipelineFuncs{OnClosed: func(_ *Channel, err error) { srvClosed <- err }}
				tc.hook(srv)
				m := &counters{}
				_, child, c := pair(t, g, srv, nil, []Option{WithMetrics(m)}, nil)
				// owner, listener, child and dialer
				require.Equal(t, int32(4), loop.Refs())

				require.NoError(t, settle(t, tc.trigger(child, c)))
				assert.NoError(t, recv(t, srvClosed))
				assert.NoError(t, settle(t, child.CloseFuture()))
				require.Eventually(t, func() bool { return m.closed.Load() > 0 }, waitTimeout, time.Millisecond)

				time.Sleep(50 * time.Millisecond)
				assert.Equal(t, int32(3), loop.Refs())
				assert.Equal(t, int64(2), m.opened.Load())
				assert.Equal(t, int64(1), m.closed.Load())
				assert.Empty(t, srvClosed)

				require.NoError(t, settle(t, c.Close()))
				require.Eventually(t, func() bool { return loop.Refs() == 2 }, waitTimeout, time.Millisecond)
			})
		})
	}
}

func TestDialRefused(t *testing.T) {
	eachKind(t, func(t *testing.T, kind reactor.Kind) {
		g := newGroup(t, kind, 1)
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := l.Addr().String()
		require.NoError(t, l.Close())

		cli := newEvents()
		c, connected := Dial(g.Next(), "tcp", addr, cli)
		require.NotNil(t, c)
		err = settle(t, connected)
		require.Error(t, err)
		assert.Equal(t, err, settle(t, c.CloseFuture()))
		assert.Equal(t, err, recv(t, cli.closed))
		assert.True(t, c.Flags().Has(FlagClosed))
		assert.False(t, c.Flags().Has(FlagConnecting))
	})
}

func TestPauseResume(t *testing.T) {
	eachKind(t, func(t *testing.T, kind reactor.Kind) {
		g := newGroup(t, kind, 2)
		srv := newEvents()
		_, child, c := pair(t, g, srv, newEvents(), nil, nil)

		require.NoError(t, child.PauseRead())
		require.Eventually(t, func() bool { return child.Flags().Has(FlagReadPaused) }, waitTimeout, time.Millisecond)
		for _, b := range []string{"a", "b", "c"} {
			require.NoError(t, settle(t, c.Write(buffer.Wrap([]byte(b)))))
		}
		time.Sleep(50 * time.Millisecond)
		assert.Empty(t, srv.reads)

		require.NoError(t, child.ResumeRead())
		assert.Equal(t, []byte("abc"), readN(t, srv.reads, 3))
		assert.False(t, child.Flags().Has(FlagReadPaused))
	})
}

func TestBackpressureBoundsDrain(t *testing.T) {
	const (
		rate = 64 * 1024
		tick = 10 * time.Millisecond
		size = 1 << 20
	)
	perTick := int64(rate) * int64(tick) / int64(time.Second)

	eachKind(t, func(t *testing.T, kind reactor.Kind) {
		g := newGroup(t, kind, 2)
		var received atomic.Int64
		srv := &PipelineFuncs{OnRead: func(_ *Channel, buf *buffer.Buffer, _ net.Addr) {
			received.Add(int64(buf.Len()))
		}}
		m := &counters{}
		_, _, c := pair(t, g, srv, nil, nil, []Option{WithBackpressure(rate, tick), WithMetrics(m)})

		start := time.Now()
		written := c.Write(buffer.Wrap(make([]byte, size)))
		for i := 0; i < 6; i++ {
			time.Sleep(50 * time.Millisecond)
			n := m.out.Load()
			elapsed := time.Since(start)
			bound := int64(rate)*int64(elapsed)/int64(time.Second) + perTick
			assert.LessOrEqual(t, n, bound, "drained %d bytes in %v", n, elapsed)
		}
		assert.Positive(t, m.out.Load())
		assert.False(t, written.IsDone())
		assert.Equal(t, 1, c.Pending())

		require.NoError(t, c.SetBackpressure(0, 0))
		require.NoError(t, settle(t, written))
		assert.Equal(t, 0, c.Pending())
		require.Eventually(t, func() bool { return received.Load() == size }, waitTimeout, time.Millisecond)
		assert.Equal(t, int64(size), m.out.Load())
	})
}

func TestCloseWaitsForInflightWrite(t *testing.T) {
	const size = 32 << 20

	eachKind(t, func(t *testing.T, kind reactor.Kind) {
		g := newGroup(t, kind, 2)
		var received atomic.Int64
		srvClosed := make(chan error, 1)
		srv := &PipelineFuncs{
			OnConnected: func(ch *Channel) { _ = ch.PauseRead() },
			OnRead: func(_ *Channel, buf *buffer.Buffer, _ net.Addr) {
				received.Add(int64(buf.Len()))
			},
			OnReadClosed: func(ch *Channel) { ch.Close() },
			OnClosed:     func(_ *Channel, err error) { srvClosed <- err },
		}
		_, child, c := pair(t, g, srv, nil, nil, nil)

		written := c.Write(buffer.Wrap(make([]byte, size)))
		closed := c.Close()
		time.Sleep(50 * time.Millisecond)
		assert.False(t, closed.IsDone())
		assert.False(t, written.IsDone())
		assert.True(t, c.Flags().Has(FlagClosing|FlagWritePending|FlagReadPending))

		require.NoError(t, child.ResumeRead())
		require.NoError(t, settle(t, written))
		require.NoError(t, settle(t, closed))
		assert.NoError(t, recv(t, srvClosed))
		assert.Equal(t, int64(size), received.Load())
	})
}

func TestCloseTimeoutFailsInflightWrite(t *testing.T) {
	const size = 32 << 20

	eachKind(t, func(t *testing.T, kind reactor.Kind) {
		g := newGroup(t, kind, 2)
		srv := &PipelineFuncs{OnConnected: func(ch *Channel) { _ = ch.PauseRead() }}
		_, _, c := pair(t, g, srv, nil, nil, []Option{WithCloseTimeout(50 * time.Millisecond)})

		written := c.Write(buffer.Wrap(make([]byte, size)))
		queued := c.Write(buffer.Wrap([]byte("tail")))
		closed := c.Close()

		assert.NoError(t, settle(t, closed))
		assert.ErrorIs(t, settle(t, written), api.StatusTimeout)
		// a completion write may have carried the tail along
		assert.Contains(t, []api.Status{api.StatusAborted, api.StatusTimeout}, api.StatusOf(settle(t, queued)))
		assert.NoError(t, settle(t, c.CloseFuture()))
	})
}

func TestDatagram(t *testing.T) {
	eachKind(t, func(t *testing.T, kind reactor.Kind) {
		g := newGroup(t, kind, 2)
		ea, eb := newEvents(), newEvents()
		a, err := ListenPacket(g.Next(), "udp", "127.0.0.1:0", ea)
		require.NoError(t, err)
		b, err := ListenPacket(g.Next(), "udp", "127.0.0.1:0", eb)
		require.NoError(t, err)
		recv(t, ea.connected)
		assert.True(t, a.Flags().Has(FlagDatagram|FlagConnected))

		require.NoError(t, settle(t, a.WriteTo(buffer.Wrap([]byte("hello")), b.LocalAddr())))
		p := recv(t, eb.reads)
		assert.Equal(t, []byte("hello"), p.data)
		require.NotNil(t, p.from)
		assert.Equal(t, a.LocalAddr().String(), p.from.String())

		err = settle(t, a.Write(buffer.Wrap([]byte("nowhere"))))
		assert.Equal(t, api.StatusInvalid, api.StatusOf(err))

		require.NoError(t, settle(t, a.Close()))
		require.NoError(t, settle(t, b.Close()))
		assert.NoError(t, recv(t, ea.closed))
	})
}

func TestAcceptRateThrottlesHost(t *testing.T) {
	eachKind(t, func(t *testing.T, kind reactor.Kind) {
		g := newGroup(t, kind, 1)
		m := &counters{}
		lopts := []Option{WithAcceptRate(map[time.Duration]int{time.Minute: 1}), WithMetrics(m)}
		ln, _, _ := pair(t, g, newEvents(), nil, lopts, nil)

		cli := newEvents()
		c, connected := Dial(g.Next(), "tcp", ln.LocalAddr().String(), cli)
		require.NoError(t, settle(t, connected))
		recv(t, cli.readClosed)
		require.Eventually(t, func() bool { return m.throttled.Load() == 1 }, waitTimeout, time.Millisecond)
		assert.Equal(t, int64(1), m.accepted.Load())
		require.NoError(t, settle(t, c.Close()))
	})
}

func TestListenerOptionsValidated(t *testing.T) {
	g := newGroup(t, reactor.KindAuto, 1)
	_, err := Listen(g, "tcp", "127.0.0.1:0", nil, WithAcceptRate(map[time.Duration]int{time.Second: -1}))
	assert.Error(t, err)
	_, err = Listen(g, "tcp", "127.0.0.1:0", nil, WithCloseTimeout(-time.Second))
	assert.Error(t, err)
	_, err = Listen(g, "tcp", "127.0.0.1:0", nil, WithBackpressure(1, -time.Second))
	assert.Error(t, err)
}

func TestPipelinePanicIsContained(t *testing.T) {
	g := newGroup(t, reactor.KindAuto, 1)
	srv := newEvents()
	cli := &PipelineFuncs{OnConnected: func(*Channel) { panic("boom") }}
	_, _, c := pair(t, g, srv, cli, nil, nil)
	require.NoError(t, settle(t, c.Write(buffer.Wrap([]byte{9}))))
	assert.Equal(t, []byte{9}, readN(t, srv.reads, 1))
}
