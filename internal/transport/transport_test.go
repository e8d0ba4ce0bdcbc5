// File: internal/transport/transport_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport_test

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslate(t *testing.T) {
	assert.NoError(t, transport.Translate("read", nil))
	assert.Equal(t, api.StatusWouldBlock, transport.Translate("read", syscall.EAGAIN))
	assert.Equal(t, api.StatusEOF, api.StatusOf(transport.Translate("read", io.EOF)))
	assert.Equal(t, api.StatusRefused, api.StatusOf(transport.Translate("connect", fmt.Errorf("dial: %w", syscall.ECONNREFUSED))))

	err := transport.Translate("write", syscall.ECONNRESET)
	assert.ErrorIs(t, err, api.StatusReset)
	assert.ErrorIs(t, err, syscall.ECONNRESET)
	assert.Equal(t, api.StatusSocket, api.StatusOf(transport.Translate("x", errors.New("odd"))))

	// already translated errors pass through
	assert.Same(t, err, transport.Translate("again", err))
}

func TestIsDatagram(t *testing.T) {
	assert.True(t, transport.IsDatagram("udp4"))
	assert.False(t, transport.IsDatagram("tcp"))
}

func TestPortableStreamRoundTrip(t *testing.T) {
	ln, err := transport.Listen("tcp", "127.0.0.1:0", false)
	require.NoError(t, err)
	defer ln.Close()
	assert.Equal(t, -1, ln.FD())

	accepted := make(chan transport.Socket, 1)
	go func() {
		s, err := ln.Accept()
		if err == nil {
			accepted <- s
		}
	}()

	c, err := transport.Open("tcp", ln.LocalAddr().String(), false)
	require.NoError(t, err)
	require.NoError(t, c.Connect())
	defer c.Close()

	var s transport.Socket
	select {
	case s = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("accept timed out")
	}
	defer s.Close()

	n, err := c.WriteBuffers([][]byte{{1, 2}, {3}})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, c.ShutdownWrite())

	got, err := io.ReadAll(readerFunc(s.Read))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func TestRawStreamRoundTrip(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("raw sockets are unix only")
	}
	ln, err := transport.Listen("tcp", "127.0.0.1:0", true)
	require.NoError(t, err)
	defer ln.Close()
	require.GreaterOrEqual(t, ln.FD(), 0)

	_, err = ln.Accept()
	assert.Equal(t, api.StatusWouldBlock, err)

	c, err := transport.Open("tcp", ln.LocalAddr().String(), true)
	require.NoError(t, err)
	defer c.Close()
	err = c.Connect()
	if err != nil {
		require.Equal(t, api.StatusWouldBlock, err)
	}

	var s transport.Socket
	require.Eventually(t, func() bool {
		s, err = ln.Accept()
		return err == nil
	}, 5*time.Second, time.Millisecond)
	defer s.Close()

	require.Eventually(t, func() bool { return c.FinishConnect() == nil }, 5*time.Second, time.Millisecond)
	assert.Equal(t, ln.LocalAddr().String(), c.RemoteAddr().String())

	_, err = c.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, c.ShutdownWrite())

	var got []byte
	buf := make([]byte, 16)
	require.Eventually(t, func() bool {
		n, err := s.Read(buf)
		got = append(got, buf[:n]...)
		return api.StatusOf(err) == api.StatusEOF
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, "ping", string(got))
}

func TestRawDatagramWriteTo(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("raw sockets are unix only")
	}
	a, err := transport.ListenPacket("udp", "127.0.0.1:0", true)
	require.NoError(t, err)
	defer a.Close()
	b, err := transport.ListenPacket("udp", "127.0.0.1:0", true)
	require.NoError(t, err)
	defer b.Close()
	assert.True(t, a.Datagram())

	n, err := a.WriteTo([]byte("dgram"), b.LocalAddr())
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 64)
	require.Eventually(t, func() bool {
		n, from, err := b.ReadFrom(buf)
		if err != nil {
			return false
		}
		assert.Equal(t, "dgram", string(buf[:n]))
		assert.Equal(t, a.LocalAddr().String(), from.String())
		return true
	}, 5*time.Second, time.Millisecond)
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) {
	n, err := f(p)
	if api.StatusOf(err) == api.StatusEOF {
		return n, io.EOF
	}
	return n, err
}
