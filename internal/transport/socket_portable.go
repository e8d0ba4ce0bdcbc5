// File: internal/transport/socket_portable.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Portable blocking sockets over the net package, used by the completion
// poller on every platform.

package transport

import (
	"context"
	"net"
	"sync"

	"github.com/momentics/hioload-net/api"
)

type portableSocket struct {
	network string
	address string

	mu     sync.Mutex
	conn   net.Conn
	ln     net.Listener
	pc     net.PacketConn
	cancel context.CancelFunc
	closed bool
}

func listenPortable(network, address string) (Socket, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, Translate("listen", err)
	}
	return &portableSocket{network: network, address: address, ln: ln}, nil
}

func listenPacketPortable(network, address string) (Socket, error) {
	pc, err := net.ListenPacket(network, address)
	if err != nil {
		return nil, Translate("listen packet", err)
	}
	return &portableSocket{network: network, address: address, pc: pc}, nil
}

func openPortable(network, address string) (Socket, error) {
	switch {
	case IsDatagram(network), network == "tcp", network == "tcp4", network == "tcp6":
		return &portableSocket{network: network, address: address}, nil
	}
	return nil, api.NewError(api.StatusInvalid, "open", api.ErrNotSupported)
}

func (s *portableSocket) FD() int         { return -1 }
func (s *portableSocket) Network() string { return s.network }
func (s *portableSocket) Datagram() bool  { return IsDatagram(s.network) }

func (s *portableSocket) stream() (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, api.StatusClosed
	}
	if s.conn == nil {
		return nil, api.NewError(api.StatusInvalid, "io", api.ErrInvalidArgument)
	}
	return s.conn, nil
}

func (s *portableSocket) Read(p []byte) (int, error) {
	c, err := s.stream()
	if err != nil {
		return 0, err
	}
	n, err := c.Read(p)
	if n > 0 {
		return n, nil
	}
	return n, Translate("read", err)
}

func (s *portableSocket) Write(p []byte) (int, error) {
	c, err := s.stream()
	if err != nil {
		return 0, err
	}
	n, err := c.Write(p)
	return n, Translate("write", err)
}

func (s *portableSocket) WriteBuffers(bufs [][]byte) (int, error) {
	c, err := s.stream()
	if err != nil {
		return 0, err
	}
	nb := net.Buffers(bufs)
	n, err := nb.WriteTo(c)
	return int(n), Translate("writev", err)
}

func (s *portableSocket) ReadFrom(p []byte) (int, net.Addr, error) {
	s.mu.Lock()
	pc, closed := s.pc, s.closed
	s.mu.Unlock()
	if closed {
		return 0, nil, api.StatusClosed
	}
	if pc == nil {
		n, err := s.Read(p)
		return n, nil, err
	}
	n, from, err := pc.ReadFrom(p)
	return n, from, Translate("read from", err)
}

func (s *portableSocket) WriteTo(p []byte, addr net.Addr) (int, error) {
	s.mu.Lock()
	pc, closed := s.pc, s.closed
	s.mu.Unlock()
	if closed {
		return 0, api.StatusClosed
	}
	if pc == nil || addr == nil {
		return s.Write(p)
	}
	n, err := pc.WriteTo(p, addr)
	return n, Translate("write to", err)
}

func (s *portableSocket) Accept() (Socket, error) {
	s.mu.Lock()
	ln, closed := s.ln, s.closed
	s.mu.Unlock()
	if closed {
		return nil, api.StatusClosed
	}
	if ln == nil {
		return nil, api.NewError(api.StatusInvalid, "accept", api.ErrInvalidArgument)
	}
	c, err := ln.Accept()
	if err != nil {
		return nil, Translate("accept", err)
	}
	return &portableSocket{network: s.network, conn: c}, nil
}

// Connect dials synchronously; Close cancels a dial in progress.
func (s *portableSocket) Connect() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return api.StatusClosed
	}
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	var d net.Dialer
	c, err := d.DialContext(ctx, s.network, s.address)
	if err != nil {
		return Translate("connect", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = c.Close()
		return api.StatusClosed
	}
	s.conn = c
	return nil
}

func (s *portableSocket) FinishConnect() error { return nil }

func (s *portableSocket) ShutdownRead() error {
	c, err := s.stream()
	if err != nil {
		return nil
	}
	if cr, ok := c.(interface{ CloseRead() error }); ok {
		return Translate("shutdown read", cr.CloseRead())
	}
	return nil
}

func (s *portableSocket) ShutdownWrite() error {
	c, err := s.stream()
	if err != nil {
		return nil
	}
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		return Translate("shutdown write", cw.CloseWrite())
	}
	return nil
}

func (s *portableSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	var err error
	switch {
	case s.conn != nil:
		err = s.conn.Close()
	case s.ln != nil:
		err = s.ln.Close()
	case s.pc != nil:
		err = s.pc.Close()
	}
	return Translate("close", err)
}

func (s *portableSocket) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.conn != nil:
		return s.conn.LocalAddr()
	case s.ln != nil:
		return s.ln.Addr()
	case s.pc != nil:
		return s.pc.LocalAddr()
	}
	return nil
}

func (s *portableSocket) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn.RemoteAddr()
	}
	return nil
}
