//go:build unix
// +build unix

// internal/transport/socket_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Raw non-blocking sockets over x/sys/unix for the epoll and kqueue pollers.
// A raw socket is only touched by its owning loop.

package transport

import (
	"net"
	"syscall"

	"github.com/momentics/hioload-net/api"
	"golang.org/x/sys/unix"
)

const listenBacklog = 1024

type rawSocket struct {
	fd      int
	network string
	sotype  int
	peer    unix.Sockaddr
	local   net.Addr
	remote  net.Addr
	closed  bool
}

func newRawFD(family, sotype int) (int, error) {
	fd, err := unix.Socket(family, sotype, 0)
	if err != nil {
		return -1, Translate("socket", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, Translate("set nonblock", err)
	}
	return fd, nil
}

func listenRaw(network, address string) (Socket, error) {
	s, err := bindRaw(network, address, unix.SOCK_STREAM)
	if err != nil {
		return nil, err
	}
	if err := unix.Listen(s.fd, listenBacklog); err != nil {
		_ = s.Close()
		return nil, Translate("listen", err)
	}
	return s, nil
}

func listenPacketRaw(network, address string) (Socket, error) {
	s, err := bindRaw(network, address, unix.SOCK_DGRAM)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func bindRaw(network, address string, sotype int) (*rawSocket, error) {
	family, sa, err := resolveSockaddr(network, address)
	if err != nil {
		return nil, err
	}
	fd, err := newRawFD(family, sotype)
	if err != nil {
		return nil, err
	}
	s := &rawSocket{fd: fd, network: network, sotype: sotype}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err := unix.Bind(fd, sa); err != nil {
		_ = s.Close()
		return nil, Translate("bind", err)
	}
	s.refreshAddrs()
	return s, nil
}

func openRaw(network, address string) (Socket, error) {
	family, sa, err := resolveSockaddr(network, address)
	if err != nil {
		return nil, err
	}
	sotype := unix.SOCK_STREAM
	if IsDatagram(network) {
		sotype = unix.SOCK_DGRAM
	}
	fd, err := newRawFD(family, sotype)
	if err != nil {
		return nil, err
	}
	return &rawSocket{fd: fd, network: network, sotype: sotype, peer: sa}, nil
}

func (s *rawSocket) refreshAddrs() {
	if sa, err := unix.Getsockname(s.fd); err == nil {
		s.local = sockaddrToAddr(sa, s.sotype)
	}
	if sa, err := unix.Getpeername(s.fd); err == nil {
		s.remote = sockaddrToAddr(sa, s.sotype)
	}
}

func (s *rawSocket) FD() int         { return s.fd }
func (s *rawSocket) Network() string { return s.network }
func (s *rawSocket) Datagram() bool  { return s.sotype == unix.SOCK_DGRAM }

func (s *rawSocket) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err != nil:
			return 0, Translate("read", err)
		case n == 0 && len(p) > 0 && s.sotype == unix.SOCK_STREAM:
			return 0, api.StatusEOF
		}
		return n, nil
	}
}

func (s *rawSocket) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(s.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, Translate("write", err)
		}
		return n, nil
	}
}

func (s *rawSocket) WriteBuffers(bufs [][]byte) (int, error) {
	for {
		n, err := unix.SendmsgBuffers(s.fd, bufs, nil, nil, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, Translate("sendmsg", err)
		}
		return n, nil
	}
}

func (s *rawSocket) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		n, from, err := unix.Recvfrom(s.fd, p, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, nil, Translate("recvfrom", err)
		}
		if n == 0 && len(p) > 0 && s.sotype == unix.SOCK_STREAM {
			return 0, nil, api.StatusEOF
		}
		var addr net.Addr
		if from != nil {
			addr = sockaddrToAddr(from, s.sotype)
		}
		return n, addr, nil
	}
}

func (s *rawSocket) WriteTo(p []byte, addr net.Addr) (int, error) {
	if addr == nil {
		return s.Write(p)
	}
	sa, err := addrToSockaddr(addr)
	if err != nil {
		return 0, err
	}
	for {
		err := unix.Sendto(s.fd, p, 0, sa)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, Translate("sendto", err)
		}
		return len(p), nil
	}
}

func (s *rawSocket) Accept() (Socket, error) {
	for {
		nfd, sa, err := unix.Accept(s.fd)
		if err == unix.EINTR || err == unix.ECONNABORTED {
			continue
		}
		if err != nil {
			return nil, Translate("accept", err)
		}
		unix.CloseOnExec(nfd)
		if err := unix.SetNonblock(nfd, true); err != nil {
			_ = unix.Close(nfd)
			return nil, Translate("set nonblock", err)
		}
		_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		c := &rawSocket{fd: nfd, network: s.network, sotype: unix.SOCK_STREAM}
		c.remote = sockaddrToAddr(sa, c.sotype)
		if lsa, err := unix.Getsockname(nfd); err == nil {
			c.local = sockaddrToAddr(lsa, c.sotype)
		}
		return c, nil
	}
}

func (s *rawSocket) Connect() error {
	if s.peer == nil {
		return api.NewError(api.StatusInvalid, "connect", api.ErrInvalidArgument)
	}
	err := unix.Connect(s.fd, s.peer)
	switch err {
	case nil:
		return s.connected()
	case unix.EINPROGRESS, unix.EINTR, unix.EALREADY:
		return api.StatusWouldBlock
	}
	return Translate("connect", err)
}

func (s *rawSocket) FinishConnect() error {
	v, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return Translate("connect", err)
	}
	if v != 0 {
		errno := syscall.Errno(v)
		if errno == unix.EINPROGRESS || errno == unix.EALREADY {
			return api.StatusWouldBlock
		}
		return Translate("connect", errno)
	}
	if _, err := unix.Getpeername(s.fd); err != nil {
		// Spurious writability before the handshake finished.
		if err == unix.ENOTCONN {
			return api.StatusWouldBlock
		}
		return Translate("connect", err)
	}
	return s.connected()
}

func (s *rawSocket) connected() error {
	if s.sotype == unix.SOCK_STREAM {
		_ = unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
	s.refreshAddrs()
	return nil
}

func (s *rawSocket) shutdown(how int, op string) error {
	if s.closed {
		return nil
	}
	err := unix.Shutdown(s.fd, how)
	if err == unix.ENOTCONN {
		return nil
	}
	return Translate(op, err)
}

func (s *rawSocket) ShutdownRead() error  { return s.shutdown(unix.SHUT_RD, "shutdown read") }
func (s *rawSocket) ShutdownWrite() error { return s.shutdown(unix.SHUT_WR, "shutdown write") }

func (s *rawSocket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return Translate("close", unix.Close(s.fd))
}

func (s *rawSocket) LocalAddr() net.Addr  { return s.local }
func (s *rawSocket) RemoteAddr() net.Addr { return s.remote }
