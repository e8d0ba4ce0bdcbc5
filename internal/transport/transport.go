// Package transport
// Author: momentics <momentics@gmail.com>
//
// Platform-independent socket contract and factories.
// Raw sockets are non-blocking file descriptors driven by readiness pollers;
// portable sockets wrap the net package and are driven by the completion
// poller, which runs their blocking calls on helper goroutines.

package transport

import (
	"net"
	"strings"
)

// Socket is the primitive a channel drives. Raw sockets return
// api.StatusWouldBlock instead of blocking; portable sockets block.
// Errors are always translated into the api status domain.
type Socket interface {
	// FD returns the descriptor, or -1 for portable sockets.
	FD() int
	Network() string
	Datagram() bool

	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// WriteBuffers gathers bufs into one send and reports bytes written.
	WriteBuffers(bufs [][]byte) (int, error)
	ReadFrom(p []byte) (int, net.Addr, error)
	WriteTo(p []byte, addr net.Addr) (int, error)

	Accept() (Socket, error)
	// Connect starts connecting to the address given at Open. A raw socket
	// returns api.StatusWouldBlock while the handshake is in progress.
	Connect() error
	// FinishConnect reports the outcome of a pending raw connect.
	FinishConnect() error

	ShutdownRead() error
	ShutdownWrite() error
	Close() error

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Listen opens a listening stream socket.
func Listen(network, address string, raw bool) (Socket, error) {
	if raw {
		return listenRaw(network, address)
	}
	return listenPortable(network, address)
}

// ListenPacket opens a bound datagram socket.
func ListenPacket(network, address string, raw bool) (Socket, error) {
	if raw {
		return listenPacketRaw(network, address)
	}
	return listenPacketPortable(network, address)
}

// Open creates an unconnected socket whose Connect targets address.
func Open(network, address string, raw bool) (Socket, error) {
	if raw {
		return openRaw(network, address)
	}
	return openPortable(network, address)
}

// IsDatagram reports whether network names a datagram protocol.
func IsDatagram(network string) bool {
	return strings.HasPrefix(network, "udp")
}
