//go:build unix
// +build unix

// internal/transport/sockaddr_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"net"
	"strconv"
	"strings"

	"github.com/momentics/hioload-net/api"
	"golang.org/x/sys/unix"
)

// resolveSockaddr resolves address for network into a socket family and
// sockaddr. An unspecified host binds IPv4 unless the network asks for IPv6.
func resolveSockaddr(network, address string) (int, unix.Sockaddr, error) {
	var (
		ip   net.IP
		port int
		zone string
	)
	switch network {
	case "tcp", "tcp4", "tcp6":
		a, err := net.ResolveTCPAddr(network, address)
		if err != nil {
			return 0, nil, Translate("resolve", err)
		}
		ip, port, zone = a.IP, a.Port, a.Zone
	case "udp", "udp4", "udp6":
		a, err := net.ResolveUDPAddr(network, address)
		if err != nil {
			return 0, nil, Translate("resolve", err)
		}
		ip, port, zone = a.IP, a.Port, a.Zone
	default:
		return 0, nil, api.NewError(api.StatusInvalid, "resolve "+network, api.ErrNotSupported)
	}
	v6 := strings.HasSuffix(network, "6")
	if ip == nil {
		if v6 {
			ip = net.IPv6unspecified
		} else {
			ip = net.IPv4zero
		}
	}
	if ip4 := ip.To4(); ip4 != nil && !v6 {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa, nil
	}
	sa := &unix.SockaddrInet6{Port: port, ZoneId: zoneIndex(zone)}
	copy(sa.Addr[:], ip.To16())
	return unix.AF_INET6, sa, nil
}

func zoneIndex(zone string) uint32 {
	if zone == "" {
		return 0
	}
	if ifi, err := net.InterfaceByName(zone); err == nil {
		return uint32(ifi.Index)
	}
	n, _ := strconv.Atoi(zone)
	return uint32(n)
}

func sockaddrToAddr(sa unix.Sockaddr, sotype int) net.Addr {
	var (
		ip   net.IP
		port int
	)
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		ip, port = append(net.IP(nil), sa.Addr[:]...), sa.Port
	case *unix.SockaddrInet6:
		ip, port = append(net.IP(nil), sa.Addr[:]...), sa.Port
	default:
		return nil
	}
	if sotype == unix.SOCK_DGRAM {
		return &net.UDPAddr{IP: ip, Port: port}
	}
	return &net.TCPAddr{IP: ip, Port: port}
}

func addrToSockaddr(addr net.Addr) (unix.Sockaddr, error) {
	var (
		ip   net.IP
		port int
	)
	switch a := addr.(type) {
	case *net.UDPAddr:
		ip, port = a.IP, a.Port
	case *net.TCPAddr:
		ip, port = a.IP, a.Port
	default:
		return nil, api.NewError(api.StatusInvalid, "sockaddr", api.ErrInvalidArgument)
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa, nil
}
