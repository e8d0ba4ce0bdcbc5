//go:build !unix
// +build !unix

// internal/transport/socket_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Raw sockets are unix only; other platforms use portable sockets.

package transport

import "github.com/momentics/hioload-net/api"

func listenRaw(network, address string) (Socket, error) {
	return nil, api.NewError(api.StatusInvalid, "listen", api.ErrNotSupported)
}

func listenPacketRaw(network, address string) (Socket, error) {
	return nil, api.NewError(api.StatusInvalid, "listen packet", api.ErrNotSupported)
}

func openRaw(network, address string) (Socket, error) {
	return nil, api.NewError(api.StatusInvalid, "open", api.ErrNotSupported)
}
