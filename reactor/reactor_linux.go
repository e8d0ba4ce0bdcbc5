//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux backend selection.

package reactor

import "github.com/momentics/hioload-net/api"

// DefaultKind returns the preferred backend of the platform.
func DefaultKind() Kind { return KindEpoll }

func newReadinessPoller(kind Kind) (Poller, error) {
	if kind != KindEpoll {
		return nil, api.NewError(api.StatusInvalid, "reactor: "+kind.String()+" on linux", api.ErrNotSupported)
	}
	return newEpollPoller()
}
