//go:build darwin || dragonfly || freebsd || netbsd || openbsd
// +build darwin dragonfly freebsd netbsd openbsd

// File: reactor/reactor_bsd.go
// Author: momentics <momentics@gmail.com>
//
// Darwin and BSD backend selection.

package reactor

import "github.com/momentics/hioload-net/api"

// DefaultKind returns the preferred backend of the platform.
func DefaultKind() Kind { return KindKqueue }

func newReadinessPoller(kind Kind) (Poller, error) {
	if kind != KindKqueue {
		return nil, api.NewError(api.StatusInvalid, "reactor: "+kind.String()+" on this platform", api.ErrNotSupported)
	}
	return newKqueuePoller()
}
