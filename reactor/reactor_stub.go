//go:build !linux && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd
// +build !linux,!darwin,!dragonfly,!freebsd,!netbsd,!openbsd

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
//
// Platforms without a readiness backend run on the completion poller.

package reactor

import "github.com/momentics/hioload-net/api"

// DefaultKind returns the preferred backend of the platform.
func DefaultKind() Kind { return KindCompletion }

func newReadinessPoller(kind Kind) (Poller, error) {
	return nil, api.NewError(api.StatusInvalid, "reactor: "+kind.String()+" on this platform", api.ErrNotSupported)
}
