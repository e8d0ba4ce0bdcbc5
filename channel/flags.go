// File: channel/flags.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Channel state bit set with guarded transitions.

package channel

import (
	"fmt"
	"math/bits"
	"strings"
)

// Flags is a snapshot of channel state.
type Flags uint32

const (
	// activity
	FlagActive Flags = 1 << iota
	FlagPassive
	FlagListening
	FlagDatagram

	// connect phase
	FlagConnecting
	FlagConnected

	// read half-close phase
	FlagReadPending
	FlagReadShuttingDown
	FlagReadShutdown

	// write half-close phase
	FlagWritePending
	FlagWriteShuttingDown
	FlagWriteShutdown

	FlagClosing
	FlagClosed
	FlagReadError
	FlagWriteError
	FlagBackpressure

	// registration lifecycle
	FlagBeginPending
	FlagBeginDone
	FlagBeginFailed
	FlagTerminating

	// timers in use
	FlagRefillTimer
	FlagCloseTimer

	// interest
	FlagReadArmed
	FlagWriteArmed
	FlagReadPaused

	flagCount = iota
)

var flagNames = [flagCount]string{
	"active", "passive", "listening", "datagram",
	"connecting", "connected",
	"read_pending", "read_shutting_down", "read_shutdown",
	"write_pending", "write_shutting_down", "write_shutdown",
	"closing", "closed", "read_error", "write_error", "backpressure",
	"begin_pending", "begin_done", "begin_failed", "terminating",
	"refill_timer", "close_timer",
	"read_armed", "write_armed", "read_paused",
}

const (
	activityMask = FlagActive | FlagPassive | FlagListening | FlagDatagram
	readPhases   = FlagReadPending | FlagReadShuttingDown | FlagReadShutdown
	writePhases  = FlagWritePending | FlagWriteShuttingDown | FlagWriteShutdown
	fullShutdown = FlagReadShutdown | FlagWriteShutdown
)

// Has reports whether every bit of mask is set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// Any reports whether at least one bit of mask is set.
func (f Flags) Any(mask Flags) bool { return f&mask != 0 }

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var sb strings.Builder
	for v := uint32(f); v != 0; v &= v - 1 {
		i := bits.TrailingZeros32(v)
		if sb.Len() > 0 {
			sb.WriteByte('|')
		}
		if i < flagCount {
			sb.WriteString(flagNames[i])
		} else {
			fmt.Fprintf(&sb, "bit%d", i)
		}
	}
	return sb.String()
}

// transition clears then sets bits, rejecting combinations no channel may
// reach.
func (f Flags) transition(clear, set Flags) (Flags, error) {
	next := f&^clear | set
	switch {
	case f.Has(fullShutdown) && f.Has(FlagClosed) && next&FlagClosed == 0:
		return f, fmt.Errorf("reopening a fully shut down channel")
	case next.Any(activityMask) && bits.OnesCount32(uint32(next&activityMask&^FlagDatagram)) > 1:
		return f, fmt.Errorf("conflicting activity %s", next&activityMask)
	case next.Has(FlagConnecting) && next.Any(FlagClosed|FlagConnected|FlagListening|FlagPassive):
		return f, fmt.Errorf("connecting while %s", next&(FlagClosed|FlagConnected|FlagListening|FlagPassive))
	case next.Has(FlagBackpressure) && next.Has(FlagWriteShutdown):
		return f, fmt.Errorf("backpressure after write shutdown")
	case bits.OnesCount32(uint32(next&readPhases)) > 1:
		return f, fmt.Errorf("read phases %s", next&readPhases)
	case bits.OnesCount32(uint32(next&writePhases)) > 1:
		return f, fmt.Errorf("write phases %s", next&writePhases)
	}
	return next, nil
}
