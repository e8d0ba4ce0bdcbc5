// Package api
// Author: momentics
//
// Scheduler contract for one-shot timers owned by an event loop.

package api

import "time"

// Scheduler arms one-shot timers. There is no cancel: a timer fires with a
// nil status on expiry, or with StatusTornDown when its owner exits first.
type Scheduler interface {
	AddTimer(delay time.Duration, fn func(status error)) error
}
