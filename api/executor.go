// Package api
// Author: momentics
//
// Executor contract implemented by event loops.

package api

// Executor runs tasks on a single owning thread.
type Executor interface {
	// Execute runs task on the owner. Safe from any goroutine, never blocks.
	Execute(task func()) error

	// Schedule is Execute, except that from the owner itself the task runs
	// after the current batch instead of inline.
	Schedule(task func()) error

	// InLoop reports whether the caller runs on the owner.
	InLoop() bool
}
