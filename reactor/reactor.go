// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral poller contract. Readiness backends (epoll, kqueue) tell
// the handler a socket became ready; the completion backend performs the
// operation itself and hands back its result in the Context. Channels drive
// both through the same Begin/Do/End calls.

package reactor

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/momentics/hioload-net/internal/transport"
)

// Kind selects a poller backend.
type Kind int

const (
	// KindAuto picks the platform default.
	KindAuto Kind = iota
	KindEpoll
	KindKqueue
	KindCompletion
)

func (k Kind) String() string {
	switch k {
	case KindAuto:
		return "auto"
	case KindEpoll:
		return "epoll"
	case KindKqueue:
		return "kqueue"
	case KindCompletion:
		return "completion"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Completion reports whether the backend performs operations itself.
func (k Kind) Completion() bool { return k == KindCompletion }

// ParseKind parses a backend name as printed by Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return KindAuto, nil
	case "epoll":
		return KindEpoll, nil
	case "kqueue":
		return KindKqueue, nil
	case "completion", "portable":
		return KindCompletion, nil
	}
	return KindAuto, fmt.Errorf("reactor: unknown poller kind %q", s)
}

// Action is an operation armed with Do.
type Action uint8

const (
	ActionRead Action = 1 << iota
	ActionWrite
	ActionAccept
	ActionConnect
)

func (a Action) String() string {
	switch a {
	case ActionRead:
		return "read"
	case ActionWrite:
		return "write"
	case ActionAccept:
		return "accept"
	case ActionConnect:
		return "connect"
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// readSide reports whether a is delivered through NotifyRead.
func (a Action) readSide() bool { return a == ActionRead || a == ActionAccept }

// Handler receives notifications for one registration. Calls always happen
// on the loop goroutine, inside Poll or Terminate.
type Handler interface {
	// NotifyRead reports readability (readiness) or a finished read or
	// accept (completion).
	NotifyRead(status error, ctx *Context)
	// NotifyWrite reports writability (readiness) or a finished write or
	// connect (completion).
	NotifyWrite(status error, ctx *Context)
	// NotifyTerminating asks the registration to wind down.
	NotifyTerminating(status error, ctx *Context)
}

// guard runs the handler calls of one batch. A panicking handler does not
// stop the batch: the first panic is held and rethrown once every
// notification ran, so the loop still sees it.
type guard struct{ held any }

func (g *guard) notify(fn func(error, *Context), status error, ctx *Context) {
	defer func() {
		if r := recover(); r != nil && g.held == nil {
			g.held = r
		}
	}()
	fn(status, ctx)
}

func (g *guard) rethrow() {
	if g.held != nil {
		panic(g.held)
	}
}

// Context is one registration. Exported fields carry completion parameters
// and results; readiness backends ignore them.
type Context struct {
	Sock    transport.Socket
	Handler Handler

	// ReadBuf is filled by a completion read.
	ReadBuf []byte
	ReadN   int
	From    net.Addr
	// Accepted is the socket produced by a completion accept.
	Accepted transport.Socket

	// WriteBufs are gathered by a completion write, sent to To when set.
	WriteBufs [][]byte
	To        net.Addr
	WriteN    int

	active  bool
	armed   Action
	pending Action
	added   bool
}

// Active reports whether the registration has not ended.
func (c *Context) Active() bool { return c.active }

// Poller is the per-loop multiplexer. All methods except Interrupt are
// called from the owning loop only.
type Poller interface {
	// Begin registers sock. It fails with api.StatusTerminating once
	// Terminate was called.
	Begin(sock transport.Socket, h Handler) (*Context, error)
	// Do arms one action. Readiness backends notify once per Do.
	Do(action Action, ctx *Context) error
	// End deregisters; no notification follows.
	End(ctx *Context) error
	// Poll waits up to timeout (negative blocks) and dispatches notifications.
	Poll(timeout time.Duration) error
	// Interrupt wakes a blocked Poll. Safe from any goroutine.
	Interrupt() error
	// Terminate notifies every registration with api.StatusTerminating.
	Terminate()
	// Count returns the number of live registrations.
	Count() int
	Kind() Kind
	Close() error
}

// New creates a poller of the given kind.
func New(kind Kind) (Poller, error) {
	if kind == KindAuto {
		kind = DefaultKind()
	}
	if kind == KindCompletion {
		return newCompletionPoller(), nil
	}
	return newReadinessPoller(kind)
}

// RawSockets reports whether kind drives raw non-blocking sockets.
func RawSockets(kind Kind) bool {
	if kind == KindAuto {
		kind = DefaultKind()
	}
	return !kind.Completion()
}

// timeoutMillis rounds a poll timeout up to whole milliseconds.
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}
