// File: channel/outbound.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Outbound write queue.

package channel

import (
	"net"

	"github.com/eapache/queue"
	"github.com/momentics/hioload-net/core/buffer"
	"github.com/momentics/hioload-net/core/concurrency"
)

// maxGather bounds the buffers handed to one vectored write.
const maxGather = 64

type outbound struct {
	buf     *buffer.Buffer
	promise *concurrency.Promise[error]
	to      net.Addr
	// sent counts bytes already handed to the socket
	sent int
	// inflight marks bytes owned by a completion write still running
	inflight bool
}

// complete resolves the entry and releases its buffer. A buffer still read
// by a completion write is left to the collector.
func (o *outbound) complete(err error) {
	if !o.inflight {
		o.buf.Release()
	}
	o.buf = nil
	o.promise.TrySet(err)
}

// writeQueue is a FIFO of outbound entries. Loop only.
type writeQueue struct {
	q     *queue.Queue
	bytes int
}

func newWriteQueue() writeQueue {
	return writeQueue{q: queue.New()}
}

func (w *writeQueue) push(o *outbound) {
	w.q.Add(o)
	w.bytes += o.buf.Len()
}

func (w *writeQueue) len() int { return w.q.Length() }

func (w *writeQueue) head() *outbound {
	if w.q.Length() == 0 {
		return nil
	}
	return w.q.Peek().(*outbound)
}

func (w *writeQueue) at(i int) *outbound { return w.q.Get(i).(*outbound) }

func (w *writeQueue) pop() *outbound {
	o := w.q.Remove().(*outbound)
	w.bytes -= o.buf.Len()
	return o
}

// gather collects up to limit bytes from the head for a vectored write,
// appending to dst. A negative limit means no limit.
func (w *writeQueue) gather(dst [][]byte, limit int) [][]byte {
	n := w.q.Length()
	for i := 0; i < n && i < maxGather && limit != 0; i++ {
		b := w.at(i).buf.Bytes()
		if limit > 0 && len(b) > limit {
			b = b[:limit]
		}
		dst = append(dst, b)
		if limit > 0 {
			limit -= len(b)
		}
	}
	return dst
}

// consume accounts n written bytes, completing every fully written entry.
func (w *writeQueue) consume(n int) (completed int) {
	for w.q.Length() > 0 {
		o := w.head()
		if l := o.buf.Len(); n >= l {
			n -= l
			w.pop().complete(nil)
			completed++
			continue
		}
		if n > 0 {
			o.buf.Skip(n)
			o.sent += n
			w.bytes -= n
		}
		break
	}
	return completed
}

// cancel fails every entry with err.
func (w *writeQueue) cancel(err error) {
	for w.q.Length() > 0 {
		w.pop().complete(err)
	}
	w.bytes = 0
}
