// File: core/buffer/buffer.go
// Package buffer implements the growable, bidirectional byte buffer used for
// every payload.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package buffer

import (
	"encoding/binary"
	"io"
	"sync/atomic"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/pool"
)

const minGrow = 64

// Buffer is a byte region with a read index r and a write index w.
// Readable bytes are data[r:w], data[:r] is headroom for prepends and
// data[w:] is tailroom for appends. 0 <= r <= w <= Cap() always holds and
// capacity never shrinks.
//
// A Buffer is not safe for concurrent mutation. Ownership passes with the
// value; Retain/Release count holders so the last Release can recycle the
// backing array.
type Buffer struct {
	data []byte
	r, w int
	head int
	refs atomic.Int32
	pool *pool.BytePool
}

// New allocates a buffer with size bytes of tailroom.
func New(size int) *Buffer {
	return NewWithHeadroom(0, size)
}

// NewWithHeadroom allocates a buffer reserving headroom bytes for prepends.
func NewWithHeadroom(headroom, size int) *Buffer {
	return FromPool(nil, headroom, size)
}

// FromPool allocates the backing array from p. A nil p allocates from the heap.
func FromPool(p *pool.BytePool, headroom, size int) *Buffer {
	if headroom < 0 || size < 0 {
		api.Defect("buffer: negative size %d/%d", headroom, size)
	}
	b := &Buffer{pool: p, r: headroom, w: headroom, head: headroom}
	b.data = b.alloc(headroom + size)
	b.refs.Store(1)
	return b
}

// Wrap adopts p as the readable contents. The slice is not copied.
func Wrap(p []byte) *Buffer {
	b := &Buffer{data: p, w: len(p)}
	b.refs.Store(1)
	return b
}

func (b *Buffer) alloc(n int) []byte {
	if b.pool == nil {
		return make([]byte, n)
	}
	d := b.pool.Get(n)
	return d[:cap(d)]
}

func (b *Buffer) free(d []byte) {
	if b.pool != nil && d != nil {
		b.pool.Put(d)
	}
}

// Len returns the number of readable bytes.
func (b *Buffer) Len() int { return b.w - b.r }

// Cap returns the capacity of the backing array.
func (b *Buffer) Cap() int { return len(b.data) }

// Headroom returns the bytes available for prepends without growing.
func (b *Buffer) Headroom() int { return b.r }

// Tailroom returns the bytes available for appends without growing.
func (b *Buffer) Tailroom() int { return len(b.data) - b.w }

// Bytes returns the readable bytes. The slice aliases the buffer and is
// valid until the next mutation.
func (b *Buffer) Bytes() []byte { return b.data[b.r:b.w] }

// ensureTail guarantees n bytes of tailroom.
func (b *Buffer) ensureTail(n int) {
	if len(b.data)-b.w >= n {
		return
	}
	size := max(2*len(b.data), b.w+n, minGrow)
	d := b.alloc(size)
	copy(d[b.r:b.w], b.data[b.r:b.w])
	b.free(b.data)
	b.data = d
}

// ensureHead guarantees n bytes of headroom, shifting the readable bytes right.
func (b *Buffer) ensureHead(n int) {
	if b.r >= n {
		return
	}
	extra := max(n-b.r, len(b.data), minGrow)
	d := b.alloc(len(b.data) + extra)
	l := b.w - b.r
	copy(d[b.r+extra:], b.data[b.r:b.w])
	b.free(b.data)
	b.data = d
	b.r += extra
	b.w = b.r + l
	b.head += extra
}

// Write appends p. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.ensureTail(len(p))
	b.w += copy(b.data[b.w:], p)
	return len(p), nil
}

// WriteString appends s.
func (b *Buffer) WriteString(s string) (int, error) {
	b.ensureTail(len(s))
	b.w += copy(b.data[b.w:], s)
	return len(s), nil
}

// WriteByte appends c.
func (b *Buffer) WriteByte(c byte) error {
	b.ensureTail(1)
	b.data[b.w] = c
	b.w++
	return nil
}

// WriteUint8 appends v.
func (b *Buffer) WriteUint8(v uint8) { _ = b.WriteByte(v) }

// WriteUint16 appends v in the given byte order.
func (b *Buffer) WriteUint16(order binary.ByteOrder, v uint16) {
	b.ensureTail(2)
	order.PutUint16(b.data[b.w:], v)
	b.w += 2
}

// WriteUint32 appends v in the given byte order.
func (b *Buffer) WriteUint32(order binary.ByteOrder, v uint32) {
	b.ensureTail(4)
	order.PutUint32(b.data[b.w:], v)
	b.w += 4
}

// WriteUint64 appends v in the given byte order.
func (b *Buffer) WriteUint64(order binary.ByteOrder, v uint64) {
	b.ensureTail(8)
	order.PutUint64(b.data[b.w:], v)
	b.w += 8
}

// Fill appends n copies of c.
func (b *Buffer) Fill(c byte, n int) {
	if n <= 0 {
		return
	}
	b.ensureTail(n)
	seg := b.data[b.w : b.w+n]
	for i := range seg {
		seg[i] = c
	}
	b.w += n
}

// WriteLeft prepends p so that it becomes the first readable bytes.
func (b *Buffer) WriteLeft(p []byte) {
	b.ensureHead(len(p))
	b.r -= len(p)
	copy(b.data[b.r:], p)
}

// WriteLeftUint8 prepends v.
func (b *Buffer) WriteLeftUint8(v uint8) {
	b.ensureHead(1)
	b.r--
	b.data[b.r] = v
}

// WriteLeftUint16 prepends v in the given byte order.
func (b *Buffer) WriteLeftUint16(order binary.ByteOrder, v uint16) {
	b.ensureHead(2)
	b.r -= 2
	order.PutUint16(b.data[b.r:], v)
}

// WriteLeftUint32 prepends v in the given byte order.
func (b *Buffer) WriteLeftUint32(order binary.ByteOrder, v uint32) {
	b.ensureHead(4)
	b.r -= 4
	order.PutUint32(b.data[b.r:], v)
}

// WriteLeftUint64 prepends v in the given byte order.
func (b *Buffer) WriteLeftUint64(order binary.ByteOrder, v uint64) {
	b.ensureHead(8)
	b.r -= 8
	order.PutUint64(b.data[b.r:], v)
}

func (b *Buffer) need(n int) {
	if n < 0 || n > b.w-b.r {
		api.Defect("buffer: read of %d bytes with %d readable", n, b.w-b.r)
	}
}

// Read implements io.Reader.
func (b *Buffer) Read(p []byte) (int, error) {
	if b.r == b.w {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, b.data[b.r:b.w])
	b.r += n
	return n, nil
}

// ReadN consumes n bytes and returns them without copying.
func (b *Buffer) ReadN(n int) []byte {
	b.need(n)
	p := b.data[b.r : b.r+n : b.r+n]
	b.r += n
	return p
}

// Peek returns the next n bytes without consuming them.
func (b *Buffer) Peek(n int) []byte {
	b.need(n)
	return b.data[b.r : b.r+n : b.r+n]
}

// Skip consumes n bytes.
func (b *Buffer) Skip(n int) {
	b.need(n)
	b.r += n
}

// ReadUint8 consumes one byte.
func (b *Buffer) ReadUint8() uint8 {
	v := b.PeekUint8()
	b.r++
	return v
}

// ReadUint16 consumes a uint16 in the given byte order.
func (b *Buffer) ReadUint16(order binary.ByteOrder) uint16 {
	v := b.PeekUint16(order)
	b.r += 2
	return v
}

// ReadUint32 consumes a uint32 in the given byte order.
func (b *Buffer) ReadUint32(order binary.ByteOrder) uint32 {
	v := b.PeekUint32(order)
	b.r += 4
	return v
}

// ReadUint64 consumes a uint64 in the given byte order.
func (b *Buffer) ReadUint64(order binary.ByteOrder) uint64 {
	v := b.PeekUint64(order)
	b.r += 8
	return v
}

// PeekUint8 returns the next byte without consuming it.
func (b *Buffer) PeekUint8() uint8 {
	b.need(1)
	return b.data[b.r]
}

// PeekUint16 returns the next uint16 without consuming it.
func (b *Buffer) PeekUint16(order binary.ByteOrder) uint16 {
	b.need(2)
	return order.Uint16(b.data[b.r:])
}

// PeekUint32 returns the next uint32 without consuming it.
func (b *Buffer) PeekUint32(order binary.ByteOrder) uint32 {
	b.need(4)
	return order.Uint32(b.data[b.r:])
}

// PeekUint64 returns the next uint64 without consuming it.
func (b *Buffer) PeekUint64(order binary.ByteOrder) uint64 {
	b.need(8)
	return order.Uint64(b.data[b.r:])
}

// WriteTo drains the readable bytes into w.
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(b.data[b.r:b.w])
	b.r += n
	return int64(n), err
}

// Extend exposes n bytes of tailroom for a direct fill, e.g. a socket read.
// The bytes become readable only after Commit.
func (b *Buffer) Extend(n int) []byte {
	b.ensureTail(n)
	return b.data[b.w : b.w+n]
}

// Commit marks n bytes written through Extend as readable.
func (b *Buffer) Commit(n int) {
	if n < 0 || n > len(b.data)-b.w {
		api.Defect("buffer: commit of %d bytes with %d tailroom", n, len(b.data)-b.w)
	}
	b.w += n
}

// Reset discards the contents and restores the initial headroom.
func (b *Buffer) Reset() {
	b.r = min(b.head, len(b.data))
	b.w = b.r
}

// Clone returns an independent copy with the same headroom and contents.
func (b *Buffer) Clone() *Buffer {
	c := FromPool(b.pool, b.r, len(b.data)-b.r)
	c.head = b.head
	c.w = c.r + copy(c.data[c.r:], b.data[b.r:b.w])
	return c
}

// Retain adds a holder.
func (b *Buffer) Retain() *Buffer {
	if b.refs.Add(1) <= 1 {
		api.Defect("buffer: retain after release")
	}
	return b
}

// Release drops a holder. The last release recycles the backing array and
// reports true; the buffer must not be used afterwards.
func (b *Buffer) Release() bool {
	switch n := b.refs.Add(-1); {
	case n > 0:
		return false
	case n < 0:
		api.Defect("buffer: release without holder")
	}
	b.free(b.data)
	b.data = nil
	b.r, b.w = 0, 0
	return true
}

// Refs returns the number of holders.
func (b *Buffer) Refs() int32 { return b.refs.Load() }
